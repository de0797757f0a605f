package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/storage"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/transport"
	"github.com/1ureka/qrdrop/internal/util"
)

// flow is one handshake and transfer, from Begin to Reset. Everything it
// starts is tied to ctx and counted in wg.
type flow struct {
	id      string
	epoch   uint64
	role    transport.Role
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	peer    Peer
	started time.Time
	log     util.Logger

	file  protocol.FileMeta
	src   io.Reader // offerer only
	local protocol.Descriptor

	mu       sync.Mutex
	blob     string
	code     string
	poller   *rendezvous.Poller
	answered bool
	recv     *transfer.Receiver
}

func (f *flow) direction() string {
	if f.role == transport.Offerer {
		return storage.DirectionSend
	}
	return storage.DirectionReceive
}

// claimAnswer marks the flow answered and stops any poll. It reports false
// if an answer was already taken.
func (f *flow) claimAnswer() bool {
	f.mu.Lock()
	if f.answered {
		f.mu.Unlock()
		return false
	}
	f.answered = true
	p := f.poller
	f.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	return true
}

// teardown stops the poll, closes the peer, drops receive buffers and waits
// for every goroutine of the flow. The rendezvous entry is removed last.
func (f *flow) teardown(store rendezvous.Store) {
	f.cancel()

	f.mu.Lock()
	p, recv, code := f.poller, f.recv, f.code
	f.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if f.peer != nil {
		if err := f.peer.Close(); err != nil {
			f.log.Debugf("close peer: %v", err)
		}
	}
	if recv != nil {
		recv.Discard()
	}
	f.wg.Wait()

	if code != "" && store != nil {
		removeCode(store, code, f.log)
	}
	f.log.Debugf("flow torn down")
}

func removeCode(store rendezvous.Store, code string, log util.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Remove(ctx, code); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
		log.Warnf("remove code %s: %v", code, err)
	}
}
