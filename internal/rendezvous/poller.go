package rendezvous

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// Poll defaults.
const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// PollResult is delivered once by a Poller.
type PollResult struct {
	Descriptor protocol.Descriptor
	Err        error
}

// Poller waits for a response to be published under one code by checking the
// store at a fixed interval. It delivers at most one result and never calls
// back into the caller.
type Poller struct {
	cancel  context.CancelFunc
	done    chan struct{}
	result  chan PollResult
	pending atomic.Bool
}

// StartPoller begins polling store for id. The wait is abandoned with
// ErrPollTimeout after timeout; ErrNotFound is delivered if the entry
// disappears. Transient store errors are logged and retried on the next tick.
func StartPoller(ctx context.Context, store Store, id string, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		cancel: cancel,
		done:   make(chan struct{}),
		result: make(chan PollResult, 1),
	}
	p.pending.Store(true)

	go p.run(ctx, store, id, interval, timeout)
	return p
}

func (p *Poller) run(ctx context.Context, store Store, id string, interval, timeout time.Duration) {
	defer close(p.done)
	defer p.pending.Store(false)

	log := util.Scoped("rendezvous.poll")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			log.Warnf("no response for %s after %v", id, timeout)
			p.result <- PollResult{Err: ErrPollTimeout}
			return

		case <-ticker.C:
			desc, ok, err := store.PollResponse(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				p.result <- PollResult{Err: ErrNotFound}
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Debugf("poll %s: %v", id, err)
			case ok:
				log.Debugf("response for %s received", id)
				p.result <- PollResult{Descriptor: desc}
				return
			}
		}
	}
}

// Result yields the single outcome of the poll. No result is produced once
// Stop has returned.
func (p *Poller) Result() <-chan PollResult {
	return p.result
}

// Done is closed when the poll goroutine exits, whether it delivered a
// result or was stopped. A delivered result stays readable from Result.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Pending reports whether the poll goroutine is still running.
func (p *Poller) Pending() bool {
	return p.pending.Load()
}

// Stop cancels the poll and returns only once the poll goroutine has exited.
// It is safe to call more than once.
func (p *Poller) Stop() {
	p.cancel()
	<-p.done
}
