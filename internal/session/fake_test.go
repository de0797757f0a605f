package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/storage"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/transfer/transfertest"
	"github.com/1ureka/qrdrop/internal/transport"
)

// fakeNet links one offerer and one answerer through an in-memory pipe. The
// channel opens once the offerer has applied the answer.
type fakeNet struct {
	a, b      *transfertest.PipeEnd
	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.Mutex
	peers []*fakePeer
}

func newFakeNet() *fakeNet {
	a, b := transfertest.Pipe(64)
	return &fakeNet{a: a, b: b, ready: make(chan struct{})}
}

func (n *fakeNet) dial(role transport.Role, opts transport.Options) (Peer, error) {
	p := &fakePeer{net: n, role: role, opts: opts, closed: make(chan struct{})}
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
	return p, nil
}

// fail reports a failed connection to every peer and drops the channel.
func (n *fakeNet) fail() {
	n.mu.Lock()
	peers := append([]*fakePeer(nil), n.peers...)
	n.mu.Unlock()
	for _, p := range peers {
		if p.opts.OnStateChange != nil {
			p.opts.OnStateChange(transport.Failed)
		}
		p.Close()
	}
}

type fakePeer struct {
	net  *fakeNet
	role transport.Role
	opts transport.Options

	mu        sync.Mutex
	local     bool
	remote    bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *fakePeer) CreateOffer(context.Context) (protocol.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != transport.Offerer || p.local {
		return protocol.Descriptor{}, transport.ErrNegotiation
	}
	p.local = true
	return protocol.Descriptor{Type: protocol.DescriptorOffer, SDP: "v=0 fake offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (protocol.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != transport.Answerer || !p.remote || p.local {
		return protocol.Descriptor{}, transport.ErrNegotiation
	}
	p.local = true
	return protocol.Descriptor{Type: protocol.DescriptorAnswer, SDP: "v=0 fake answer"}, nil
}

func (p *fakePeer) ApplyRemote(d protocol.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.remote:
		return fmt.Errorf("%w: remote already applied", transport.ErrNegotiation)
	case p.role == transport.Offerer && (d.Type != protocol.DescriptorAnswer || !p.local):
		return fmt.Errorf("%w: offerer got %q", transport.ErrNegotiation, d.Type)
	case p.role == transport.Answerer && d.Type != protocol.DescriptorOffer:
		return fmt.Errorf("%w: answerer got %q", transport.ErrNegotiation, d.Type)
	}
	p.remote = true
	if p.role == transport.Offerer {
		p.net.readyOnce.Do(func() { close(p.net.ready) })
	}
	return nil
}

func (p *fakePeer) AwaitChannel(ctx context.Context) (transfer.Channel, error) {
	select {
	case <-p.net.ready:
		if p.role == transport.Offerer {
			return p.net.a, nil
		}
		return p.net.b, nil
	case <-p.closed:
		return nil, fmt.Errorf("%w: closed", transport.ErrConnectivity)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePeer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.net.a.Close()
}

// memSink keeps received files in memory.
type memSink struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{files: make(map[string][]byte)}
}

func (m *memSink) Materialize(_ context.Context, meta protocol.FileMeta, r io.Reader, _ int64) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.files[meta.Name] = buf.Bytes()
	m.mu.Unlock()
	return "mem://" + meta.Name, nil
}

func (m *memSink) get(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[name]
}

// fakeHistory records in memory.
type fakeHistory struct {
	mu   sync.Mutex
	recs []storage.TransferRecord
}

func (h *fakeHistory) Record(_ context.Context, rec *storage.TransferRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, *rec)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) all() []storage.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.TransferRecord(nil), h.recs...)
}
