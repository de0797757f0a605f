package session

import (
	"context"
	"fmt"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/transport"
)

// Peer is the transport session a flow drives. *transport.Session satisfies
// it through DialWebRTC.
type Peer interface {
	CreateOffer(ctx context.Context) (protocol.Descriptor, error)
	CreateAnswer(ctx context.Context) (protocol.Descriptor, error)
	ApplyRemote(desc protocol.Descriptor) error
	AwaitChannel(ctx context.Context) (transfer.Channel, error)
	Close() error
}

// Dialer creates a Peer for role.
type Dialer func(role transport.Role, opts transport.Options) (Peer, error)

// DialWebRTC is the default Dialer.
func DialWebRTC(role transport.Role, opts transport.Options) (Peer, error) {
	s, err := transport.NewSession(role, opts)
	if err != nil {
		return nil, err
	}
	return webrtcPeer{s}, nil
}

type webrtcPeer struct {
	*transport.Session
}

func (p webrtcPeer) AwaitChannel(ctx context.Context) (transfer.Channel, error) {
	if !p.Negotiated() {
		return nil, fmt.Errorf("%w: awaiting the channel before both descriptors were applied", transport.ErrNegotiation)
	}
	ch, err := p.Session.AwaitChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// flusher is implemented by channels that can wait for their send buffer to
// drain.
type flusher interface {
	Flush(ctx context.Context) error
}
