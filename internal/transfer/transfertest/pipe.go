// Package transfertest provides an in-memory transfer.Channel for tests of
// code that moves files without a real peer connection.
package transfertest

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/qrdrop/internal/protocol"
)

// ErrClosed is returned by a closed pipe end.
var ErrClosed = errors.New("pipe closed")

// PipeEnd is one side of an in-memory ordered channel created by Pipe.
type PipeEnd struct {
	inbox chan protocol.Frame
	peer  *PipeEnd
	state *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// Pipe returns two linked channel ends. Frames written on one end are read in
// order from the other. buffer bounds the number of in-flight frames per
// direction; a full buffer blocks the writer.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	st := &pipeState{closed: make(chan struct{})}
	a := &PipeEnd{inbox: make(chan protocol.Frame, buffer), state: st}
	b := &PipeEnd{inbox: make(chan protocol.Frame, buffer), state: st}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) deliver(ctx context.Context, f protocol.Frame) error {
	if !p.IsOpen() {
		return ErrClosed
	}
	select {
	case p.peer.inbox <- f:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.deliver(ctx, protocol.Frame{Data: buf})
}

func (p *PipeEnd) SendText(ctx context.Context, text string) error {
	return p.deliver(ctx, protocol.Frame{Text: true, Data: []byte(text)})
}

// Recv returns buffered frames even after Close, then reports the closure.
func (p *PipeEnd) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.state.closed:
		select {
		case f := <-p.inbox:
			return f, nil
		default:
			return protocol.Frame{}, ErrClosed
		}
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (p *PipeEnd) IsOpen() bool {
	select {
	case <-p.state.closed:
		return false
	default:
		return true
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
