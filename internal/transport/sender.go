package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/transfer"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	inboxSize     = 256        // inbound frames buffered before the reader blocks pion

	// drainPoll re-checks bufferedAmount in case a low-threshold event was
	// consumed before the writer started waiting.
	drainPoll = 50 * time.Millisecond
)

var errChannelClosed = errors.New("data channel closed")

// Channel is an ordered DataChannel adapted to transfer.Channel. Writes are
// serialized and paused while the channel's send buffer is above the high
// water mark. Inbound messages are queued in arrival order.
type Channel struct {
	dc *webrtc.DataChannel

	inbox       chan protocol.Frame
	drainSignal chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	writeMu sync.Mutex
}

// newChannel wires backpressure and inbound callbacks on dc. It must run
// before dc opens so no message is missed.
func newChannel(dc *webrtc.DataChannel) *Channel {
	c := &Channel{
		dc:          dc,
		inbox:       make(chan protocol.Frame, inboxSize),
		drainSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f := protocol.Frame{Text: msg.IsString, Data: msg.Data}
		select {
		case c.inbox <- f:
		case <-c.closed:
		}
	})

	dc.OnClose(func() {
		c.markClosed()
	})

	return c
}

func (c *Channel) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// IsOpen reports whether the DataChannel is open.
func (c *Channel) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes one binary frame, first waiting for the send buffer to drain
// below the low water mark if it is above the high one.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.awaitDrain(ctx); err != nil {
		return err
	}
	if err := c.dc.Send(data); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// SendText writes one text frame.
func (c *Channel) SendText(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.awaitDrain(ctx); err != nil {
		return err
	}
	if err := c.dc.SendText(text); err != nil {
		return c.writeErr(err)
	}
	return nil
}

func (c *Channel) awaitDrain(ctx context.Context) error {
	if !c.IsOpen() {
		return transfer.ErrChannelNotOpen
	}
	for c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.drainSignal:
		case <-time.After(drainPoll):
		case <-c.closed:
			return transfer.ErrChannelNotOpen
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) writeErr(err error) error {
	if !c.IsOpen() {
		return fmt.Errorf("%w: %v", transfer.ErrChannelNotOpen, err)
	}
	return fmt.Errorf("send on data channel: %w", err)
}

// Flush waits until everything written has left the send buffer.
func (c *Channel) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.dc.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-c.closed:
			return transfer.ErrChannelNotOpen
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Recv returns the next inbound frame. Frames queued before the channel
// closed are still delivered.
func (c *Channel) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		select {
		case f := <-c.inbox:
			return f, nil
		default:
			return protocol.Frame{}, errChannelClosed
		}
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Close closes the DataChannel.
func (c *Channel) Close() error {
	c.markClosed()
	return c.dc.Close()
}

var _ transfer.Channel = (*Channel)(nil)
