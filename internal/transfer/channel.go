// Package transfer streams one file over an ordered channel: fixed-size
// binary chunks followed by a textual end-of-file marker.
package transfer

import (
	"context"
	"errors"

	"github.com/1ureka/qrdrop/internal/protocol"
)

var (
	// ErrChannelNotOpen is returned when the channel is not open at call time
	// or leaves the open state before the marker is written.
	ErrChannelNotOpen = errors.New("channel is not open")

	// ErrSizeMismatch is returned when the reassembled byte count disagrees
	// with the size declared in the request.
	ErrSizeMismatch = errors.New("received size does not match declared size")
)

// Channel is an ordered, binary-capable message channel. Frames are delivered
// in the order they were written.
type Channel interface {
	// Send writes one binary frame, blocking while the channel applies
	// backpressure.
	Send(ctx context.Context, data []byte) error
	// SendText writes one text frame.
	SendText(ctx context.Context, text string) error
	// Recv blocks until the next inbound frame arrives.
	Recv(ctx context.Context) (protocol.Frame, error)
	// IsOpen reports whether the channel is currently open.
	IsOpen() bool
}

// ProgressFunc receives a percentage in [0, 100] after every chunk.
type ProgressFunc func(percent int)

// percent computes round(moved / total * 100), clamped to [0, 100].
func percent(moved, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int((moved*200 + total) / (total * 2))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
