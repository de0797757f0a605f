package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// ErrDiscarded is returned for chunks or markers arriving after Discard.
var ErrDiscarded = errors.New("receive buffer discarded")

// Sink materializes a completed file. It is handed the whole reassembled
// byte sequence and returns where the file ended up.
type Sink interface {
	Materialize(ctx context.Context, meta protocol.FileMeta, r io.Reader, size int64) (string, error)
}

// Receiver accumulates chunks in arrival order and finalizes them into one
// byte sequence when the marker arrives. It is safe for concurrent use so
// that Discard can be called while Run is blocked.
type Receiver struct {
	meta protocol.FileMeta
	sink Sink

	// OnProgress, if set, receives the percentage after every chunk and a
	// final 100 once the file is materialized.
	OnProgress ProgressFunc

	mu        sync.Mutex
	chunks    [][]byte
	moved     int64
	frames    int
	started   time.Time
	discarded bool
}

// NewReceiver creates a Receiver for the file described by meta.
func NewReceiver(meta protocol.FileMeta, sink Sink) *Receiver {
	return &Receiver{meta: meta, sink: sink}
}

// BytesMoved returns the number of bytes accumulated so far.
func (r *Receiver) BytesMoved() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moved
}

// OnChunk appends buf to the reassembly buffer. Chunks of any size are
// accepted; a chunk that would push the total past the declared size is
// rejected with ErrSizeMismatch.
func (r *Receiver) OnChunk(buf []byte) error {
	r.mu.Lock()
	if r.discarded {
		r.mu.Unlock()
		return ErrDiscarded
	}
	if r.moved+int64(len(buf)) > r.meta.Size {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d bytes exceeds declared %d", ErrSizeMismatch, r.moved+int64(len(buf)), r.meta.Size)
	}
	if r.frames == 0 {
		r.started = time.Now()
	}
	r.chunks = append(r.chunks, buf)
	r.moved += int64(len(buf))
	r.frames++
	p := percent(r.moved, r.meta.Size)
	r.mu.Unlock()

	util.Stats.AddRecv(len(buf))
	r.report(p)
	return nil
}

// OnMarker concatenates the accumulated chunks, hands them to the sink, and
// releases the buffers. The reassembled length is checked against the
// declared size before anything is materialized.
func (r *Receiver) OnMarker(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if r.discarded {
		r.mu.Unlock()
		return Result{}, ErrDiscarded
	}
	chunks, moved, frames, started := r.chunks, r.moved, r.frames, r.started
	r.chunks = nil
	r.discarded = true
	r.mu.Unlock()

	res := Result{Bytes: moved, Chunks: frames}
	if !started.IsZero() {
		res.Elapsed = time.Since(started)
	}
	if moved != r.meta.Size {
		return res, fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, moved, r.meta.Size)
	}

	data := bytes.Join(chunks, nil)
	res.Checksum = util.ChecksumHex(data)

	location, err := r.sink.Materialize(ctx, r.meta, bytes.NewReader(data), moved)
	if err != nil {
		return res, fmt.Errorf("materialize %q: %w", r.meta.Name, err)
	}
	res.Location = location

	r.report(100)
	return res, nil
}

// Discard drops any accumulated chunks. Later chunks and markers are refused.
func (r *Receiver) Discard() {
	r.mu.Lock()
	r.chunks = nil
	r.discarded = true
	r.mu.Unlock()
}

// Run reads frames from ch until the marker arrives, then finalizes.
// Text frames other than the marker are ignored.
func (r *Receiver) Run(ctx context.Context, ch Channel) (Result, error) {
	for {
		f, err := ch.Recv(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{Bytes: r.BytesMoved()}, fmt.Errorf("%w: %v", ErrChannelNotOpen, err)
		}

		if protocol.IsMarker(f) {
			return r.OnMarker(ctx)
		}
		if f.Text {
			util.LogDebug("ignoring text frame: %q", f.Data)
			continue
		}
		if err := r.OnChunk(f.Data); err != nil {
			return Result{Bytes: r.BytesMoved()}, err
		}
	}
}

func (r *Receiver) report(p int) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
}
