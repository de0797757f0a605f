package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// DefaultPause is the yield inserted after every chunk write.
const DefaultPause = time.Millisecond

// Result summarizes a finished transfer.
type Result struct {
	Bytes    int64         // bytes written or reassembled
	Chunks   int           // binary frames moved
	Checksum string        // hex sha256 of the file content
	Elapsed  time.Duration // wall time from first chunk to marker
	Location string        // where the sink stored the file (receive side)
}

// Sender pumps a file through a Channel.
type Sender struct {
	// Pause is slept after each chunk so the channel's buffering can drain.
	// Zero means DefaultPause; a negative value disables the pause.
	Pause time.Duration
	// OnProgress, if set, receives the percentage after every chunk.
	OnProgress ProgressFunc
}

// Send splits r into ChunkSize frames, writes them in order, then writes the
// terminal marker. total is the declared length of r and only drives progress.
func (s *Sender) Send(ctx context.Context, r io.Reader, total int64, ch Channel) (Result, error) {
	if !ch.IsOpen() {
		return Result{}, ErrChannelNotOpen
	}

	pause := s.Pause
	if pause == 0 {
		pause = DefaultPause
	}

	var res Result
	sum := util.NewChecksum()
	start := time.Now()
	buf := make([]byte, protocol.ChunkSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := ch.Send(ctx, chunk); err != nil {
				return res, s.channelErr(ch, err)
			}
			util.Stats.AddSent(n)
			sum.Write(chunk)
			res.Bytes += int64(n)
			res.Chunks++
			s.report(percent(res.Bytes, total))

			if err := yield(ctx, pause); err != nil {
				return res, err
			}
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read file: %w", err)
		}
	}

	if !ch.IsOpen() {
		return res, ErrChannelNotOpen
	}
	if err := ch.SendText(ctx, protocol.Marker()); err != nil {
		return res, s.channelErr(ch, err)
	}

	res.Checksum = util.SumHex(sum)
	res.Elapsed = time.Since(start)
	return res, nil
}

func (s *Sender) report(p int) {
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

// channelErr classifies a write failure: a channel that has left the open
// state is reported as ErrChannelNotOpen.
func (s *Sender) channelErr(ch Channel, err error) error {
	if !ch.IsOpen() {
		return fmt.Errorf("%w: %v", ErrChannelNotOpen, err)
	}
	return fmt.Errorf("write chunk: %w", err)
}

// yield suspends briefly between writes.
func yield(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
