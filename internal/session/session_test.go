package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/transport"
)

type pair struct {
	net      *fakeNet
	sender   *Session
	receiver *Session
	sink     *memSink
	history  *fakeHistory
	store    *rendezvous.MemoryStore
}

func newPair(t *testing.T, tweak func(*Config)) *pair {
	t.Helper()
	p := &pair{
		net:     newFakeNet(),
		sink:    newMemSink(),
		history: &fakeHistory{},
		store:   rendezvous.NewMemoryStore(),
	}
	cfg := Config{
		Store:        p.store,
		Sink:         p.sink,
		History:      p.history,
		Dial:         p.net.dial,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  2 * time.Second,
		ChunkPause:   -1,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	p.sender = New(cfg)
	p.receiver = New(cfg)
	t.Cleanup(func() {
		p.sender.Reset()
		p.receiver.Reset()
	})
	return p
}

func payload(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(r.Intn(256))
	}
	return buf
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("status = %s (err: %v), want %s", s.Status(), s.Err(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBlobHandshakeAndTransfer(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()
	data := payload(protocol.ChunkSize*3 + 7)
	meta := protocol.FileMeta{Name: "report.pdf", Size: int64(len(data)), Type: "application/pdf"}

	request, err := p.sender.StartSend(ctx, meta, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StartSend failed: %v", err)
	}
	if p.sender.Status() != StatusWaiting {
		t.Fatalf("sender status = %s", p.sender.Status())
	}
	if got, ok := p.sender.FileMeta(); !ok || got != meta {
		t.Errorf("sender FileMeta = %+v, %v", got, ok)
	}
	if protocol.Classify(request) != protocol.KindRequest {
		t.Fatalf("StartSend did not return a request blob")
	}

	response, err := p.receiver.SubmitText(ctx, request)
	if err != nil {
		t.Fatalf("receiver SubmitText failed: %v", err)
	}
	if protocol.Classify(response) != protocol.KindResponse {
		t.Fatalf("receiver did not return a response blob")
	}
	if got, ok := p.receiver.FileMeta(); !ok || got != meta {
		t.Errorf("receiver FileMeta = %+v, %v", got, ok)
	}

	if reply, err := p.sender.SubmitText(ctx, response); err != nil || reply != "" {
		t.Fatalf("sender SubmitText = %q, %v", reply, err)
	}

	waitStatus(t, p.sender, StatusComplete)
	waitStatus(t, p.receiver, StatusComplete)

	if !bytes.Equal(p.sink.get("report.pdf"), data) {
		t.Fatal("received file differs from the original")
	}
	if p.sender.Progress() != 100 || p.receiver.Progress() != 100 {
		t.Errorf("progress sender=%d receiver=%d", p.sender.Progress(), p.receiver.Progress())
	}

	waitFor(t, "history records", func() bool { return len(p.history.all()) == 2 })
	for _, rec := range p.history.all() {
		if rec.Status != string(StatusComplete) || rec.Bytes != meta.Size || rec.Checksum == "" {
			t.Errorf("unexpected record %+v", rec)
		}
	}
}

func TestCodeHandshakeAndTransfer(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()
	data := payload(protocol.ChunkSize)
	meta := protocol.FileMeta{Name: "one-chunk.bin", Size: int64(len(data)), Type: ""}

	if _, err := p.sender.StartSend(ctx, meta, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	code, err := p.sender.PublishCode(ctx)
	if err != nil {
		t.Fatalf("PublishCode failed: %v", err)
	}
	if !rendezvous.ValidID(code) {
		t.Fatalf("bad code %q", code)
	}
	if again, _ := p.sender.PublishCode(ctx); again != code {
		t.Errorf("second PublishCode = %q, want %q", again, code)
	}

	if _, err := p.receiver.JoinCode(ctx, code); err != nil {
		t.Fatalf("JoinCode failed: %v", err)
	}

	waitStatus(t, p.sender, StatusComplete)
	waitStatus(t, p.receiver, StatusComplete)

	if !bytes.Equal(p.sink.get("one-chunk.bin"), data) {
		t.Fatal("received file differs from the original")
	}
	if _, err := p.store.LookupRequest(ctx, code); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Errorf("entry should be removed once connected, got %v", err)
	}
}

func TestSubmitMalformedText(t *testing.T) {
	p := newPair(t, nil)

	_, err := p.receiver.SubmitText(context.Background(), "definitely not a code")
	if !errors.Is(err, protocol.ErrMalformedBlob) {
		t.Fatalf("expected ErrMalformedBlob, got %v", err)
	}
	if p.receiver.Status() != StatusError || !errors.Is(p.receiver.Err(), protocol.ErrMalformedBlob) {
		t.Fatalf("status = %s err = %v", p.receiver.Status(), p.receiver.Err())
	}

	p.receiver.Reset()
	if p.receiver.Status() != StatusIdle || p.receiver.Err() != nil {
		t.Fatalf("after Reset: status = %s err = %v", p.receiver.Status(), p.receiver.Err())
	}
}

func TestSubmitResponseWithoutRequest(t *testing.T) {
	p := newPair(t, nil)
	blob, _ := protocol.EncodeResponse(protocol.Descriptor{Type: protocol.DescriptorAnswer, SDP: "v=0"})

	if _, err := p.receiver.SubmitText(context.Background(), blob); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if p.receiver.Status() != StatusError {
		t.Fatalf("status = %s", p.receiver.Status())
	}
}

func TestStartSendWhileBusy(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()
	meta := protocol.FileMeta{Name: "a", Size: 1}

	if _, err := p.sender.StartSend(ctx, meta, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := p.sender.StartSend(ctx, meta, bytes.NewReader([]byte("x"))); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if p.sender.Status() != StatusWaiting {
		t.Errorf("a refused start must not change the status, got %s", p.sender.Status())
	}
}

func TestStartSendRejectsEmptyFile(t *testing.T) {
	p := newPair(t, nil)
	_, err := p.sender.StartSend(context.Background(), protocol.FileMeta{Name: "empty"}, bytes.NewReader(nil))
	if !errors.Is(err, protocol.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
	if p.sender.Status() != StatusIdle {
		t.Errorf("status = %s", p.sender.Status())
	}
}

func TestJoinUnknownCode(t *testing.T) {
	p := newPair(t, nil)
	for _, code := range []string{"123456", "12x456"} {
		p.receiver.Reset()
		if _, err := p.receiver.JoinCode(context.Background(), code); !errors.Is(err, rendezvous.ErrNotFound) {
			t.Errorf("JoinCode(%q): expected ErrNotFound, got %v", code, err)
		}
		if p.receiver.Status() != StatusError {
			t.Errorf("JoinCode(%q): status = %s", code, p.receiver.Status())
		}
	}
}

func TestPollTimeoutFailsSender(t *testing.T) {
	p := newPair(t, func(c *Config) { c.PollTimeout = 30 * time.Millisecond })
	ctx := context.Background()

	if _, err := p.sender.StartSend(ctx, protocol.FileMeta{Name: "a", Size: 1}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := p.sender.PublishCode(ctx); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, p.sender, StatusError)
	if !errors.Is(p.sender.Err(), rendezvous.ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", p.sender.Err())
	}
}

func TestConnectivityFailure(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	if _, err := p.sender.StartSend(ctx, protocol.FileMeta{Name: "a", Size: 1}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	p.net.fail()

	waitStatus(t, p.sender, StatusFailed)
	if !errors.Is(p.sender.Err(), transport.ErrConnectivity) {
		t.Fatalf("err = %v", p.sender.Err())
	}
}

func TestSizeMismatchRejected(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	// The sender announces more bytes than its reader holds.
	meta := protocol.FileMeta{Name: "short.bin", Size: 10, Type: "application/octet-stream"}
	request, err := p.sender.StartSend(ctx, meta, bytes.NewReader([]byte("abcd")))
	if err != nil {
		t.Fatal(err)
	}
	response, err := p.receiver.SubmitText(ctx, request)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.sender.SubmitText(ctx, response); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, p.receiver, StatusError)
	if !errors.Is(p.receiver.Err(), transfer.ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", p.receiver.Err())
	}
	if p.sink.get("short.bin") != nil {
		t.Fatal("truncated file must not be materialized")
	}
}

// TestResetMidTransfer stalls the sender after its first chunk, then resets
// both sides.
func TestResetMidTransfer(t *testing.T) {
	p := newPair(t, func(c *Config) { c.ChunkPause = time.Hour })
	ctx := context.Background()
	data := payload(protocol.ChunkSize * 3)
	meta := protocol.FileMeta{Name: "big.bin", Size: int64(len(data)), Type: "application/octet-stream"}

	if _, err := p.sender.StartSend(ctx, meta, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	code, err := p.sender.PublishCode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	poller := p.sender.current().poller

	if _, err := p.receiver.JoinCode(ctx, code); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, p.receiver, StatusReceiving)
	waitFor(t, "first chunk", func() bool { return p.receiver.Progress() > 0 })

	p.receiver.Reset()
	p.sender.Reset()

	if poller.Pending() {
		t.Error("poll still pending after Reset")
	}
	for name, s := range map[string]*Session{"sender": p.sender, "receiver": p.receiver} {
		snap := s.Snapshot()
		if snap.Status != StatusIdle || snap.Progress != 0 || snap.File != nil {
			t.Errorf("%s after Reset: %+v", name, snap)
		}
		if s.current() != nil {
			t.Errorf("%s still holds a flow", name)
		}
	}
	if p.store.Len() != 0 {
		t.Errorf("store still holds %d entries", p.store.Len())
	}
	if p.sink.get("big.bin") != nil {
		t.Error("partial file must not be materialized")
	}

	for _, rec := range p.history.all() {
		if rec.Status != "cancelled" {
			t.Errorf("unexpected record %+v", rec)
		}
	}
}

func TestResetWhileWaitingStopsPoll(t *testing.T) {
	p := newPair(t, nil)
	ctx := context.Background()

	if _, err := p.sender.StartSend(ctx, protocol.FileMeta{Name: "a", Size: 1}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := p.sender.PublishCode(ctx); err != nil {
		t.Fatal(err)
	}
	poller := p.sender.current().poller
	if !poller.Pending() {
		t.Fatal("poll should be running while waiting")
	}

	p.sender.Reset()

	if poller.Pending() {
		t.Fatal("poll still pending after Reset")
	}
	if p.store.Len() != 0 {
		t.Errorf("store still holds %d entries", p.store.Len())
	}
	if p.sender.Status() != StatusIdle || p.sender.Code() != "" {
		t.Errorf("status = %s code = %q", p.sender.Status(), p.sender.Code())
	}
}

// TestConnectedNeverBeforeDescriptors fails if either side reports connected
// before the sender has applied the receiver's answer.
func TestConnectedNeverBeforeDescriptors(t *testing.T) {
	var answered, violated atomic.Bool
	var connected atomic.Int32
	watch := func(s Snapshot) {
		if s.Status != StatusConnected {
			return
		}
		connected.Add(1)
		if !answered.Load() {
			violated.Store(true)
		}
	}

	p := newPair(t, func(c *Config) { c.OnChange = watch })
	ctx := context.Background()
	request, err := p.sender.StartSend(ctx, protocol.FileMeta{Name: "a", Size: 1}, bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	response, err := p.receiver.SubmitText(ctx, request)
	if err != nil {
		t.Fatal(err)
	}

	// Give a premature transition the chance to happen.
	time.Sleep(20 * time.Millisecond)
	if p.receiver.Status() != StatusConnecting {
		t.Fatalf("receiver status before answer = %s", p.receiver.Status())
	}

	answered.Store(true)
	if _, err := p.sender.SubmitText(ctx, response); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, p.sender, StatusComplete)
	waitStatus(t, p.receiver, StatusComplete)

	if violated.Load() {
		t.Fatal("connected reported before both descriptors were applied")
	}
	if connected.Load() != 2 {
		t.Fatalf("expected one connected per side, got %d", connected.Load())
	}
}

// TestBadInputDuringTransfer pastes garbage into a receiver that is already
// receiving. The transfer must finish and be recorded as complete.
func TestBadInputDuringTransfer(t *testing.T) {
	p := newPair(t, func(c *Config) { c.ChunkPause = 25 * time.Millisecond })
	ctx := context.Background()
	data := payload(protocol.ChunkSize * 8)
	meta := protocol.FileMeta{Name: "slow.bin", Size: int64(len(data)), Type: "application/octet-stream"}

	request, err := p.sender.StartSend(ctx, meta, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	response, err := p.receiver.SubmitText(ctx, request)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.sender.SubmitText(ctx, response); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, p.receiver, StatusReceiving)

	if _, err := p.receiver.SubmitText(ctx, "garbage!!"); !errors.Is(err, protocol.ErrMalformedBlob) {
		t.Fatalf("expected ErrMalformedBlob, got %v", err)
	}
	if _, err := p.receiver.JoinCode(ctx, "123456"); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if st := p.receiver.Status(); st == StatusError {
		t.Fatalf("bad input moved an active transfer to %s", st)
	}

	waitStatus(t, p.sender, StatusComplete)
	waitStatus(t, p.receiver, StatusComplete)
	if !bytes.Equal(p.sink.get("slow.bin"), data) {
		t.Fatal("received file differs from the original")
	}

	waitFor(t, "history records", func() bool { return len(p.history.all()) == 2 })
	for _, rec := range p.history.all() {
		if rec.Status != string(StatusComplete) || rec.Error != "" {
			t.Errorf("unexpected record %+v", rec)
		}
	}
}

// TestOnChangeMayReadSession reads the session from inside the callback
// while flows are started and reset.
func TestOnChangeMayReadSession(t *testing.T) {
	var s *Session
	var calls atomic.Int32
	fn := newFakeNet()
	s = New(Config{
		Sink: newMemSink(),
		Dial: fn.dial,
		OnChange: func(snap Snapshot) {
			_ = s.Code()
			_ = s.Blob()
			_ = s.Status()
			calls.Add(1)
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		meta := protocol.FileMeta{Name: "a.txt", Size: 1, Type: "text/plain"}
		if _, err := s.StartSend(context.Background(), meta, bytes.NewReader([]byte("x"))); err != nil {
			t.Errorf("StartSend failed: %v", err)
		}
		s.Reset()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnChange reading the session deadlocked")
	}
	if calls.Load() == 0 {
		t.Error("OnChange never called")
	}
}
