// Package session ties negotiation, rendezvous and transfer into one
// observable flow per device: a sender offers a file and waits for an answer,
// a receiver answers a request and materializes the file.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/storage"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/transport"
	"github.com/1ureka/qrdrop/internal/util"
)

var (
	// ErrBusy is returned when a new flow is started before Reset.
	ErrBusy = errors.New("session is busy")

	// ErrNoStore is returned by code operations when no store is configured.
	ErrNoStore = errors.New("no rendezvous store configured")

	// ErrNoSink is returned when receiving without a sink.
	ErrNoSink = errors.New("no sink configured for received files")
)

var tracer = otel.Tracer("session")

// Recorder persists finished transfers. *storage.History implements it.
type Recorder interface {
	Record(ctx context.Context, rec *storage.TransferRecord) error
}

// Config wires a Session to its collaborators.
type Config struct {
	Store   rendezvous.Store // optional; needed for codes
	Sink    transfer.Sink    // needed for receiving
	History Recorder         // optional
	Dial    Dialer           // defaults to DialWebRTC

	Loopback      bool
	GatherTimeout time.Duration
	PollInterval  time.Duration
	PollTimeout   time.Duration
	ChunkPause    time.Duration

	// OnChange receives every snapshot, possibly while a flow is being
	// started or reset. It may read the session (Status, Snapshot, Code,
	// Blob) but must not call Reset or start a flow.
	OnChange func(Snapshot)
}

// Session is the capability surface a UI drives. One flow runs at a time;
// Reset tears it down from any status.
type Session struct {
	cfg     Config
	machine *Machine
	log     util.Logger

	mu  sync.Mutex // serializes starting and resetting flows
	cur atomic.Pointer[flow]
}

// New creates an idle Session.
func New(cfg Config) *Session {
	if cfg.Dial == nil {
		cfg.Dial = DialWebRTC
	}
	return &Session{
		cfg:     cfg,
		machine: NewMachine(cfg.OnChange),
		log:     util.Scoped("session"),
	}
}

// Status returns the current status.
func (s *Session) Status() Status {
	return s.machine.Status()
}

// Progress returns transfer progress in [0, 100].
func (s *Session) Progress() int {
	return s.machine.Snapshot().Progress
}

// FileMeta returns the file of the current flow, if any.
func (s *Session) FileMeta() (protocol.FileMeta, bool) {
	snap := s.machine.Snapshot()
	if snap.File == nil {
		return protocol.FileMeta{}, false
	}
	return *snap.File, true
}

// Err returns the error that moved the session into a failure status.
func (s *Session) Err() error {
	return s.machine.Snapshot().Err
}

// Snapshot returns status, progress, file and error together.
func (s *Session) Snapshot() Snapshot {
	return s.machine.Snapshot()
}

// Code returns the rendezvous code of the current flow, if one is in use.
func (s *Session) Code() string {
	if f := s.current(); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.code
	}
	return ""
}

// Blob returns the last blob this side produced: the request for a sender,
// the response for a receiver.
func (s *Session) Blob() string {
	if f := s.current(); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.blob
	}
	return ""
}

func (s *Session) current() *flow {
	return s.cur.Load()
}

// begin starts a flow for role. Caller holds s.mu.
func (s *Session) begin(ctx context.Context, role transport.Role) (*flow, error) {
	epoch, err := s.machine.Begin()
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flow{
		id:      uuid.NewString(),
		epoch:   epoch,
		role:    role,
		ctx:     fctx,
		cancel:  cancel,
		started: time.Now(),
	}
	f.log = util.Scoped("session").WithSession(f.id[:8])

	peer, err := s.cfg.Dial(role, transport.Options{
		GatherTimeout: s.cfg.GatherTimeout,
		Loopback:      s.cfg.Loopback,
		LogID:         f.id[:8],
		OnStateChange: func(c transport.Connectivity) { s.onConnectivity(epoch, c) },
	})
	if err != nil {
		cancel()
		s.machine.Fail(epoch, StatusError, err)
		return nil, err
	}
	f.peer = peer
	s.cur.Store(f)

	f.log.Infof("%s flow started", f.direction())
	return f, nil
}

func (s *Session) onConnectivity(epoch uint64, c transport.Connectivity) {
	switch c {
	case transport.Failed:
		s.machine.Fail(epoch, StatusFailed, fmt.Errorf("%w: peer connection failed", transport.ErrConnectivity))
	case transport.Disconnected:
		s.machine.Fail(epoch, StatusDisconnected, fmt.Errorf("%w: peer disconnected", transport.ErrConnectivity))
	}
}

// abort moves f to error and returns err.
func (s *Session) abort(f *flow, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.machine.Fail(f.epoch, StatusError, err)
	return err
}

// reject records bad input from the relay. Before a flow connects the status
// becomes error; a connecting or transferring flow is left untouched and only
// the caller sees err.
func (s *Session) reject(err error) error {
	if !s.machine.Reject(err) {
		s.log.Warnf("ignored input while %s: %v", s.machine.Status(), err)
	}
	return err
}

// StartSend begins offering the file read from src. It returns the request
// blob once the local description is ready; the session then waits for an
// answer through SubmitText or, after PublishCode, the rendezvous store.
func (s *Session) StartSend(ctx context.Context, meta protocol.FileMeta, src io.Reader) (string, error) {
	ctx, span := tracer.Start(ctx, "session.start_send",
		trace.WithAttributes(
			attribute.String("file_name", meta.Name),
			attribute.Int64("file_size", meta.Size),
		),
	)
	defer span.End()

	if meta.Name == "" || meta.Size <= 0 {
		return "", fmt.Errorf("%w: file needs a name and a positive size", protocol.ErrSchema)
	}

	s.mu.Lock()
	f, err := s.begin(ctx, transport.Offerer)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	f.file, f.src = meta, src
	s.machine.SetFile(f.epoch, meta)

	offer, err := f.peer.CreateOffer(ctx)
	if err != nil {
		return "", s.abort(f, span, err)
	}
	f.local = offer
	s.machine.MarkLocal(f.epoch)

	blob, err := protocol.EncodeRequest(offer, meta.Name, meta.Size, meta.Type)
	if err != nil {
		return "", s.abort(f, span, err)
	}
	f.mu.Lock()
	f.blob = blob
	f.mu.Unlock()

	if err := s.machine.To(f.epoch, StatusWaiting); err != nil {
		return "", err
	}
	f.log.Infof("request ready for %s (%d bytes)", meta.Name, meta.Size)
	return blob, nil
}

// PublishCode stores the pending request under a fresh code and polls for
// the receiver's answer. Calling it again returns the same code.
func (s *Session) PublishCode(ctx context.Context) (string, error) {
	if s.cfg.Store == nil {
		return "", ErrNoStore
	}
	f := s.current()
	if f == nil || f.role != transport.Offerer || s.machine.Status() != StatusWaiting {
		return "", fmt.Errorf("%w: no request is waiting for an answer", ErrInvalidTransition)
	}

	f.mu.Lock()
	if f.code != "" {
		code := f.code
		f.mu.Unlock()
		return code, nil
	}
	f.mu.Unlock()

	ctx, span := tracer.Start(ctx, "session.publish_code")
	defer span.End()

	code := rendezvous.NewID()
	span.SetAttributes(attribute.String("rendezvous.id", code))
	req := protocol.Request{Descriptor: f.local, File: f.file}
	if err := s.cfg.Store.PublishRequest(ctx, code, req); err != nil {
		return "", s.abort(f, span, err)
	}

	p := rendezvous.StartPoller(f.ctx, s.cfg.Store, code, s.cfg.PollInterval, s.cfg.PollTimeout)
	f.mu.Lock()
	f.code, f.poller = code, p
	f.mu.Unlock()

	f.wg.Add(1)
	go s.awaitPoll(f, p, code)

	f.log.Infof("request published under code %s", code)
	return code, nil
}

// awaitPoll applies the answer the poller delivers.
func (s *Session) awaitPoll(f *flow, p *rendezvous.Poller, code string) {
	defer f.wg.Done()

	var res rendezvous.PollResult
	select {
	case res = <-p.Result():
	case <-p.Done():
		select {
		case res = <-p.Result():
		default:
			return // stopped
		}
	}

	if res.Err != nil {
		s.machine.Fail(f.epoch, StatusError, fmt.Errorf("code %s: %w", code, res.Err))
		return
	}
	if !f.claimAnswer() {
		return
	}
	if err := s.connect(f, res.Descriptor); err != nil {
		f.log.Warnf("answer from code %s rejected: %v", code, err)
	}
}

// SubmitText feeds scanned or pasted text into the session. A request starts
// a receiving flow and returns the response blob to hand back; a response
// completes a waiting sender's handshake and returns "". Text that is not a
// valid blob, or that does not fit the current step, moves the session to
// error.
func (s *Session) SubmitText(ctx context.Context, text string) (string, error) {
	decoded, err := protocol.Decode(text)
	if err != nil {
		return "", s.reject(err)
	}

	switch v := decoded.(type) {
	case *protocol.Request:
		return s.answer(ctx, *v, "")

	case *protocol.Response:
		f := s.current()
		if f == nil || f.role != transport.Offerer || s.machine.Status() != StatusWaiting {
			return "", s.reject(fmt.Errorf("%w: received an answer but no request is waiting", ErrInvalidTransition))
		}
		if !f.claimAnswer() {
			return "", fmt.Errorf("%w: an answer was already applied", ErrInvalidTransition)
		}
		return "", s.connect(f, v.Descriptor)
	}
	return "", s.reject(protocol.ErrMalformedBlob)
}

// JoinCode looks up the request published under code, answers it and
// publishes the answer back under the same code. The response blob is
// returned too, for relaying by hand.
func (s *Session) JoinCode(ctx context.Context, code string) (string, error) {
	if s.cfg.Store == nil {
		return "", ErrNoStore
	}
	if !rendezvous.ValidID(code) {
		return "", s.reject(fmt.Errorf("%w: %q is not a six-digit code", rendezvous.ErrNotFound, code))
	}

	req, err := s.cfg.Store.LookupRequest(ctx, code)
	if err != nil {
		return "", s.reject(fmt.Errorf("code %s: %w", code, err))
	}
	if err := req.Validate(); err != nil {
		return "", s.reject(err)
	}
	return s.answer(ctx, req, code)
}

// answer runs the receiving side of the handshake.
func (s *Session) answer(ctx context.Context, req protocol.Request, code string) (string, error) {
	if s.cfg.Sink == nil {
		return "", ErrNoSink
	}

	ctx, span := tracer.Start(ctx, "session.answer",
		trace.WithAttributes(
			attribute.String("file_name", req.File.Name),
			attribute.Int64("file_size", req.File.Size),
			attribute.String("rendezvous.id", code),
		),
	)
	defer span.End()

	s.mu.Lock()
	f, err := s.begin(ctx, transport.Answerer)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	f.file = req.File
	s.machine.SetFile(f.epoch, req.File)

	if err := f.peer.ApplyRemote(req.Descriptor); err != nil {
		return "", s.abort(f, span, err)
	}
	s.machine.MarkRemote(f.epoch)

	ans, err := f.peer.CreateAnswer(ctx)
	if err != nil {
		return "", s.abort(f, span, err)
	}
	f.local = ans
	s.machine.MarkLocal(f.epoch)

	blob, err := protocol.EncodeResponse(ans)
	if err != nil {
		return "", s.abort(f, span, err)
	}

	if code != "" {
		if err := s.cfg.Store.PublishResponse(ctx, code, ans); err != nil {
			return "", s.abort(f, span, fmt.Errorf("code %s: %w", code, err))
		}
	}

	recv := transfer.NewReceiver(req.File, s.cfg.Sink)
	recv.OnProgress = func(p int) { s.machine.SetProgress(f.epoch, p) }

	f.mu.Lock()
	f.blob, f.code, f.recv = blob, code, recv
	f.mu.Unlock()

	if err := s.machine.To(f.epoch, StatusConnecting); err != nil {
		return "", err
	}

	f.wg.Add(1)
	go s.run(f)

	f.log.Infof("answered request for %s", req.File.Name)
	return blob, nil
}

// connect applies the receiver's answer on the sending side and starts the
// transfer once the channel opens.
func (s *Session) connect(f *flow, desc protocol.Descriptor) error {
	if err := f.peer.ApplyRemote(desc); err != nil {
		s.machine.Fail(f.epoch, StatusError, err)
		return err
	}
	s.machine.MarkRemote(f.epoch)

	if err := s.machine.To(f.epoch, StatusConnecting); err != nil {
		return err
	}

	f.wg.Add(1)
	go s.run(f)
	return nil
}

// run waits for the channel and moves the file.
func (s *Session) run(f *flow) {
	defer f.wg.Done()

	ctx, span := tracer.Start(f.ctx, "session.transfer",
		trace.WithAttributes(
			attribute.String("session.id", f.id),
			attribute.String("direction", f.direction()),
		),
	)
	defer span.End()

	ch, err := f.peer.AwaitChannel(ctx)
	if err != nil {
		s.finish(f, span, transfer.Result{}, err)
		return
	}
	if err := s.machine.To(f.epoch, StatusConnected); err != nil {
		s.finish(f, span, transfer.Result{}, err)
		return
	}
	f.log.Infof("channel open")

	var res transfer.Result
	if f.role == transport.Offerer {
		// The pending entry has no purpose once both sides are connected.
		f.mu.Lock()
		code := f.code
		f.mu.Unlock()
		if code != "" && s.cfg.Store != nil {
			removeCode(s.cfg.Store, code, f.log)
		}

		if err := s.machine.To(f.epoch, StatusSending); err != nil {
			s.finish(f, span, res, err)
			return
		}
		snd := &transfer.Sender{
			Pause:      s.cfg.ChunkPause,
			OnProgress: func(p int) { s.machine.SetProgress(f.epoch, p) },
		}
		res, err = snd.Send(ctx, f.src, f.file.Size, ch)
		if err == nil {
			if fl, ok := ch.(flusher); ok {
				err = fl.Flush(ctx)
			}
		}
	} else {
		if err := s.machine.To(f.epoch, StatusReceiving); err != nil {
			s.finish(f, span, res, err)
			return
		}
		f.mu.Lock()
		recv := f.recv
		f.mu.Unlock()
		res, err = recv.Run(ctx, ch)
	}

	s.finish(f, span, res, err)
}

// finish settles the status and records the outcome.
func (s *Session) finish(f *flow, span trace.Span, res transfer.Result, err error) {
	status := StatusComplete
	switch {
	case errors.Is(err, errStale) || f.ctx.Err() != nil:
		status = ""
	case errors.Is(err, transport.ErrConnectivity):
		status = StatusFailed
	case err != nil:
		status = StatusError
	}

	if status == StatusComplete {
		if terr := s.machine.To(f.epoch, StatusComplete); terr != nil {
			err = terr
			status = ""
			if !errors.Is(terr, errStale) {
				// A connectivity event settled the status first.
				status = s.machine.Snapshot().Status
			}
		}
	} else if status != "" {
		s.machine.Fail(f.epoch, status, err)
	}

	span.SetAttributes(
		attribute.Int64("bytes", res.Bytes),
		attribute.Int("chunks", res.Chunks),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	rate := util.FormatRate(res.Bytes, res.Elapsed)
	switch {
	case status == "":
		status = "cancelled"
		f.log.Infof("%s of %s cancelled after %d bytes", f.direction(), f.file.Name, res.Bytes)
	case err == nil:
		f.log.Infof("%s of %s complete: %d bytes, %s, sha256 %s", f.direction(), f.file.Name, res.Bytes, rate, res.Checksum)
	default:
		f.log.Errorf("%s of %s failed: %v", f.direction(), f.file.Name, err)
	}

	s.record(f, res, status, err)
}

func (s *Session) record(f *flow, res transfer.Result, status Status, err error) {
	if s.cfg.History == nil {
		return
	}
	f.mu.Lock()
	code := f.code
	f.mu.Unlock()

	rec := &storage.TransferRecord{
		SessionID:  f.id,
		Direction:  f.direction(),
		FileName:   f.file.Name,
		FileSize:   f.file.Size,
		FileType:   f.file.Type,
		Bytes:      res.Bytes,
		Status:     string(status),
		Checksum:   res.Checksum,
		Code:       code,
		Location:   res.Location,
		StartedAt:  f.started,
		FinishedAt: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := s.cfg.History.Record(ctx, rec); rerr != nil {
		f.log.Warnf("record history: %v", rerr)
	}
}

// Reset tears down the current flow and returns to idle. It is safe from
// any status, including mid-transfer: the poll is stopped, the channel and
// peer are closed and receive buffers are dropped before Reset returns.
func (s *Session) Reset() {
	s.mu.Lock()
	f := s.cur.Swap(nil)
	s.machine.Reset()
	s.mu.Unlock()

	if f != nil {
		f.teardown(s.cfg.Store)
	}
}
