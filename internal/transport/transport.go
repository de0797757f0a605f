// Package transport drives one WebRTC PeerConnection through negotiation and
// exposes its single ordered data channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

var (
	// ErrNegotiation is returned when a descriptor is produced or applied in
	// the wrong role or phase, or the PeerConnection rejects it.
	ErrNegotiation = errors.New("negotiation error")

	// ErrConnectivity is returned when the session reaches a terminal
	// connectivity state before the channel opens.
	ErrConnectivity = errors.New("connectivity failure")
)

// DefaultGatherTimeout bounds the wait for ICE gathering to complete.
const DefaultGatherTimeout = 2 * time.Second

// Role selects which half of the negotiation a Session plays.
type Role int

const (
	// Offerer creates the data channel and the offer.
	Offerer Role = iota + 1
	// Answerer applies an offer and answers it.
	Answerer
)

func (r Role) String() string {
	switch r {
	case Offerer:
		return "offerer"
	case Answerer:
		return "answerer"
	}
	return "unknown"
}

// Options configures a Session.
type Options struct {
	// GatherTimeout bounds the gathering wait. Zero means DefaultGatherTimeout.
	GatherTimeout time.Duration
	// Loopback includes loopback candidates, so two sessions in one process
	// can connect without a network.
	Loopback bool
	// OnStateChange, if set, receives every mapped connectivity change. It
	// is called from the PeerConnection's callback goroutine.
	OnStateChange func(Connectivity)
	// LogID tags log lines, e.g. with the owning session's ID.
	LogID string
}

// Session wraps a PeerConnection and, once negotiated, its ordered data
// channel. It is owned by the side that created it.
type Session struct {
	role Role
	opts Options
	pc   *webrtc.PeerConnection
	log  util.Logger

	openSignal chan struct{} // closed when the channel opens
	deadSignal chan struct{} // closed on a terminal phase

	mu        sync.Mutex
	phase     Phase
	channel   *Channel
	localSet  bool
	remoteSet bool
	openOnce  sync.Once
	deadOnce  sync.Once
}

// NewSession creates a Session for role. The offerer creates its data channel
// immediately so that it is part of the offer.
func NewSession(role Role, opts Options) (*Session, error) {
	if role != Offerer && role != Answerer {
		return nil, fmt.Errorf("%w: invalid role %d", ErrNegotiation, role)
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	s := &Session{
		role:       role,
		opts:       opts,
		pc:         pc,
		log:        util.Scoped("transport." + role.String()).WithSession(opts.LogID),
		openSignal: make(chan struct{}),
		deadSignal: make(chan struct{}),
		phase:      PhaseNew,
	}

	pc.OnConnectionStateChange(s.onConnectionState)

	switch role {
	case Offerer:
		dc, err := newDataChannel(pc)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create DataChannel: %w", err)
		}
		s.attach(dc)

	case Answerer:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChannelLabel {
				s.log.Warnf("ignoring unexpected channel %q", dc.Label())
				return
			}
			s.attach(dc)
		})
	}

	return s, nil
}

// attach wraps dc and opens the ready gate when it opens.
func (s *Session) attach(dc *webrtc.DataChannel) {
	ch := newChannel(dc)

	s.mu.Lock()
	if s.channel != nil {
		s.mu.Unlock()
		s.log.Warnf("second channel %q ignored", dc.Label())
		return
	}
	s.channel = ch
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Debugf("DataChannel open")
		s.advance(PhaseConnected)
		s.openOnce.Do(func() { close(s.openSignal) })
	})
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	c := MapConnectionState(state)
	s.log.Debugf("PeerConnection state: %s -> %s", state.String(), c)

	switch c {
	case Disconnected:
		s.advance(PhaseDisconnected)
	case Failed:
		s.advance(PhaseFailed)
	}

	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(c)
	}
}

// advance moves the phase forward. Moves backwards or out of a terminal phase
// are ignored.
func (s *Session) advance(p Phase) {
	s.mu.Lock()
	if s.phase.terminal() || p <= s.phase {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()

	if p.terminal() {
		s.deadOnce.Do(func() { close(s.deadSignal) })
	}
}

// Role returns the session's role.
func (s *Session) Role() Role {
	return s.role
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CreateOffer produces the offerer's local descriptor, waiting for ICE
// gathering up to the configured bound.
func (s *Session) CreateOffer(ctx context.Context) (protocol.Descriptor, error) {
	if err := s.checkLocal(Offerer, false); err != nil {
		return protocol.Descriptor{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	return s.setLocal(ctx, offer)
}

// CreateAnswer produces the answerer's local descriptor. The remote offer
// must have been applied first.
func (s *Session) CreateAnswer(ctx context.Context) (protocol.Descriptor, error) {
	if err := s.checkLocal(Answerer, true); err != nil {
		return protocol.Descriptor{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	return s.setLocal(ctx, answer)
}

func (s *Session) checkLocal(want Role, needRemote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.role != want:
		return fmt.Errorf("%w: %s cannot create a local %s", ErrNegotiation, s.role, localKind(want))
	case s.phase.terminal():
		return fmt.Errorf("%w: session is %s", ErrNegotiation, s.phase)
	case s.localSet:
		return fmt.Errorf("%w: local description already set", ErrNegotiation)
	case needRemote && !s.remoteSet:
		return fmt.Errorf("%w: no remote offer applied", ErrNegotiation)
	}
	return nil
}

func localKind(r Role) string {
	if r == Offerer {
		return protocol.DescriptorOffer
	}
	return protocol.DescriptorAnswer
}

// setLocal applies desc and waits for gathering. When the bound expires the
// descriptor is returned with whatever candidates were gathered so far.
func (s *Session) setLocal(ctx context.Context, desc webrtc.SessionDescription) (protocol.Descriptor, error) {
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}

	timer := time.NewTimer(s.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		s.log.Warnf("ICE gathering incomplete after %v, using partial candidates", s.opts.GatherTimeout)
	case <-ctx.Done():
		return protocol.Descriptor{}, ctx.Err()
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: no local description", ErrNegotiation)
	}

	s.mu.Lock()
	s.localSet = true
	s.mu.Unlock()
	s.advance(PhaseNegotiating)

	s.log.Debugf("local %s ready (%d bytes SDP)", local.Type.String(), len(local.SDP))
	return protocol.Descriptor{Type: local.Type.String(), SDP: local.SDP}, nil
}

// ApplyRemote applies the peer's descriptor. The offerer accepts only an
// answer after its own offer; the answerer accepts only an offer before
// anything else.
func (s *Session) ApplyRemote(desc protocol.Descriptor) error {
	s.mu.Lock()
	var err error
	switch {
	case s.phase.terminal():
		err = fmt.Errorf("%w: session is %s", ErrNegotiation, s.phase)
	case s.remoteSet:
		err = fmt.Errorf("%w: remote description already applied", ErrNegotiation)
	case s.role == Offerer && desc.Type != protocol.DescriptorAnswer:
		err = fmt.Errorf("%w: offerer expects an answer, got %q", ErrNegotiation, desc.Type)
	case s.role == Offerer && !s.localSet:
		err = fmt.Errorf("%w: answer applied before an offer was created", ErrNegotiation)
	case s.role == Answerer && desc.Type != protocol.DescriptorOffer:
		err = fmt.Errorf("%w: answerer expects an offer, got %q", ErrNegotiation, desc.Type)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	s.advance(PhaseNegotiating)

	s.log.Debugf("remote %s applied", desc.Type)
	return nil
}

// Negotiated reports whether both local and remote descriptions are applied.
func (s *Session) Negotiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSet && s.remoteSet
}

// AwaitChannel blocks until the data channel is open. It fails with
// ErrConnectivity if the session fails, disconnects or closes first.
func (s *Session) AwaitChannel(ctx context.Context) (*Channel, error) {
	select {
	case <-s.openSignal:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channel, nil
	case <-s.done():
		return nil, fmt.Errorf("%w: session %s before the channel opened", ErrConnectivity, s.Phase())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// done is closed once the session reaches a terminal phase.
func (s *Session) done() <-chan struct{} {
	return s.deadSignal
}

// Close shuts down the channel and the PeerConnection. It is safe to call
// from any phase and more than once.
func (s *Session) Close() error {
	s.advance(PhaseClosed)

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	errs = append(errs, s.pc.Close())
	return errors.Join(errs...)
}
