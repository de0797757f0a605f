package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// ErrInvalidTransition is returned for a status change the table forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// errUnchanged aborts an update that has nothing to change.
var errUnchanged = errors.New("status unchanged")

// errStale is returned to a flow whose epoch was ended by Reset.
var errStale = errors.New("session was reset")

// Status is the aggregate state a UI observes.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPreparing    Status = "preparing"
	StatusWaiting      Status = "waiting"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusSending      Status = "sending"
	StatusReceiving    Status = "receiving"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether only a reset leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusFailed, StatusDisconnected:
		return true
	}
	return false
}

// abort lists the failure statuses reachable from every live status.
var abort = []Status{StatusError, StatusFailed, StatusDisconnected}

// transitions maps each status to the statuses it may move to. Reset to idle
// is always allowed and is not listed.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusPreparing, StatusError},
	StatusPreparing:  append([]Status{StatusWaiting, StatusConnecting}, abort...),
	StatusWaiting:    append([]Status{StatusConnecting}, abort...),
	StatusConnecting: append([]Status{StatusConnected}, abort...),
	StatusConnected:  append([]Status{StatusSending, StatusReceiving}, abort...),
	StatusSending:    append([]Status{StatusComplete}, abort...),
	StatusReceiving:  append([]Status{StatusComplete}, abort...),
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	Status   Status
	Progress int
	File     *protocol.FileMeta
	Err      error
}

// Machine is the session status machine. Every change is tagged with the
// epoch it was started in; Reset starts a new epoch, so late updates from a
// torn-down flow are dropped instead of leaking into the next one.
type Machine struct {
	mu       sync.Mutex
	status   Status
	epoch    uint64
	local    bool
	remote   bool
	progress int
	file     *protocol.FileMeta
	err      error

	onChange func(Snapshot)
	log      util.Logger
}

// NewMachine returns a machine in StatusIdle. onChange, if set, is called
// after every change, outside the machine's lock and from whichever
// goroutine made the change.
func NewMachine(onChange func(Snapshot)) *Machine {
	return &Machine{
		status:   StatusIdle,
		onChange: onChange,
		log:      util.Scoped("session"),
	}
}

// Epoch returns the current epoch.
func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() Snapshot {
	snap := Snapshot{Status: m.status, Progress: m.progress, Err: m.err}
	if m.file != nil {
		f := *m.file
		snap.File = &f
	}
	return snap
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Begin moves idle to preparing and returns the epoch the new flow runs in.
func (m *Machine) Begin() (uint64, error) {
	epoch := m.Epoch()
	err := m.update(epoch, func() error {
		if m.status != StatusIdle {
			return fmt.Errorf("%w: session is %s", ErrBusy, m.status)
		}
		m.log.Debugf("status %s -> %s", m.status, StatusPreparing)
		m.status = StatusPreparing
		return nil
	})
	return epoch, err
}

// To moves to status. A stale epoch changes nothing and yields errStale.
// Reaching StatusConnected requires both descriptors to have been applied.
func (m *Machine) To(epoch uint64, to Status) error {
	return m.update(epoch, func() error {
		if !allowed(m.status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, to)
		}
		if to == StatusConnected && !(m.local && m.remote) {
			return fmt.Errorf("%w: connected before both descriptors were applied", ErrInvalidTransition)
		}
		m.log.Debugf("status %s -> %s", m.status, to)
		m.status = to
		return nil
	})
}

// Fail moves to a failure status and records cause. A flow that already
// reached a terminal status keeps it.
func (m *Machine) Fail(epoch uint64, to Status, cause error) {
	m.update(epoch, func() error {
		if m.status.Terminal() || !allowed(m.status, to) {
			return nil
		}
		m.log.Warnf("status %s -> %s: %v", m.status, to, cause)
		m.status = to
		m.err = cause
		return nil
	})
}

// Reject records bad input from the user as an error, but only while no flow
// is connecting or moving data: in idle or waiting. Elsewhere the status is
// left alone. It reports whether the status changed.
func (m *Machine) Reject(cause error) bool {
	err := m.update(m.Epoch(), func() error {
		if m.status != StatusIdle && m.status != StatusWaiting {
			return errUnchanged
		}
		m.log.Warnf("status %s -> %s: %v", m.status, StatusError, cause)
		m.status = StatusError
		m.err = cause
		return nil
	})
	return err == nil
}

// MarkLocal records that the local descriptor was applied.
func (m *Machine) MarkLocal(epoch uint64) {
	m.update(epoch, func() error { m.local = true; return nil })
}

// MarkRemote records that the remote descriptor was applied.
func (m *Machine) MarkRemote(epoch uint64) {
	m.update(epoch, func() error { m.remote = true; return nil })
}

// SetFile records the file being moved.
func (m *Machine) SetFile(epoch uint64, meta protocol.FileMeta) {
	m.update(epoch, func() error { m.file = &meta; return nil })
}

// SetProgress records transfer progress. Progress never decreases within an
// epoch.
func (m *Machine) SetProgress(epoch uint64, p int) {
	m.update(epoch, func() error {
		if p > m.progress {
			m.progress = min(p, 100)
		}
		return nil
	})
}

// Reset returns to idle from any status, clears everything and starts a new
// epoch, which it returns.
func (m *Machine) Reset() uint64 {
	m.mu.Lock()
	from := m.status
	m.epoch++
	m.status = StatusIdle
	m.local, m.remote = false, false
	m.progress = 0
	m.file = nil
	m.err = nil
	epoch := m.epoch
	snap := m.snapshot()
	m.mu.Unlock()

	m.log.Debugf("status %s -> %s (reset)", from, StatusIdle)
	m.notify(snap)
	return epoch
}

func (m *Machine) update(epoch uint64, fn func() error) error {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return errStale
	}
	if err := fn(); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := m.snapshot()
	m.mu.Unlock()

	m.notify(snap)
	return nil
}

func (m *Machine) notify(snap Snapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}
