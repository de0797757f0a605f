package session

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestMachineTransitionTable(t *testing.T) {
	testCases := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"sender happy path", []Status{StatusWaiting, StatusConnecting, StatusConnected, StatusSending, StatusComplete}, true},
		{"receiver happy path", []Status{StatusConnecting, StatusConnected, StatusReceiving, StatusComplete}, true},
		{"skip connecting", []Status{StatusWaiting, StatusConnected}, false},
		{"send before connected", []Status{StatusWaiting, StatusConnecting, StatusSending}, false},
		{"back to waiting", []Status{StatusWaiting, StatusConnecting, StatusWaiting}, false},
		{"leave complete", []Status{StatusConnecting, StatusConnected, StatusReceiving, StatusComplete, StatusSending}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(nil)
			epoch, err := m.Begin()
			if err != nil {
				t.Fatal(err)
			}
			m.MarkLocal(epoch)
			m.MarkRemote(epoch)

			var last error
			for _, st := range tc.path {
				if last = m.To(epoch, st); last != nil {
					break
				}
			}
			if tc.ok && last != nil {
				t.Fatalf("unexpected error: %v", last)
			}
			if !tc.ok && !errors.Is(last, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", last)
			}
		})
	}
}

func TestMachineConnectedNeedsBothDescriptors(t *testing.T) {
	m := NewMachine(nil)
	epoch, _ := m.Begin()
	_ = m.To(epoch, StatusWaiting)
	m.MarkLocal(epoch)
	_ = m.To(epoch, StatusConnecting)

	if err := m.To(epoch, StatusConnected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("connected with only a local descriptor: got %v", err)
	}
	if m.Status() != StatusConnecting {
		t.Fatalf("status = %s", m.Status())
	}

	m.MarkRemote(epoch)
	if err := m.To(epoch, StatusConnected); err != nil {
		t.Fatalf("connected after both descriptors: %v", err)
	}
}

func TestMachineBeginBusy(t *testing.T) {
	m := NewMachine(nil)
	if _, err := m.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestMachineCompleteIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	epoch, _ := m.Begin()
	m.MarkLocal(epoch)
	m.MarkRemote(epoch)
	for _, st := range []Status{StatusConnecting, StatusConnected, StatusReceiving, StatusComplete} {
		if err := m.To(epoch, st); err != nil {
			t.Fatal(err)
		}
	}

	m.Fail(epoch, StatusDisconnected, errors.New("peer hung up"))
	if m.Status() != StatusComplete || m.Snapshot().Err != nil {
		t.Fatalf("complete was overwritten: %+v", m.Snapshot())
	}
}

func TestMachineFailKeepsFirstCause(t *testing.T) {
	m := NewMachine(nil)
	epoch, _ := m.Begin()
	first := errors.New("first")
	m.Fail(epoch, StatusFailed, first)
	m.Fail(epoch, StatusError, errors.New("second"))

	snap := m.Snapshot()
	if snap.Status != StatusFailed || snap.Err != first {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMachineResetStartsNewEpoch(t *testing.T) {
	m := NewMachine(nil)
	old, _ := m.Begin()
	m.SetFile(old, protocol.FileMeta{Name: "a", Size: 1})
	m.SetProgress(old, 40)

	epoch := m.Reset()
	if epoch == old {
		t.Fatal("Reset should start a new epoch")
	}
	snap := m.Snapshot()
	if snap.Status != StatusIdle || snap.Progress != 0 || snap.File != nil || snap.Err != nil {
		t.Fatalf("state not cleared: %+v", snap)
	}

	// Updates from the old flow are dropped.
	if err := m.To(old, StatusWaiting); !errors.Is(err, errStale) {
		t.Fatalf("expected errStale, got %v", err)
	}
	m.SetProgress(old, 90)
	m.Fail(old, StatusError, errors.New("late"))
	if snap := m.Snapshot(); snap.Status != StatusIdle || snap.Progress != 0 {
		t.Fatalf("stale update leaked: %+v", snap)
	}
}

func TestMachineProgressMonotonic(t *testing.T) {
	m := NewMachine(nil)
	epoch, _ := m.Begin()
	for _, p := range []int{10, 50, 30, 120} {
		m.SetProgress(epoch, p)
	}
	if got := m.Snapshot().Progress; got != 100 {
		t.Fatalf("progress = %d, want 100", got)
	}
}

func TestMachineOnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	m := NewMachine(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	epoch, _ := m.Begin()
	_ = m.To(epoch, StatusWaiting)
	m.Reset()

	want := []Status{StatusPreparing, StatusWaiting, StatusIdle}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestMachineRejectOnlyBeforeConnecting(t *testing.T) {
	cause := errors.New("bad paste")
	testCases := []struct {
		name    string
		path    []Status
		changes bool
	}{
		{"idle", nil, true},
		{"waiting", []Status{StatusPreparing, StatusWaiting}, true},
		{"connecting", []Status{StatusPreparing, StatusConnecting}, false},
		{"receiving", []Status{StatusPreparing, StatusConnecting, StatusConnected, StatusReceiving}, false},
		{"complete", []Status{StatusPreparing, StatusConnecting, StatusConnected, StatusSending, StatusComplete}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(nil)
			if len(tc.path) > 0 {
				epoch, err := m.Begin()
				if err != nil {
					t.Fatal(err)
				}
				m.MarkLocal(epoch)
				m.MarkRemote(epoch)
				for _, to := range tc.path[1:] {
					if err := m.To(epoch, to); err != nil {
						t.Fatalf("To(%s): %v", to, err)
					}
				}
			}
			before := m.Status()

			if got := m.Reject(cause); got != tc.changes {
				t.Fatalf("Reject = %v, want %v", got, tc.changes)
			}
			snap := m.Snapshot()
			if tc.changes {
				if snap.Status != StatusError || !errors.Is(snap.Err, cause) {
					t.Errorf("snapshot = %+v", snap)
				}
			} else if snap.Status != before || snap.Err != nil {
				t.Errorf("status %s -> %s, err %v", before, snap.Status, snap.Err)
			}
		})
	}
}
