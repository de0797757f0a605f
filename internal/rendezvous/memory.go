package rendezvous

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// MemoryStore is an in-process Store. Construct one per process and inject it
// into both the sending and receiving flows.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	window  time.Duration
	now     func() time.Time
	log     util.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithWindow overrides the expiry window.
func WithWindow(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.window = d }
}

// WithClock replaces time.Now, e.g. to simulate expiry in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store with the default window.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		window:  DefaultWindow,
		now:     time.Now,
		log:     util.Scoped("rendezvous"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) PublishRequest(_ context.Context, id string, req protocol.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok && !old.expired(s.now(), s.window) {
		s.log.Warnf("code %s overwritten while still live", id)
	}
	s.entries[id] = &Entry{ID: id, Request: req, CreatedAt: s.now()}
	s.log.Debugf("published request %s (%s, %d bytes)", id, req.File.Name, req.File.Size)
	return nil
}

func (s *MemoryStore) LookupRequest(_ context.Context, id string) (protocol.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return protocol.Request{}, ErrNotFound
	}
	return e.Request, nil
}

func (s *MemoryStore) PublishResponse(_ context.Context, id string, desc protocol.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	if e.Response != nil {
		return ErrAlreadyAnswered
	}
	d := desc
	e.Response = &d
	s.log.Debugf("published response %s", id)
	return nil
}

func (s *MemoryStore) PollResponse(_ context.Context, id string) (protocol.Descriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return protocol.Descriptor{}, false, ErrNotFound
	}
	if e.Response == nil {
		return protocol.Descriptor{}, false, nil
	}
	return *e.Response, true, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// live returns the entry for id if it has not expired. An expired entry is
// dropped on the way. Caller holds s.mu.
func (s *MemoryStore) live(id string) (*Entry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if e.expired(s.now(), s.window) {
		delete(s.entries, id)
		return nil, false
	}
	return e, true
}
