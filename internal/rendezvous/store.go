// Package rendezvous lets a receiver find a sender's pending request by a
// short numeric code. Entries expire a fixed window after they are published;
// expiry is checked when an entry is read.
package rendezvous

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/1ureka/qrdrop/internal/protocol"
)

var (
	// ErrNotFound is returned for a code that was never published or whose
	// entry is older than the expiry window.
	ErrNotFound = errors.New("rendezvous code not found or expired")

	// ErrAlreadyAnswered is returned when a response is published for an
	// entry that already holds one. The first answer stands.
	ErrAlreadyAnswered = errors.New("rendezvous code was already answered")

	// ErrPollTimeout is delivered by a Poller whose overall timeout elapsed
	// before a response was published.
	ErrPollTimeout = errors.New("timed out waiting for a response")
)

// DefaultWindow is how long a published request stays visible.
const DefaultWindow = 5 * time.Minute

var tracer = otel.Tracer("rendezvous")

// Entry is one pending negotiation.
type Entry struct {
	ID        string               `json:"id"`
	Request   protocol.Request     `json:"request"`
	Response  *protocol.Descriptor `json:"response,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

func (e *Entry) expired(now time.Time, window time.Duration) bool {
	return now.Sub(e.CreatedAt) > window
}

// Store holds pending negotiations keyed by code. Implementations serialize
// operations per code so a reader never observes a half-written entry.
type Store interface {
	// PublishRequest stores req under id, replacing any existing entry, and
	// stamps the current time.
	PublishRequest(ctx context.Context, id string, req protocol.Request) error
	// LookupRequest returns the request stored under id, or ErrNotFound.
	LookupRequest(ctx context.Context, id string) (protocol.Request, error)
	// PublishResponse attaches the answering descriptor to an existing entry.
	// It returns ErrNotFound, and creates nothing, when no live request exists.
	PublishResponse(ctx context.Context, id string, desc protocol.Descriptor) error
	// PollResponse returns the response if one has been published. ok is
	// false while the entry is pending; ErrNotFound once it is gone.
	PollResponse(ctx context.Context, id string) (desc protocol.Descriptor, ok bool, err error)
	// Remove deletes the entry. Removing a missing code is not an error.
	Remove(ctx context.Context, id string) error
}
