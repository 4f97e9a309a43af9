package storage

import (
	"context"
	"errors"

	"github.com/mira/teltow/pkg/event"
)

var ErrNotFound = errors.New("event not found")

// Store defines the interface for event storage.
// Implementations can use any backend (memory, sqlite, etc.).
type Store interface {
	// SaveEvent stores an event. Re-saving an existing ID overwrites;
	// duplicate handling is the relay's concern, not the store's.
	SaveEvent(ctx context.Context, evt *event.Event) error

	// QueryEvents retrieves events matching the filters.
	// Multiple filters are OR'd together, deduplicated by ID; each
	// filter's own limit applies to that filter's contribution.
	QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error)

	// DeleteEvent removes an event and every index entry derived from
	// it. Returns whether an event existed to delete; deleting an
	// unknown ID is a no-op.
	DeleteEvent(ctx context.Context, eventID string) (bool, error)

	// GetEvent retrieves a single event by ID, or ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int, error)

	// Close closes the storage backend.
	Close() error
}

// Snapshotter is implemented by stores whose whole state can be
// serialized to a backend-neutral blob and rebuilt from it. The
// persistence manager relies on Restore(Snapshot()) reproducing a
// store indistinguishable by query results.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
