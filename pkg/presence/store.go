package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Touch when no record exists for the key.
var ErrNotFound = errors.New("presence record not found")

// Op is a change-stream event type.
type Op int

const (
	// OpPut covers both insert and update; the reconciler treats them
	// identically (insert-if-absent, merge-if-present).
	OpPut Op = iota
	// OpDelete removes the key.
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Event is one presence mutation delivered on a change stream. Delivery
// is at-least-once; consumers must apply events idempotently.
type Event struct {
	Op     Op
	Record Record
}

// Watcher is an open change-stream subscription scoped to one page
// identity. Events arrive in commit order per key. The channel closes
// when the subscription ends, whether by Stop or by transport loss; a
// consumer that observes the close must re-subscribe and force a
// snapshot re-fetch.
type Watcher interface {
	Events() <-chan Event
	Stop() error
}

// Store is the persistence contract the presence engine requires: a
// unique (user, page) key, upserts, a liveness-filtered snapshot query,
// and a per-page change stream.
type Store interface {
	// Upsert writes a join: Active true, LastSeen now. An existing
	// record's EnterTime is preserved; a fresh record gets EnterTime
	// from the passed record.
	Upsert(ctx context.Context, rec Record) error

	// Touch refreshes LastSeen only. It never changes Active or
	// EnterTime. Returns ErrNotFound when the record is gone.
	Touch(ctx context.Context, userID, pageID string, now time.Time) error

	// Deactivate is the best-effort leave write: Active false,
	// idempotent, a missing record is not an error.
	Deactivate(ctx context.Context, userID, pageID string) error

	// ListActive returns the live records for a page, LastSeen
	// descending. A failed read is surfaced as *ServiceError, never
	// papered over with stale data.
	ListActive(ctx context.Context, pageID string, now time.Time) ([]Record, error)

	// Watch opens a change stream for one page identity.
	Watch(ctx context.Context, pageID string) (Watcher, error)
}
