// Package session is the client-side presence engine: a lifecycle
// controller driving join/heartbeat/leave, a change-stream subscriber,
// and a reconciler that folds stream events and snapshots into the local
// visible-user projection.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/example/page-presence/pkg/presence"
)

// Reconciler maintains the visible-user projection for one page
// identity. It merges one authoritative snapshot with change-stream
// events, keyed by user id, and is idempotent under the at-least-once
// transport: duplicate or reordered events never produce duplicate
// entries or resurrect stale state.
//
// Exactly one payload-carrying producer may bind to a Reconciler. The
// dual-pathway fault — the same logical event delivered through two
// parallel channels — is rejected at Bind time; any secondary signal may
// only request invalidation, never carry a record.
type Reconciler struct {
	mu      sync.RWMutex
	entries map[string]presence.Record
	bound   bool
	ready   bool
}

// NewReconciler returns an empty projection.
func NewReconciler() *Reconciler {
	return &Reconciler{entries: make(map[string]presence.Record)}
}

// Bind claims the single event pathway and returns the apply function.
// A second Bind fails: that is the dual-delivery defect, not a use case.
func (r *Reconciler) Bind() (func(presence.Event), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return nil, fmt.Errorf("reconciler already has an event producer; secondary channels are invalidation-only")
	}
	r.bound = true
	return r.apply, nil
}

func (r *Reconciler) apply(evt presence.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := evt.Record.UserID
	if key == "" {
		return
	}

	// A bare delete carries no timestamp and removes unconditionally.
	if evt.Op == presence.OpDelete {
		delete(r.entries, key)
		return
	}

	if prev, ok := r.entries[key]; ok {
		// Redelivered or reordered event: last-applied-wins on fields,
		// but never let a strictly older LastSeen overwrite newer state.
		// This covers inactive puts too: a redelivered stale deactivate
		// must not remove an entry that has heartbeated since.
		if evt.Record.LastSeen < prev.LastSeen {
			return
		}
	}

	// A put of an inactive record is a leave in payload form.
	if !evt.Record.Active {
		delete(r.entries, key)
		return
	}
	r.entries[key] = evt.Record
}

// ApplySnapshot merges an authoritative snapshot. The subscriber opens
// the stream before fetching the snapshot, so snapshot entries can only
// duplicate or trail stream events, never fill gaps; the per-key
// LastSeen guard makes the merge idempotent. Removal is the stream's
// job (or Reset's, on reconnect) — a snapshot never deletes.
func (r *Reconciler) ApplySnapshot(records []presence.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if !rec.Active || rec.UserID == "" {
			continue
		}
		if prev, ok := r.entries[rec.UserID]; ok && rec.LastSeen < prev.LastSeen {
			continue
		}
		r.entries[rec.UserID] = rec
	}
	r.ready = true
}

// Reset clears the projection and its readiness. Used when the stream
// drops: the reconnect is a fresh join of the reconciliation process,
// and stale entries must not survive the event gap.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]presence.Record)
	r.ready = false
}

// Ready reports whether one full snapshot reconciliation has completed.
// Nothing should render the projection before this is true.
func (r *Reconciler) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Users returns the visible users, most recently seen first (user id
// breaks ties so output is deterministic).
func (r *Reconciler) Users() []presence.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]presence.Record, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Contains reports whether a user is currently visible.
func (r *Reconciler) Contains(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}
