package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/page-presence/pkg/presence"
)

const (
	resubscribeBaseWait = time.Second
	resubscribeMaxWait  = 30 * time.Second
)

// subscriber owns the change-stream subscription for one page identity
// and sequences it against snapshot fetches: subscribe first, then
// fetch, so nothing falls into the gap (duplicates are fine, the
// reconciler dedupes). A dropped stream resets the projection and
// re-runs the whole sequence — reconnect without a forced re-snapshot
// would leave ghost entries from the disconnect window.
type subscriber struct {
	store  presence.Store
	pageID string
	rec    *Reconciler
	apply  func(presence.Event)
	// onEvent, when set, observes every applied event (the controller
	// uses it to notice its own record being demoted).
	onEvent func(presence.Event)
	// resync wakes the loop to force a snapshot re-fetch without
	// tearing the stream down. Invalidation-only: no payload.
	resync chan struct{}
}

func newSubscriber(store presence.Store, pageID string, rec *Reconciler, apply func(presence.Event), onEvent func(presence.Event)) *subscriber {
	return &subscriber{
		store:   store,
		pageID:  pageID,
		rec:     rec,
		apply:   apply,
		onEvent: onEvent,
		resync:  make(chan struct{}, 1),
	}
}

// Resync requests a snapshot re-fetch. This is the only thing a
// secondary signaling channel is allowed to trigger.
func (s *subscriber) Resync() {
	select {
	case s.resync <- struct{}{}:
	default: // one pending resync is enough
	}
}

// run drives subscribe/snapshot/consume until ctx is done.
func (s *subscriber) run(ctx context.Context) {
	wait := resubscribeBaseWait
	for ctx.Err() == nil {
		w, err := s.store.Watch(ctx, s.pageID)
		if err != nil {
			slog.Warn("Subscription open failed, backing off",
				"page", s.pageID, "wait", wait, "error", err)
			if !sleepCtx(ctx, wait) {
				return
			}
			wait = min(wait*2, resubscribeMaxWait)
			continue
		}

		if err := s.snapshot(ctx); err != nil {
			slog.Warn("Snapshot fetch failed, resubscribing",
				"page", s.pageID, "error", err)
			w.Stop()
			if !sleepCtx(ctx, wait) {
				return
			}
			wait = min(wait*2, resubscribeMaxWait)
			continue
		}
		wait = resubscribeBaseWait

		if !s.consume(ctx, w.Events()) {
			return
		}

		// Stream closed under us: transient transport loss. Start the
		// reconciliation over so nothing from the gap survives.
		slog.Warn("Change stream dropped, reconnecting with re-snapshot", "page", s.pageID)
		s.rec.Reset()
	}
}

// consume applies events until the stream closes (returns true to
// reconnect) or ctx ends (returns false).
func (s *subscriber) consume(ctx context.Context, events <-chan presence.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.resync:
			if err := s.snapshot(ctx); err != nil {
				slog.Warn("Forced re-snapshot failed", "page", s.pageID, "error", err)
			}
		case evt, ok := <-events:
			if !ok {
				return true
			}
			s.apply(evt)
			if s.onEvent != nil {
				s.onEvent(evt)
			}
		}
	}
}

func (s *subscriber) snapshot(ctx context.Context) error {
	records, err := s.store.ListActive(ctx, s.pageID, time.Now())
	if err != nil {
		return err
	}
	s.rec.ApplySnapshot(records)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
