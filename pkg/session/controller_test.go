package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/page-presence/pkg/normalize"
	"github.com/example/page-presence/pkg/presence"
)

// fakeStore is an in-memory Store with manual event delivery, enforcing
// the same field semantics as the KV store (Touch moves LastSeen only,
// Upsert preserves EnterTime).
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]presence.Record
	watchers map[string][]*fakeWatcher

	upserts     int
	touches     int
	deactivates int
	touchErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]presence.Record),
		watchers: make(map[string][]*fakeWatcher),
	}
}

type fakeWatcher struct {
	ch   chan presence.Event
	once sync.Once
}

func (w *fakeWatcher) Events() <-chan presence.Event { return w.ch }
func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.ch) })
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, rec presence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if prev, ok := s.records[rec.Key()]; ok && prev.EnterTime > 0 {
		rec.EnterTime = prev.EnterTime
	}
	s.records[rec.Key()] = rec
	s.emitLocked(presence.Event{Op: presence.OpPut, Record: rec})
	return nil
}

func (s *fakeStore) Touch(ctx context.Context, userID, pageID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if s.touchErr != nil {
		return s.touchErr
	}
	rec, ok := s.records[pageID+"."+userID]
	if !ok {
		return presence.ErrNotFound
	}
	if now.UnixMilli() > rec.LastSeen {
		rec.LastSeen = now.UnixMilli()
	}
	s.records[rec.Key()] = rec
	s.emitLocked(presence.Event{Op: presence.OpPut, Record: rec})
	return nil
}

func (s *fakeStore) Deactivate(ctx context.Context, userID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivates++
	rec, ok := s.records[pageID+"."+userID]
	if !ok {
		return nil
	}
	rec.Active = false
	s.records[rec.Key()] = rec
	s.emitLocked(presence.Event{Op: presence.OpPut, Record: rec})
	return nil
}

func (s *fakeStore) ListActive(ctx context.Context, pageID string, now time.Time) ([]presence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []presence.Record
	for _, rec := range s.records {
		if rec.PageID == pageID && presence.Live(rec, now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Watch(ctx context.Context, pageID string) (presence.Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &fakeWatcher{ch: make(chan presence.Event, 64)}
	s.watchers[pageID] = append(s.watchers[pageID], w)
	return w, nil
}

func (s *fakeStore) emitLocked(evt presence.Event) {
	for _, w := range s.watchers[evt.Record.PageID] {
		select {
		case w.ch <- evt:
		default:
		}
	}
}

// dropStream simulates transport loss by closing every open watcher.
func (s *fakeStore) dropStream(pageID string) {
	s.mu.Lock()
	ws := s.watchers[pageID]
	s.watchers[pageID] = nil
	s.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

func (s *fakeStore) record(key string) (presence.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *fakeStore) counters() (upserts, touches, deactivates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts, s.touches, s.deactivates
}

func testController(t *testing.T, store *fakeStore, vis VisibilitySource) *Controller {
	t.Helper()
	rs, err := normalize.Compile(normalize.DefaultRuleSetConfig())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	c, err := NewController(Config{
		Store:      store,
		Normalizer: normalize.New(rs),
		Visibility: vis,
		User:       "alice",
		AuraColor:  "#4dd0e1",
		Heartbeat:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_JoinLifecycle(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Join(ctx, "https://www.example.com/page?utm=1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if c.State() != Active {
		t.Fatalf("state = %s, want active", c.State())
	}
	if c.PageID() != "example_com_page" {
		t.Fatalf("pageID = %q", c.PageID())
	}

	rec, ok := store.record("example_com_page.alice")
	if !ok || !rec.Active || rec.EnterTime == 0 {
		t.Fatalf("join did not write an active record: %+v", rec)
	}

	waitFor(t, "projection ready", c.View().Ready)
	if !c.View().Contains("alice") {
		t.Error("own record missing from projection after reconcile")
	}

	// Heartbeats move LastSeen and nothing else.
	waitFor(t, "heartbeats", func() bool { _, touches, _ := store.counters(); return touches >= 2 })
	rec2, _ := store.record("example_com_page.alice")
	if rec2.EnterTime != rec.EnterTime {
		t.Error("heartbeat changed EnterTime")
	}
	if !rec2.Active {
		t.Error("heartbeat changed Active")
	}

	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("state after leave = %s", c.State())
	}
	rec3, _ := store.record("example_com_page.alice")
	if rec3.Active {
		t.Error("record still active after leave")
	}

	// Heartbeat timer must be cancelled, not leaked across navigations.
	_, before, _ := store.counters()
	time.Sleep(50 * time.Millisecond)
	_, after, _ := store.counters()
	if after != before {
		t.Errorf("heartbeats continued after leave: %d -> %d", before, after)
	}
}

func TestController_JoinTwice(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Join(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave(ctx)

	if err := c.Join(ctx, "https://example.com/b"); err == nil {
		t.Error("second Join from active state succeeded")
	}
}

func TestController_RepeatedJoinSingleRecord(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	var enter int64
	for i := 0; i < 3; i++ {
		c := testController(t, store, nil)
		if err := c.Join(ctx, "https://example.com/page"); err != nil {
			t.Fatalf("Join %d: %v", i, err)
		}
		rec, _ := store.record("example_com_page.alice")
		if i == 0 {
			enter = rec.EnterTime
		} else if rec.EnterTime != enter {
			t.Errorf("join %d reset EnterTime", i)
		}
		c.Leave(ctx)
	}

	count := 0
	store.mu.Lock()
	for _, rec := range store.records {
		if rec.UserID == "alice" && rec.PageID == "example_com_page" {
			count++
		}
	}
	store.mu.Unlock()
	if count != 1 {
		t.Errorf("%d records for one (user, page) pair", count)
	}
}

func TestController_LeaveIdempotent(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave while idle: %v", err)
	}

	if err := c.Join(ctx, "https://example.com/x"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if _, _, deactivates := store.counters(); deactivates != 1 {
		t.Errorf("deactivates = %d, want 1", deactivates)
	}
}

type staticVisibility bool

func (v staticVisibility) Visible(context.Context, string, string) (bool, error) {
	return bool(v), nil
}

func TestController_HiddenUserSkipsJoin(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, staticVisibility(false))

	err := c.Join(context.Background(), "https://example.com/secret")
	if !errors.Is(err, ErrHidden) {
		t.Fatalf("err = %v, want ErrHidden", err)
	}
	if c.State() != Idle {
		t.Errorf("state = %s, want idle", c.State())
	}
	if upserts, _, _ := store.counters(); upserts != 0 {
		t.Error("hidden join still wrote a record")
	}
}

func TestController_HeartbeatFailureKeepsState(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Join(ctx, "https://example.com/page"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave(ctx)

	store.mu.Lock()
	store.touchErr = errors.New("kv write failed")
	store.mu.Unlock()

	waitFor(t, "failed heartbeat attempts", func() bool {
		_, touches, _ := store.counters()
		return touches >= 2
	})
	if c.State() != Active {
		t.Error("failed heartbeat changed local state; liveness is a read-side decision")
	}

	// Recovery: next ticks retry and succeed.
	rec, _ := store.record("example_com_page.alice")
	store.mu.Lock()
	store.touchErr = nil
	store.mu.Unlock()
	waitFor(t, "heartbeat recovery", func() bool {
		cur, _ := store.record("example_com_page.alice")
		return cur.LastSeen > rec.LastSeen
	})
}

func TestController_SelfHealAfterDemotion(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Join(ctx, "https://example.com/page"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave(ctx)
	waitFor(t, "projection ready", c.View().Ready)

	// Another tab of the same user leaves: the shared record flips
	// inactive under this still-active session.
	store.Deactivate(ctx, "alice", "example_com_page")

	waitFor(t, "self-heal rejoin", func() bool {
		rec, ok := store.record("example_com_page.alice")
		return ok && rec.Active
	})
}

func TestController_ReconnectForcesResnapshot(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	store.Upsert(ctx, presence.Record{
		UserID: "bob", PageID: "example_com_page", Active: true,
		EnterTime: now, LastSeen: now,
	})

	if err := c.Join(ctx, "https://example.com/page"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave(ctx)
	waitFor(t, "bob visible", func() bool { return c.View().Contains("bob") })

	// Bob leaves while the stream is down: the delete event is lost.
	store.mu.Lock()
	delete(store.records, "example_com_page.bob")
	store.mu.Unlock()
	store.dropStream("example_com_page")

	// The reconnect re-snapshot must clear the ghost.
	waitFor(t, "ghost cleared after re-snapshot", func() bool {
		return c.View().Ready() && !c.View().Contains("bob")
	})
	if !c.View().Contains("alice") {
		t.Error("own record lost across reconnect")
	}
}

func TestController_ResyncIsInvalidationOnly(t *testing.T) {
	store := newFakeStore()
	c := testController(t, store, nil)
	ctx := context.Background()

	if err := c.Join(ctx, "https://example.com/page"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave(ctx)
	waitFor(t, "projection ready", c.View().Ready)

	// A state change lands in the store without a stream event — the
	// kind of update a secondary channel would announce. The secondary
	// channel may only invalidate; the refetched snapshot carries the
	// payload.
	now := time.Now().UnixMilli()
	store.mu.Lock()
	store.records["example_com_page.carol"] = presence.Record{
		UserID: "carol", PageID: "example_com_page", Active: true,
		EnterTime: now, LastSeen: now,
	}
	store.mu.Unlock()

	c.Resync()
	waitFor(t, "resync pickup", func() bool { return c.View().Contains("carol") })
	if got := len(c.View().Users()); got != 2 {
		t.Errorf("expected alice and carol, got %d entries", got)
	}
}
