package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/page-presence/pkg/normalize"
	"github.com/example/page-presence/pkg/presence"
)

// State is the lifecycle position of a controller. The cycle is
// Idle → Joining → Active → Leaving → Idle; a session can rejoin, there
// is no terminal destroyed state.
type State int

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	}
	return "idle"
}

// ErrHidden is returned by Join when the visibility preference hides the
// user on the requested URL.
var ErrHidden = errors.New("user is hidden on this page")

// Config wires a Controller. Store and Normalizer and User are required;
// the rest have working defaults.
type Config struct {
	Store      presence.Store
	Normalizer *normalize.Normalizer
	Visibility VisibilitySource // optional; nil means always visible
	User       string
	AuraColor  string
	AvatarURL  string

	// Heartbeat overrides presence.HeartbeatInterval; tests shrink it.
	Heartbeat time.Duration
	// Now overrides the clock; tests pin it.
	Now func() time.Time
}

// Controller drives one client session's presence lifecycle on one page:
// the join upsert, the heartbeat timer, the change-stream subscription,
// and the best-effort leave. All shared URL/page state lives here rather
// than in any process-global cache, so navigations cannot leak state
// into each other.
type Controller struct {
	cfg       Config
	sessionID string
	rec       *Reconciler
	apply     func(presence.Event)

	mu      sync.Mutex
	state   State
	pageID  string
	pageURL string
	cancel  context.CancelFunc
	sub     *subscriber
	wg      sync.WaitGroup
}

// NewController validates the config and binds the reconciler's single
// event pathway.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Normalizer == nil {
		return nil, fmt.Errorf("controller needs a store and a normalizer")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("controller needs a user identity")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = presence.HeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rec := NewReconciler()
	apply, err := rec.Bind()
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		rec:       rec,
		apply:     apply,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View is the reconciler owning this session's visible-user projection.
func (c *Controller) View() *Reconciler { return c.rec }

// PageID returns the canonical identity of the joined page, or "" when
// idle.
func (c *Controller) PageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageID
}

// Join resolves the canonical page identity, writes the presence record,
// and starts the subscription and heartbeat. The subscriber opens the
// stream before its snapshot fetch, so the projection is complete once
// the reconciler reports ready.
func (c *Controller) Join(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return fmt.Errorf("join from state %s", c.state)
	}
	c.state = Joining
	c.mu.Unlock()

	if c.cfg.Visibility != nil {
		visible, err := c.cfg.Visibility.Visible(ctx, c.cfg.User, rawURL)
		if err != nil {
			// Preference lookup failure fails open: presence is the
			// product, hiding is the override.
			slog.Warn("Visibility lookup failed, treating as visible",
				"user", c.cfg.User, "error", err)
		} else if !visible {
			c.setState(Idle)
			return ErrHidden
		}
	}

	res := c.cfg.Normalizer.Normalize(rawURL)
	now := c.cfg.Now()
	rec := presence.Record{
		UserID:      c.cfg.User,
		PageID:      res.PageID,
		PageURL:     res.NormalizedURL,
		AuraColor:   c.cfg.AuraColor,
		AvatarURL:   c.cfg.AvatarURL,
		Active:      true,
		EnterTime:   now.UnixMilli(),
		LastSeen:    now.UnixMilli(),
		RuleVersion: c.cfg.Normalizer.RuleVersion(),
	}
	if err := c.cfg.Store.Upsert(ctx, rec); err != nil {
		c.setState(Idle)
		return fmt.Errorf("join upsert: %w", err)
	}

	// A rejoined session starts its reconciliation from scratch; the
	// previous page's projection must not bleed through.
	c.rec.Reset()

	runCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscriber(c.cfg.Store, res.PageID, c.rec, c.apply, c.selfEvent)

	c.mu.Lock()
	c.state = Active
	c.pageID = res.PageID
	c.pageURL = res.NormalizedURL
	c.cancel = cancel
	c.sub = sub
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		sub.run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(runCtx)
	}()

	slog.Info("Joined page", "session", c.sessionID, "user", c.cfg.User,
		"page", res.PageID, "url", res.NormalizedURL)
	return nil
}

// Leave cancels the heartbeat and subscription and writes the
// best-effort inactive mark. Idempotent; a torn-down transport does not
// fail the navigation.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return nil
	}
	c.state = Leaving
	cancel := c.cancel
	pageID := c.pageID
	c.cancel = nil
	c.sub = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if err := c.cfg.Store.Deactivate(ctx, c.cfg.User, pageID); err != nil {
		// Best effort only: the sweep expires the record regardless.
		slog.Warn("Leave write failed, sweep will expire the record",
			"session", c.sessionID, "page", pageID, "error", err)
	}

	c.mu.Lock()
	c.state = Idle
	c.pageID = ""
	c.pageURL = ""
	c.mu.Unlock()

	slog.Info("Left page", "session", c.sessionID, "user", c.cfg.User, "page", pageID)
	return nil
}

// Resync asks the subscriber for a forced snapshot re-fetch. This is the
// invalidation-only entry point for secondary signals; payloads have
// exactly one pathway.
func (c *Controller) Resync() {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		sub.Resync()
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.cfg.Store.Touch(ctx, c.cfg.User, c.currentPageID(), c.cfg.Now())
			switch {
			case err == nil:
			case errors.Is(err, presence.ErrNotFound):
				// Record vanished under us (purge, migration). Rejoin
				// rather than heartbeating into the void.
				c.rejoin(ctx)
			case ctx.Err() != nil:
				return
			default:
				// Liveness is decided by the reader; a failed write
				// changes nothing locally and the next tick retries.
				slog.Warn("Heartbeat write failed, will retry",
					"session", c.sessionID, "error", err)
			}
		}
	}
}

// selfEvent watches the stream for this session's own record going
// inactive while the controller still believes itself active — another
// tab of the same user left, or a sweep won a race with a delayed
// heartbeat. The deliberate policy for the shared (user, page) key is
// last-writer-wins plus self-heal: the surviving session re-issues its
// join.
func (c *Controller) selfEvent(evt presence.Event) {
	if evt.Record.UserID != c.cfg.User || evt.Record.PageID != c.currentPageID() {
		return
	}
	if evt.Op == presence.OpPut && evt.Record.Active {
		return
	}
	if c.State() != Active {
		return
	}
	slog.Info("Own record demoted while active, rejoining",
		"session", c.sessionID, "page", evt.Record.PageID)
	c.rejoin(context.Background())
}

func (c *Controller) rejoin(ctx context.Context) {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	pageID, pageURL := c.pageID, c.pageURL
	c.mu.Unlock()

	now := c.cfg.Now()
	rec := presence.Record{
		UserID:      c.cfg.User,
		PageID:      pageID,
		PageURL:     pageURL,
		AuraColor:   c.cfg.AuraColor,
		AvatarURL:   c.cfg.AvatarURL,
		Active:      true,
		EnterTime:   now.UnixMilli(), // store preserves the original on upsert
		LastSeen:    now.UnixMilli(),
		RuleVersion: c.cfg.Normalizer.RuleVersion(),
	}
	if err := c.cfg.Store.Upsert(ctx, rec); err != nil {
		slog.Warn("Rejoin upsert failed", "session", c.sessionID, "page", pageID, "error", err)
	}
}

func (c *Controller) currentPageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageID
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
