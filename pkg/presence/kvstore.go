package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Bucket is the JetStream KV bucket holding live presence records.
const Bucket = "PAGE_PRESENCE"

// EnsureBucket creates (or re-binds to) the presence bucket. History 1:
// only the latest revision of a key matters; liveness is re-derivable
// from LastSeen.
func EnsureBucket(js nats.JetStreamContext) (nats.KeyValue, error) {
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  Bucket,
		History: 1,
		Storage: nats.FileStorage,
	})
}

// KVStore implements Store over a NATS JetStream KV bucket. Keys are
// "{pageId}.{userId}", so the per-key uniqueness invariant holds by
// construction and a page-scoped watch is a subject wildcard.
type KVStore struct {
	kv nats.KeyValue
}

// NewKVStore wraps an existing KV bucket handle.
func NewKVStore(kv nats.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Upsert(ctx context.Context, rec Record) error {
	if rec.UserID == "" || rec.PageID == "" {
		return fmt.Errorf("upsert: empty user or page id")
	}
	// Key format is "{pageId}.{userId}" and page ids never contain
	// dots, so a dotted user id would corrupt key parsing.
	if strings.Contains(rec.UserID, ".") {
		return fmt.Errorf("upsert: user id %q contains a dot", rec.UserID)
	}

	key := rec.Key()
	if entry, err := s.kv.Get(key); err == nil {
		var prev Record
		if json.Unmarshal(entry.Value(), &prev) == nil && prev.EnterTime > 0 {
			rec.EnterTime = prev.EnterTime
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	if _, err := s.kv.Put(key, data); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Touch(ctx context.Context, userID, pageID string, now time.Time) error {
	key := pageID + "." + userID
	entry, err := s.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("touch %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	if rec.LastSeen >= now.UnixMilli() {
		return nil // never move LastSeen backwards
	}
	rec.LastSeen = now.UnixMilli()

	data, _ := json.Marshal(rec)
	if _, err := s.kv.Update(key, data, entry.Revision()); err != nil {
		// CAS loss: a concurrent writer (another tab, the sweep) won the
		// race and the next tick retries. Anything else is a real failed
		// write and the caller decides what to log.
		if isCASMismatch(err) {
			slog.Debug("Touch lost CAS race, retrying next tick", "key", key)
			return nil
		}
		return fmt.Errorf("touch %s: %w", key, err)
	}
	return nil
}

// isCASMismatch reports whether a kv.Update failure is a revision
// conflict rather than a transport failure.
func isCASMismatch(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *KVStore) Deactivate(ctx context.Context, userID, pageID string) error {
	key := pageID + "." + userID
	entry, err := s.kv.Get(key)
	if err != nil {
		return nil // already gone — leave is idempotent
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil || !rec.Active {
		return nil
	}
	rec.Active = false

	data, _ := json.Marshal(rec)
	if _, err := s.kv.Update(key, data, entry.Revision()); err != nil {
		// CAS loss means someone else already rewrote the record
		// (sweep, or a rejoin from another tab). Best effort either way,
		// but a transport failure is worth a warning.
		if isCASMismatch(err) {
			slog.Debug("Deactivate lost CAS race", "key", key)
		} else {
			slog.Warn("Deactivate write failed, sweep will expire the record", "key", key, "error", err)
		}
	}
	return nil
}

func (s *KVStore) ListActive(ctx context.Context, pageID string, now time.Time) ([]Record, error) {
	watcher, err := s.kv.Watch(pageID+".*", nats.IgnoreDeletes())
	if err != nil {
		return nil, &ServiceError{Op: "listActive", Err: err}
	}
	defer watcher.Stop()

	var records []Record
	for entry := range watcher.Updates() {
		if entry == nil {
			break // end of initial values
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Skipping undecodable presence record", "key", entry.Key(), "error", err)
			continue
		}
		if Live(rec, now) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeen > records[j].LastSeen
	})
	return records, nil
}

func (s *KVStore) Watch(ctx context.Context, pageID string) (Watcher, error) {
	kw, err := s.kv.Watch(pageID + ".*")
	if err != nil {
		return nil, &TransientTransportError{Op: "watch", Err: err}
	}

	w := &kvWatcher{inner: kw, events: make(chan Event, 64)}
	go w.run(ctx)
	return w, nil
}

type kvWatcher struct {
	inner  nats.KeyWatcher
	events chan Event
}

func (w *kvWatcher) Events() <-chan Event { return w.events }

func (w *kvWatcher) Stop() error { return w.inner.Stop() }

func (w *kvWatcher) run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			w.inner.Stop()
			return
		case entry, ok := <-w.inner.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // end-of-initial-values marker
			}
			evt, ok := entryToEvent(entry)
			if !ok {
				continue
			}
			select {
			case w.events <- evt:
			case <-ctx.Done():
				w.inner.Stop()
				return
			}
		}
	}
}

func entryToEvent(entry nats.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case nats.KeyValuePut:
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Dropping undecodable presence event", "key", entry.Key(), "error", err)
			return Event{}, false
		}
		return Event{Op: OpPut, Record: rec}, true
	case nats.KeyValueDelete, nats.KeyValuePurge:
		pageID, userID, ok := splitKey(entry.Key())
		if !ok {
			return Event{}, false
		}
		return Event{Op: OpDelete, Record: Record{UserID: userID, PageID: pageID}}, true
	}
	return Event{}, false
}

// splitKey splits "{pageId}.{userId}". Page ids contain no dots, so the
// first dot is the separator.
func splitKey(key string) (pageID, userID string, ok bool) {
	i := strings.IndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// SweepStale demotes every record failing the live predicate to
// Active=false and returns how many it demoted, plus how many carry a
// page id computed under a rule-set version other than activeVersion
// (identity drift: those keys are unreachable by new joins until the
// identity-migrator rewrites them). CAS on the entry revision dedupes
// concurrent sweepers: only the winner counts the demotion, losers skip.
func (s *KVStore) SweepStale(ctx context.Context, now time.Time, activeVersion string) (demoted, drifted int, err error) {
	watcher, err := s.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return 0, 0, &ServiceError{Op: "sweep", Err: err}
	}
	defer watcher.Stop()

	type stale struct {
		key string
		rec Record
		rev uint64
	}
	var candidates []stale
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if rec.RuleVersion != "" && rec.RuleVersion != activeVersion {
			drifted++
			slog.Warn("Identity drift", "warning", &IdentityDriftWarning{
				Key:           entry.Key(),
				RecordVersion: rec.RuleVersion,
				ActiveVersion: activeVersion,
			})
		}
		if rec.Active && !Live(rec, now) {
			candidates = append(candidates, stale{key: entry.Key(), rec: rec, rev: entry.Revision()})
		}
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return demoted, drifted, ctx.Err()
		}
		c.rec.Active = false
		data, _ := json.Marshal(c.rec)
		if _, err := s.kv.Update(c.key, data, c.rev); err != nil {
			if isCASMismatch(err) {
				slog.Debug("Sweep lost CAS race", "key", c.key)
			} else {
				slog.Warn("Sweep demotion write failed", "key", c.key, "error", err)
			}
			continue
		}
		demoted++
	}
	return demoted, drifted, nil
}
