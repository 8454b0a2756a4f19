// Package presence defines the presence record model, the liveness
// policy, the store contract, and its NATS JetStream KV implementation.
package presence

import "time"

// Liveness policy. The threshold exceeds the heartbeat interval by 6x so
// transient delivery delay never flaps a connected client to inactive.
// The sweep interval matches the threshold, so a client whose heartbeat
// stops at T is reported inactive no later than T + SweepInterval +
// LivenessThreshold.
const (
	HeartbeatInterval = 5 * time.Second
	LivenessThreshold = 30 * time.Second
	SweepInterval     = 30 * time.Second
)

// Record is one user's presence on one canonical page identity. At most
// one record exists per (UserID, PageID) pair; the KV key construction
// enforces that in the live store, a unique index enforces it in the
// archive.
type Record struct {
	UserID  string `json:"userId"`
	PageID  string `json:"pageId"`
	PageURL string `json:"pageUrl"`

	// Presentation attributes, mutable independent of liveness.
	AuraColor string `json:"auraColor,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`

	Active bool `json:"isActive"`
	// EnterTime is set on the first join of a visit cycle and preserved
	// by later upserts for the same key.
	EnterTime int64 `json:"enterTime"`
	// LastSeen is refreshed by every heartbeat; monotonically
	// non-decreasing.
	LastSeen int64 `json:"lastSeen"`

	// RuleVersion records which normalization rule-set version produced
	// PageID. A mismatch against the active rule set means the record
	// needs the identity-migrator pass.
	RuleVersion string `json:"ruleVersion,omitempty"`
}

// Key returns the KV key for the record, "{pageId}.{userId}". Page ids
// never contain dots by construction, so the first dot splits the pair.
func (r Record) Key() string {
	return r.PageID + "." + r.UserID
}

// Live reports whether a record counts as present at the given instant.
// This read-path predicate is the authoritative liveness decision: both
// the snapshot query and the sweep apply it, so a writer's failed
// heartbeat never changes local belief, only the reader's verdict.
func Live(r Record, now time.Time) bool {
	return r.Active && now.UnixMilli()-r.LastSeen <= LivenessThreshold.Milliseconds()
}
