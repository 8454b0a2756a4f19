package presence

import "fmt"

// ConfigurationError marks defects no retry can fix: a missing unique
// index on the archive table, a malformed rule table. Callers surface it
// immediately and exit.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientTransportError marks recoverable delivery failures such as a
// dropped change-stream subscription. Callers retry with backoff; a
// reconnect must force a snapshot re-fetch to close the event gap.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error in %s: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// ServiceError marks failed reads surfaced to the caller. Stale cached
// data is never substituted for a failed read.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error in %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IdentityDriftWarning flags a record whose stored page id was computed
// under a different rule-set version than the active one. Such records
// are unreachable by new joins until the identity-migrator rewrites them.
type IdentityDriftWarning struct {
	Key           string
	RecordVersion string
	ActiveVersion string
}

func (e *IdentityDriftWarning) Error() string {
	return fmt.Sprintf("identity drift on %s: record rule version %q, active %q",
		e.Key, e.RecordVersion, e.ActiveVersion)
}
