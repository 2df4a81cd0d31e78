// Package registry tracks which sessions are currently reachable for
// enforcement. Entries are refreshed by intake, expired by the sweeper and
// removed by termination. A terminated session leaves a tombstone so that
// a late refresh cannot bring it back.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not in registry")

// State is the enforcement state of a tracked session.
type State string

const (
	StateTracked        State = "tracked"
	StateCaptchaPending State = "captcha-pending"
)

// Entry is one reachable session.
type Entry struct {
	SessionID string    `json:"session_id"`
	Hostname  string    `json:"hostname"`
	LastSeen  time.Time `json:"last_seen"`
	State     State     `json:"state"`
}

// Registry is the session registry abstraction. Implementations must be
// safe for concurrent use, and Remove must win over any Touch for the same
// session id that is ordered after it.
type Registry interface {
	// Touch inserts or refreshes a session. It reports false, without
	// error, when the session has been terminated.
	Touch(ctx context.Context, sessionID, hostname string, at time.Time) (bool, error)
	Get(ctx context.Context, sessionID string) (Entry, error)
	SetState(ctx context.Context, sessionID string, state State) error
	// Remove deletes the entry and tombstones the id. It reports false
	// when there was no entry to remove.
	Remove(ctx context.Context, sessionID string) (bool, error)
	// Expire drops entries last seen before cutoff and returns their ids.
	Expire(ctx context.Context, cutoff time.Time) ([]string, error)
	List(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}
