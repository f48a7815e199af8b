// Package store provides durable totals and session history.
//
// The store is the single writer of record: callers treat the totals it
// returns as authoritative and overwrite any cached copy with them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
)

var (
	// ErrUnavailable marks a backing store that cannot serve requests.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("not found")
)

// Filter selects sessions for ListSessions. Zero fields do not filter.
type Filter struct {
	ValveID string
	Since   time.Time // started at or after
	Until   time.Time // started before
	Limit   int
}

// Store persists per-valve totals and an append-only session log.
type Store interface {
	// LoadTotals returns zero totals for an unseen valve.
	LoadTotals(ctx context.Context, valveID string) (logic.Totals, error)
	// StartSession records a session start. Recording the same id twice is a no-op.
	StartSession(ctx context.Context, s logic.Session) error
	// FinalizeSession marks the session ended and increments lifetime and
	// resettable totals, atomically and at most once per session id.
	FinalizeSession(ctx context.Context, s logic.Session) (logic.Totals, error)
	// ResetResettable zeroes the resettable counters only.
	ResetResettable(ctx context.Context, valveID string, at time.Time) (logic.Totals, error)
	// QueryWindow sums completed sessions with ended_at >= since.
	QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error)
	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, f Filter) ([]logic.Session, error)
	// DeleteSession removes one history row. Totals are not changed.
	DeleteSession(ctx context.Context, id string) error
	// ClearSessions removes history for a valve, or all valves when valveID is empty.
	ClearSessions(ctx context.Context, valveID string) (int64, error)
	// CleanupOlderThan prunes sessions that ended more than days before now.
	CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error)
	// CloseInterrupted ends sessions left open by a previous process
	// without touching totals.
	CloseInterrupted(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// cappedResettable keeps resettable volume from exceeding lifetime volume
// when lifetime is credited from a device counter.
func cappedResettable(resettable, add, lifetime float64) float64 {
	return min(resettable+add, lifetime)
}
