package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
)

// MemoryStore implements Store in memory with the same semantics as
// SQLiteStore. It backs degraded mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	totals   map[string]logic.Totals
	sessions map[string]*memSession
}

type memSession struct {
	logic.Session
	completed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		totals:   make(map[string]logic.Totals),
		sessions: make(map[string]*memSession),
	}
}

// Seed sets a valve's totals, e.g. the last values known before a failover.
func (m *MemoryStore) Seed(valveID string, t logic.Totals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[valveID] = t
}

// LoadTotals returns zeros for an unseen valve.
func (m *MemoryStore) LoadTotals(ctx context.Context, valveID string) (logic.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals[valveID], nil
}

// StartSession records a session start once per id.
func (m *MemoryStore) StartSession(ctx context.Context, s logic.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertStart(s)
	return nil
}

func (m *MemoryStore) insertStart(s logic.Session) {
	if _, ok := m.sessions[s.ID]; ok {
		return
	}
	start := logic.Session{
		ID:        s.ID,
		ValveID:   s.ValveID,
		ValveName: s.ValveName,
		Trigger:   s.Trigger,
		Target:    s.Target,
		StartedAt: s.StartedAt,
	}
	m.sessions[s.ID] = &memSession{Session: start}
}

// FinalizeSession ends the session and increments totals at most once per id.
func (m *MemoryStore) FinalizeSession(ctx context.Context, s logic.Session) (logic.Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertStart(s)
	row := m.sessions[s.ID]
	if !row.EndedAt.IsZero() {
		return m.totals[s.ValveID], nil
	}
	row.EndedAt = s.EndedAt
	row.EndReason = s.EndReason
	row.Duration = s.Duration
	row.Volume = s.Volume
	row.LifetimeVolume = s.LifetimeVolume
	row.AvgRate = s.AvgRate
	row.completed = true

	t := m.totals[s.ValveID]
	t.ResettableVolume = cappedResettable(t.ResettableVolume, s.Volume, t.LifetimeVolume+s.LifetimeVolume)
	t.ResettableDuration += s.Duration
	t.ResettableSessions++
	t.LifetimeVolume += s.LifetimeVolume
	t.LifetimeDuration += s.Duration
	t.LifetimeSessions++
	m.totals[s.ValveID] = t
	return t, nil
}

// ResetResettable zeroes resettable counters only.
func (m *MemoryStore) ResetResettable(ctx context.Context, valveID string, at time.Time) (logic.Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.totals[valveID]
	t.ResettableVolume = 0
	t.ResettableDuration = 0
	t.ResettableSessions = 0
	t.LastReset = at
	m.totals[valveID] = t
	return t, nil
}

// QueryWindow sums completed sessions with ended_at >= since.
func (m *MemoryStore) QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var u logic.Usage
	for _, row := range m.sessions {
		if row.ValveID != valveID || !row.completed || row.EndedAt.Before(since) {
			continue
		}
		u.Volume += row.Volume
		u.Duration += row.Duration
	}
	return u, nil
}

// ListSessions returns matching sessions newest first.
func (m *MemoryStore) ListSessions(ctx context.Context, f Filter) ([]logic.Session, error) {
	m.mu.RLock()
	var out []logic.Session
	for _, row := range m.sessions {
		if f.ValveID != "" && row.ValveID != f.ValveID {
			continue
		}
		if !f.Since.IsZero() && row.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !row.StartedAt.Before(f.Until) {
			continue
		}
		out = append(out, row.Session)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteSession removes one session.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	return nil
}

// ClearSessions removes ended sessions for a valve, or all valves.
func (m *MemoryStore) ClearSessions(ctx context.Context, valveID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.sessions {
		if row.EndedAt.IsZero() || (valveID != "" && row.ValveID != valveID) {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	return n, nil
}

// CleanupOlderThan deletes sessions that ended before now minus days.
func (m *MemoryStore) CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.sessions {
		if !row.EndedAt.IsZero() && row.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// CloseInterrupted ends open sessions without touching totals.
func (m *MemoryStore) CloseInterrupted(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.sessions {
		if !row.EndedAt.IsZero() {
			continue
		}
		row.EndedAt = now
		row.EndReason = logic.EndInterrupted
		row.Duration = max(0, now.Sub(row.StartedAt))
		n++
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
