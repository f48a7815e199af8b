package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
)

// maxQueued bounds the writes held for replay while degraded.
const maxQueued = 4096

// DefaultReplayTimeout bounds each queued write replayed after recovery.
const DefaultReplayTimeout = 10 * time.Second

// Opener opens the primary store.
type Opener func(ctx context.Context) (Store, error)

// op is a queued mutation replayed against the primary after recovery.
type op struct {
	name string
	run  func(ctx context.Context, s Store) error
}

// Resilient serves from the primary store while it works and from memory
// while it does not. Writes made in memory are queued and replayed in order
// once the primary can be reopened; replay is safe because finalize and
// start are idempotent per session id.
//
// Reads share the lock and run concurrently. Writes, mode changes and
// replay hold it exclusively.
type Resilient struct {
	mu            sync.RWMutex
	open          Opener
	primary       Store
	mem           *MemoryStore
	queue         []op
	retryEvery    time.Duration
	replayTimeout time.Duration
	nextRetry     time.Time
	now           func() time.Time
	logger        *slog.Logger
	onChange      func(degraded bool)
	closed        bool

	knownMu sync.Mutex
	known   map[string]logic.Totals
}

// ResilientOptions configures a Resilient store.
type ResilientOptions struct {
	RetryInterval time.Duration
	// ReplayTimeout bounds each replayed write; zero uses DefaultReplayTimeout.
	ReplayTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	// OnChange is called, with the lock released, on every mode change.
	OnChange func(degraded bool)
}

// NewResilient opens the primary. If that fails the store starts degraded
// with zero totals; it never returns an error.
func NewResilient(ctx context.Context, open Opener, opts ResilientOptions) *Resilient {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Minute
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = DefaultReplayTimeout
	}
	r := &Resilient{
		open:          open,
		mem:           NewMemoryStore(),
		known:         make(map[string]logic.Totals),
		retryEvery:    opts.RetryInterval,
		replayTimeout: opts.ReplayTimeout,
		now:           opts.Now,
		logger:        opts.Logger,
		onChange:      opts.OnChange,
	}
	p, err := open(ctx)
	if err != nil {
		r.logger.Error("store unavailable, running in memory-only mode", "error", err)
		r.nextRetry = r.now().Add(r.retryEvery)
		return r
	}
	r.primary = p
	return r
}

// Degraded reports whether the store is serving from memory.
func (r *Resilient) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary == nil
}

// Queued returns the number of writes waiting for replay.
func (r *Resilient) Queued() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queue)
}

// isUnavailable reports whether a read error means the primary is gone. A
// caller's own deadline or cancellation is returned to it as is.
func isUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// mustQueue reports whether a mutation has to be kept for replay. Any
// failure other than ErrNotFound counts, timeouts included: the write may
// not have landed, and replaying it is idempotent.
func mustQueue(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

// read runs fn against the primary under the shared lock, or against
// memory while degraded.
func (r *Resilient) read(ctx context.Context, fn func(s Store) error) error {
	r.maybeRecover(ctx)

	r.mu.RLock()
	p := r.primary
	if p == nil {
		defer r.mu.RUnlock()
		return fn(r.mem)
	}
	err := fn(p)
	r.mu.RUnlock()
	if !isUnavailable(err) {
		return err
	}

	r.mu.Lock()
	if r.primary == p {
		r.degrade(err)
	}
	var s Store = r.mem
	if r.primary != nil {
		s = r.primary
	}
	r.mu.Unlock()
	return fn(s)
}

// do runs an unqueued mutation. Callers hold r.mu exclusively.
func (r *Resilient) do(ctx context.Context, fn func(s Store) error) error {
	if r.primary != nil {
		err := fn(r.primary)
		if !isUnavailable(err) {
			return err
		}
		r.degrade(err)
	}
	return fn(r.mem)
}

// write runs a mutation, queueing it when it lands in memory.
func (r *Resilient) write(ctx context.Context, o op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryRecover(ctx)

	if r.primary != nil {
		err := o.run(ctx, r.primary)
		if !mustQueue(err) {
			return err
		}
		r.degrade(err)
	}
	// The caller's deadline may have expired on the primary; memory never blocks.
	if err := o.run(context.WithoutCancel(ctx), r.mem); err != nil {
		return err
	}
	if len(r.queue) >= maxQueued {
		r.logger.Warn("store replay queue full, dropping oldest write", "op", r.queue[0].name)
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, o)
	return nil
}

// degrade switches to memory. Callers hold r.mu exclusively.
func (r *Resilient) degrade(err error) {
	r.logger.Error("store unavailable, running in memory-only mode", "error", err)
	if cerr := r.primary.Close(); cerr != nil {
		r.logger.Warn("closing failed store", "error", cerr)
	}
	r.primary = nil
	r.mem = NewMemoryStore()
	r.knownMu.Lock()
	for id, t := range r.known {
		r.mem.Seed(id, t)
	}
	r.knownMu.Unlock()
	r.nextRetry = r.now().Add(r.retryEvery)
	if r.onChange != nil {
		go r.onChange(true)
	}
}

// recoverDue reports whether a reopen should be attempted. Callers hold r.mu.
func (r *Resilient) recoverDue() bool {
	return !r.closed && r.primary == nil && !r.now().Before(r.nextRetry)
}

func (r *Resilient) maybeRecover(ctx context.Context) {
	r.mu.RLock()
	due := r.recoverDue()
	r.mu.RUnlock()
	if !due {
		return
	}
	r.mu.Lock()
	r.tryRecover(ctx)
	r.mu.Unlock()
}

// tryRecover reopens the primary and replays queued writes in order. Each
// write gets its own deadline. Replay stops at the first failure and keeps
// that write and everything after it for the next attempt. Callers hold
// r.mu exclusively.
func (r *Resilient) tryRecover(ctx context.Context) {
	if !r.recoverDue() {
		return
	}
	r.nextRetry = r.now().Add(r.retryEvery)

	p, err := r.open(ctx)
	if err != nil {
		r.logger.Debug("store still unavailable", "error", err)
		return
	}
	replayed := 0
	for i, o := range r.queue {
		octx, cancel := context.WithTimeout(context.Background(), r.replayTimeout)
		err := o.run(octx, p)
		cancel()
		if mustQueue(err) {
			r.logger.Warn("store replay failed", "op", o.name, "replayed", replayed, "remaining", len(r.queue)-i, "error", err)
			r.queue = r.queue[i:]
			if cerr := p.Close(); cerr != nil {
				r.logger.Warn("closing failed store", "error", cerr)
			}
			return
		}
		replayed++
	}
	r.logger.Info("store recovered", "replayed", replayed)
	r.queue = nil
	r.primary = p
	if r.onChange != nil {
		go r.onChange(false)
	}
}

func (r *Resilient) remember(valveID string, t logic.Totals) {
	r.knownMu.Lock()
	r.known[valveID] = t
	r.knownMu.Unlock()
}

// LoadTotals implements Store.
func (r *Resilient) LoadTotals(ctx context.Context, valveID string) (logic.Totals, error) {
	var t logic.Totals
	err := r.read(ctx, func(s Store) error {
		var err error
		t, err = s.LoadTotals(ctx, valveID)
		return err
	})
	if err == nil {
		r.remember(valveID, t)
	}
	return t, err
}

// StartSession implements Store.
func (r *Resilient) StartSession(ctx context.Context, sess logic.Session) error {
	return r.write(ctx, op{name: "start_session", run: func(ctx context.Context, s Store) error {
		return s.StartSession(ctx, sess)
	}})
}

// FinalizeSession implements Store.
func (r *Resilient) FinalizeSession(ctx context.Context, sess logic.Session) (logic.Totals, error) {
	var t logic.Totals
	err := r.write(ctx, op{name: "finalize_session", run: func(ctx context.Context, s Store) error {
		var err error
		t, err = s.FinalizeSession(ctx, sess)
		return err
	}})
	if err == nil {
		r.remember(sess.ValveID, t)
	}
	return t, err
}

// ResetResettable implements Store.
func (r *Resilient) ResetResettable(ctx context.Context, valveID string, at time.Time) (logic.Totals, error) {
	var t logic.Totals
	err := r.write(ctx, op{name: "reset_resettable", run: func(ctx context.Context, s Store) error {
		var err error
		t, err = s.ResetResettable(ctx, valveID, at)
		return err
	}})
	if err == nil {
		r.remember(valveID, t)
	}
	return t, err
}

// QueryWindow implements Store.
func (r *Resilient) QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error) {
	var u logic.Usage
	err := r.read(ctx, func(s Store) error {
		var err error
		u, err = s.QueryWindow(ctx, valveID, since)
		return err
	})
	return u, err
}

// ListSessions implements Store.
func (r *Resilient) ListSessions(ctx context.Context, f Filter) ([]logic.Session, error) {
	var out []logic.Session
	err := r.read(ctx, func(s Store) error {
		var err error
		out, err = s.ListSessions(ctx, f)
		return err
	})
	return out, err
}

// DeleteSession implements Store.
func (r *Resilient) DeleteSession(ctx context.Context, id string) error {
	return r.write(ctx, op{name: "delete_session", run: func(ctx context.Context, s Store) error {
		return s.DeleteSession(ctx, id)
	}})
}

// ClearSessions implements Store.
func (r *Resilient) ClearSessions(ctx context.Context, valveID string) (int64, error) {
	var n int64
	err := r.write(ctx, op{name: "clear_sessions", run: func(ctx context.Context, s Store) error {
		var err error
		n, err = s.ClearSessions(ctx, valveID)
		return err
	}})
	return n, err
}

// CleanupOlderThan implements Store. Cleanup is not queued while degraded;
// the next scheduled run covers it.
func (r *Resilient) CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryRecover(ctx)

	var n int64
	err := r.do(ctx, func(s Store) error {
		var err error
		n, err = s.CleanupOlderThan(ctx, days, now)
		return err
	})
	return n, err
}

// CloseInterrupted implements Store.
func (r *Resilient) CloseInterrupted(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryRecover(ctx)

	var n int64
	err := r.do(ctx, func(s Store) error {
		var err error
		n, err = s.CloseInterrupted(ctx, now)
		return err
	})
	return n, err
}

// Close closes the primary if open. Queued writes that were never replayed
// are reported and dropped.
func (r *Resilient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if len(r.queue) > 0 {
		r.logger.Warn("store closing with unreplayed writes", "count", len(r.queue))
		r.queue = nil
	}
	if r.primary == nil {
		return nil
	}
	err := r.primary.Close()
	r.primary = nil
	return err
}
