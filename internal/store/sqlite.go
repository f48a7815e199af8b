package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes writes; the connection pool still serves reads.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection so a bad path fails here, not on first use.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1,
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

// Times are unix milliseconds; durations are seconds.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS totals (
	valve_id TEXT PRIMARY KEY,
	lifetime_volume REAL NOT NULL DEFAULT 0,
	lifetime_seconds REAL NOT NULL DEFAULT 0,
	lifetime_sessions INTEGER NOT NULL DEFAULT 0,
	resettable_volume REAL NOT NULL DEFAULT 0,
	resettable_seconds REAL NOT NULL DEFAULT 0,
	resettable_sessions INTEGER NOT NULL DEFAULT 0,
	last_reset_at INTEGER,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	valve_id TEXT NOT NULL,
	valve_name TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL CHECK (trigger_type IN ('manual', 'timed', 'volume')),
	target_seconds REAL,
	target_liters REAL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	duration_seconds REAL,
	volume REAL NOT NULL DEFAULT 0,
	lifetime_volume REAL,
	avg_rate REAL,
	end_reason TEXT CHECK (end_reason IS NULL OR end_reason IN ('manual', 'auto_off', 'target_reached', 'failsafe', 'interrupted')),
	completed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_valve_ended ON sessions(valve_id, ended_at);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTarget(s logic.Session) (secs, liters any) {
	switch s.Trigger {
	case logic.TriggerTimed:
		return s.Target.Duration.Seconds(), nil
	case logic.TriggerVolume:
		return nil, s.Target.Volume
	}
	return nil, nil
}

// LoadTotals returns the stored totals, or zeros for an unseen valve.
func (s *SQLiteStore) LoadTotals(ctx context.Context, valveID string) (logic.Totals, error) {
	t, err := loadTotals(ctx, s.db, valveID)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("load totals: %w", err)
	}
	return t, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTotals(ctx context.Context, q queryer, valveID string) (logic.Totals, error) {
	var (
		t                   logic.Totals
		lifeSecs, resetSecs float64
		lastReset           sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT lifetime_volume, lifetime_seconds, lifetime_sessions,
		       resettable_volume, resettable_seconds, resettable_sessions, last_reset_at
		FROM totals WHERE valve_id = ?`, valveID).Scan(
		&t.LifetimeVolume, &lifeSecs, &t.LifetimeSessions,
		&t.ResettableVolume, &resetSecs, &t.ResettableSessions, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return logic.Totals{}, nil
	}
	if err != nil {
		return logic.Totals{}, err
	}
	t.LifetimeDuration = secondsToDuration(lifeSecs)
	t.ResettableDuration = secondsToDuration(resetSecs)
	if lastReset.Valid {
		t.LastReset = fromMillis(lastReset.Int64)
	}
	return t, nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// StartSession inserts the session start record.
func (s *SQLiteStore) StartSession(ctx context.Context, sess logic.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := insertStart(ctx, s.db, sess); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertStart(ctx context.Context, e execer, sess logic.Session) (sql.Result, error) {
	secs, liters := nullableTarget(sess)
	return e.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions
			(session_id, valve_id, valve_name, trigger_type, target_seconds, target_liters, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ValveID, sess.ValveName, string(sess.Trigger), secs, liters, toMillis(sess.StartedAt))
}

// FinalizeSession ends the session and increments totals in one transaction.
// A session that is already ended is left alone and the current totals are
// returned, so duplicate finalizes never double count.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, sess logic.Session) (logic.Totals, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	// The start record may have been lost (degraded mode, crash between writes).
	if _, err := insertStart(ctx, tx, sess); err != nil {
		return logic.Totals{}, fmt.Errorf("insert session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = ?, duration_seconds = ?, volume = ?, lifetime_volume = ?,
		    avg_rate = ?, end_reason = ?, completed = 1
		WHERE session_id = ? AND ended_at IS NULL`,
		toMillis(sess.EndedAt), sess.Duration.Seconds(), sess.Volume, sess.LifetimeVolume,
		sess.AvgRate, string(sess.EndReason), sess.ID)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return logic.Totals{}, fmt.Errorf("end session: %w", err)
	}

	if n == 1 {
		secs := sess.Duration.Seconds()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO totals (valve_id, lifetime_volume, lifetime_seconds, lifetime_sessions,
			                    resettable_volume, resettable_seconds, resettable_sessions, updated_at)
			VALUES (?, ?, ?, 1, MIN(?, ?), ?, 1, ?)
			ON CONFLICT(valve_id) DO UPDATE SET
				resettable_volume = MIN(resettable_volume + ?, lifetime_volume + excluded.lifetime_volume),
				resettable_seconds = resettable_seconds + excluded.resettable_seconds,
				resettable_sessions = resettable_sessions + 1,
				lifetime_volume = lifetime_volume + excluded.lifetime_volume,
				lifetime_seconds = lifetime_seconds + excluded.lifetime_seconds,
				lifetime_sessions = lifetime_sessions + 1,
				updated_at = excluded.updated_at`,
			sess.ValveID, sess.LifetimeVolume, secs,
			sess.Volume, sess.LifetimeVolume, secs, toMillis(sess.EndedAt),
			sess.Volume,
		); err != nil {
			return logic.Totals{}, fmt.Errorf("increment totals: %w", err)
		}
	}

	t, err := loadTotals(ctx, tx, sess.ValveID)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("read totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return logic.Totals{}, fmt.Errorf("commit finalize: %w", err)
	}
	return t, nil
}

// ResetResettable zeroes the resettable counters and records the reset time.
func (s *SQLiteStore) ResetResettable(ctx context.Context, valveID string, at time.Time) (logic.Totals, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO totals (valve_id, last_reset_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(valve_id) DO UPDATE SET
			resettable_volume = 0,
			resettable_seconds = 0,
			resettable_sessions = 0,
			last_reset_at = excluded.last_reset_at,
			updated_at = excluded.updated_at`,
		valveID, toMillis(at), toMillis(at)); err != nil {
		return logic.Totals{}, fmt.Errorf("reset totals: %w", err)
	}
	t, err := loadTotals(ctx, tx, valveID)
	if err != nil {
		return logic.Totals{}, fmt.Errorf("read totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return logic.Totals{}, fmt.Errorf("commit reset: %w", err)
	}
	return t, nil
}

// QueryWindow sums completed sessions that ended at or after since. Sessions
// still running are not counted until they end.
func (s *SQLiteStore) QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error) {
	var vol, secs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(volume), 0), COALESCE(SUM(duration_seconds), 0)
		FROM sessions
		WHERE valve_id = ? AND completed = 1 AND ended_at >= ?`,
		valveID, toMillis(since)).Scan(&vol, &secs)
	if err != nil {
		return logic.Usage{}, fmt.Errorf("query window: %w", err)
	}
	return logic.Usage{Volume: vol, Duration: secondsToDuration(secs)}, nil
}

// ListSessions returns sessions matching f, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f Filter) ([]logic.Session, error) {
	query := `
		SELECT session_id, valve_id, valve_name, trigger_type, target_seconds, target_liters,
		       started_at, ended_at, duration_seconds, volume, lifetime_volume, avg_rate, end_reason
		FROM sessions`
	var (
		where []string
		args  []any
	)
	if f.ValveID != "" {
		where = append(where, "valve_id = ?")
		args = append(args, f.ValveID)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toMillis(f.Until))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, session_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []logic.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(rows *sql.Rows) (logic.Session, error) {
	var (
		sess                      logic.Session
		trigger                   string
		targetSecs, targetLiters  sql.NullFloat64
		started                   int64
		ended                     sql.NullInt64
		durSecs, lifeVol, avgRate sql.NullFloat64
		reason                    sql.NullString
	)
	if err := rows.Scan(&sess.ID, &sess.ValveID, &sess.ValveName, &trigger, &targetSecs, &targetLiters,
		&started, &ended, &durSecs, &sess.Volume, &lifeVol, &avgRate, &reason); err != nil {
		return logic.Session{}, err
	}
	sess.Trigger = logic.TriggerType(trigger)
	if targetSecs.Valid {
		sess.Target.Duration = secondsToDuration(targetSecs.Float64)
	}
	if targetLiters.Valid {
		sess.Target.Volume = targetLiters.Float64
	}
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		sess.EndedAt = fromMillis(ended.Int64)
	}
	if durSecs.Valid {
		sess.Duration = secondsToDuration(durSecs.Float64)
	}
	if lifeVol.Valid {
		sess.LifetimeVolume = lifeVol.Float64
	}
	if avgRate.Valid {
		sess.AvgRate = avgRate.Float64
	}
	if reason.Valid {
		sess.EndReason = logic.EndReason(reason.String)
	}
	return sess, nil
}

// DeleteSession removes one session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearSessions removes session history. Open sessions are kept so their
// finalize still lands.
func (s *SQLiteStore) ClearSessions(ctx context.Context, valveID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := "DELETE FROM sessions WHERE ended_at IS NOT NULL"
	var args []any
	if valveID != "" {
		query += " AND valve_id = ?"
		args = append(args, valveID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOlderThan deletes sessions that ended before now minus days.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := now.AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// CloseInterrupted ends every open session as interrupted. Their volume is
// unknown, so totals are not touched and they are excluded from windows.
func (s *SQLiteStore) CloseInterrupted(ctx context.Context, now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ms := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = ?, duration_seconds = MAX(0, (? - started_at) / 1000.0),
		    end_reason = 'interrupted', completed = 0
		WHERE ended_at IS NULL`, ms, ms)
	if err != nil {
		return 0, fmt.Errorf("close interrupted sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
