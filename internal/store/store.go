package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
)

const schemaVersion = 1

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
)

// ErrNotFound is returned when a target or check does not exist.
var ErrNotFound = errors.New("not found")

// Store persists targets and their checks in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	db, err := openDB(ctx, path, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var currentVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		name TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		interval_ms INTEGER NOT NULL,
		timeout_ms INTEGER NOT NULL,
		expected_status INTEGER NOT NULL DEFAULT 0,
		keyword TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checks (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL REFERENCES targets(name) ON DELETE CASCADE,
		status TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		error_category TEXT NOT NULL DEFAULT '',
		checked_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checks_target_time ON checks(target, checked_at_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_checks_time ON checks(checked_at_ms);
	`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncTargets upserts every target and deletes stored targets that are not in
// the list. Checks of deleted targets go with them (ON DELETE CASCADE).
func (s *Store) SyncTargets(ctx context.Context, targets []models.Target) (err error) {
	defer observe("sync_targets", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync targets: begin: %w", err)
	}
	defer tx.Rollback()

	nowMs := s.now().UnixMilli()
	upsert := `
	INSERT INTO targets (name, url, method, interval_ms, timeout_ms, expected_status, keyword, created_at_ms, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		url = excluded.url,
		method = excluded.method,
		interval_ms = excluded.interval_ms,
		timeout_ms = excluded.timeout_ms,
		expected_status = excluded.expected_status,
		keyword = excluded.keyword,
		updated_at_ms = excluded.updated_at_ms
	`
	names := make([]any, 0, len(targets))
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, upsert,
			t.Name, t.URL, t.Method, t.Interval.Milliseconds(), t.Timeout.Milliseconds(),
			t.ExpectedStatus, t.Keyword, nowMs, nowMs,
		); err != nil {
			return fmt.Errorf("sync targets: upsert %s: %w", t.Name, err)
		}
		names = append(names, t.Name)
	}

	del := "DELETE FROM targets"
	if len(names) > 0 {
		del += " WHERE name NOT IN (" + strings.TrimSuffix(strings.Repeat("?,", len(names)), ",") + ")"
	}
	if _, err := tx.ExecContext(ctx, del, names...); err != nil {
		return fmt.Errorf("sync targets: delete removed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync targets: commit: %w", err)
	}
	return nil
}

const targetColumns = `name, url, method, interval_ms, timeout_ms, expected_status, keyword`

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (models.Target, error) {
	var t models.Target
	var intervalMs, timeoutMs int64
	if err := row.Scan(&t.Name, &t.URL, &t.Method, &intervalMs, &timeoutMs, &t.ExpectedStatus, &t.Keyword); err != nil {
		return models.Target{}, err
	}
	t.Interval = time.Duration(intervalMs) * time.Millisecond
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return t, nil
}

// ListTargets returns all stored targets ordered by name.
func (s *Store) ListTargets(ctx context.Context) (_ []models.Target, err error) {
	defer observe("list_targets", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, "SELECT "+targetColumns+" FROM targets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("list targets: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTarget returns the target named name or ErrNotFound.
func (s *Store) GetTarget(ctx context.Context, name string) (_ models.Target, err error) {
	defer observe("get_target", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, "SELECT "+targetColumns+" FROM targets WHERE name = ?", name)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Target{}, fmt.Errorf("target %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.Target{}, fmt.Errorf("get target %s: %w", name, err)
	}
	return t, nil
}

// RecordCheck inserts a check. The target must exist.
func (s *Store) RecordCheck(ctx context.Context, c models.Check) (err error) {
	defer observe("record_check", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO checks (id, target, status, status_code, latency_ms, error, error_category, checked_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Target, string(c.Status), c.StatusCode, c.Latency.Milliseconds(),
		c.Error, c.ErrorCategory, c.CheckedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record check for %s: %w", c.Target, err)
	}
	return nil
}

const checkColumns = `id, target, status, status_code, latency_ms, error, error_category, checked_at_ms`

func scanCheck(row scanner) (models.Check, error) {
	var c models.Check
	var status string
	var latencyMs, checkedAt int64
	if err := row.Scan(&c.ID, &c.Target, &status, &c.StatusCode, &latencyMs, &c.Error, &c.ErrorCategory, &checkedAt); err != nil {
		return models.Check{}, err
	}
	c.Status = models.CheckStatus(status)
	c.Latency = time.Duration(latencyMs) * time.Millisecond
	c.CheckedAt = time.UnixMilli(checkedAt).UTC()
	return c, nil
}

// LatestCheck returns the most recent check for name, or ErrNotFound when none exists.
func (s *Store) LatestCheck(ctx context.Context, name string) (_ models.Check, err error) {
	defer observe("latest_check", time.Now(), &err)

	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkColumns+" FROM checks WHERE target = ? ORDER BY checked_at_ms DESC, rowid DESC LIMIT 1", name)
	c, err := scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Check{}, fmt.Errorf("latest check %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.Check{}, fmt.Errorf("latest check %s: %w", name, err)
	}
	return c, nil
}

// LatestChecks returns the most recent check of every target that has one, keyed by target name.
func (s *Store) LatestChecks(ctx context.Context) (_ map[string]models.Check, err error) {
	defer observe("latest_checks", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `
	SELECT c.id, c.target, c.status, c.status_code, c.latency_ms, c.error, c.error_category, c.checked_at_ms
	FROM targets t
	JOIN checks c ON c.rowid = (
		SELECT rowid FROM checks WHERE target = t.name ORDER BY checked_at_ms DESC, rowid DESC LIMIT 1
	)`)
	if err != nil {
		return nil, fmt.Errorf("latest checks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Check)
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("latest checks: scan: %w", err)
		}
		out[c.Target] = c
	}
	return out, rows.Err()
}

// ClampHistoryLimit maps limit <= 0 to DefaultHistoryLimit and caps it at MaxHistoryLimit.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// History returns up to limit checks for name, newest first.
func (s *Store) History(ctx context.Context, name string, limit int) (_ []models.Check, err error) {
	defer observe("history", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkColumns+" FROM checks WHERE target = ? ORDER BY checked_at_ms DESC, rowid DESC LIMIT ?",
		name, ClampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", name, err)
	}
	defer rows.Close()

	out := make([]models.Check, 0)
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("history %s: scan: %w", name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Uptime counts up checks and all checks for name at or after since.
func (s *Store) Uptime(ctx context.Context, name string, since time.Time) (up, total int, err error) {
	defer observe("uptime", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(CASE WHEN status = 'up' THEN 1 ELSE 0 END), 0), COUNT(*)
	FROM checks WHERE target = ? AND checked_at_ms >= ?`,
		name, since.UnixMilli(),
	).Scan(&up, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("uptime %s: %w", name, err)
	}
	return up, total, nil
}

// ConsecutiveFailures counts down checks for name recorded after its latest up check.
func (s *Store) ConsecutiveFailures(ctx context.Context, name string) (n int, err error) {
	defer observe("consecutive_failures", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM checks
	WHERE target = ? AND status = 'down'
	  AND checked_at_ms > COALESCE(
		(SELECT MAX(checked_at_ms) FROM checks WHERE target = ? AND status = 'up'), -1)`,
		name, name,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("consecutive failures %s: %w", name, err)
	}
	return n, nil
}

// Prune deletes checks recorded before the cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (deleted int64, err error) {
	defer observe("prune", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, "DELETE FROM checks WHERE checked_at_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune checks: %w", err)
	}
	return res.RowsAffected()
}

func observe(op string, start time.Time, errp *error) {
	observability.ObserveStoreOp(op, start, *errp)
}

// Ping verifies the database is reachable. Used by /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
