package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps used in
// filters are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS traces (
	stage       TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	archived_at INTEGER,
	PRIMARY KEY (stage, record_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	record_id      TEXT NOT NULL,
	target         TEXT NOT NULL,
	route          TEXT NOT NULL,
	envelope       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_traces_stage_status ON traces(stage, status);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTrace(ctx context.Context, t *model.WorkflowTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal trace")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (stage, record_id, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stage, record_id) DO NOTHING`,
		string(t.Stage), t.RecordID, string(t.Status), string(data),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert trace %s", t.RecordID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrExists, "sqlite: trace %s/%s", t.Stage, t.RecordID)
	}
	return nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, stage model.StageName, recordID string) (*model.WorkflowTrace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, archived_at FROM traces WHERE stage = ? AND record_id = ?`,
		string(stage), recordID,
	)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: trace %s/%s", stage, recordID)
	}
	return t, err
}

func (s *SQLiteStore) SaveTrace(ctx context.Context, t *model.WorkflowTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal trace")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, data = ?, updated_at = ? WHERE stage = ? AND record_id = ?`,
		string(t.Status), string(data), t.UpdatedAt.UnixMilli(), string(t.Stage), t.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update trace %s", t.RecordID)
	}
	return checkRowsAffected(res, "trace", t.RecordID)
}

func (s *SQLiteStore) ListTraces(ctx context.Context, filter TraceFilter) ([]*model.WorkflowTrace, error) {
	query := `SELECT data, archived_at FROM traces WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range statusStrings(filter.Statuses) {
			args = append(args, st)
		}
	}
	if len(filter.RecordIDs) > 0 {
		query += ` AND record_id IN (` + placeholders(len(filter.RecordIDs)) + `)`
		for _, id := range filter.RecordIDs {
			args = append(args, id)
		}
	}
	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	query += ` ORDER BY created_at ASC, record_id ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list traces")
	}
	defer rows.Close()

	var out []*model.WorkflowTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list traces iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, stage model.StageName, since time.Time) (map[model.TraceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM traces WHERE stage = ? AND created_at >= ? GROUP BY status`,
		string(stage), since.UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count traces")
	}
	defer rows.Close()

	counts := make(map[model.TraceStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trace count")
		}
		counts[model.TraceStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count traces iterate")
}

func (s *SQLiteStore) ArchiveTraces(ctx context.Context, stage model.StageName, recordIDs []string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UTC().UnixMilli(), string(stage)}
	for _, id := range recordIDs {
		args = append(args, id)
	}
	settled := statusStrings(model.SettledStatuses(stage))
	for _, st := range settled {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET archived_at = ?
		 WHERE stage = ? AND archived_at IS NULL
		   AND record_id IN (`+placeholders(len(recordIDs))+`)
		   AND status IN (`+placeholders(len(settled))+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: archive traces")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	envJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq envelope")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record_id, target, route, envelope, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   envelope = excluded.envelope, error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.RecordID, string(entry.Target), entry.Route, string(envJSON),
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UnixMilli(), entry.CreatedAt.UnixMilli(), entry.LastFailedAt.UnixMilli(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now()
	}
	query := `SELECT id, record_id, target, route, envelope, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{due.UnixMilli()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e                         resilience.DLQEntry
			target, envJSON           string
			nextRetry, created, lastF int64
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &target, &e.Route, &envJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &created, &lastF); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(envJSON), &e.Envelope); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq envelope")
		}
		e.Target = model.StageName(target)
		e.NextRetryAt = time.UnixMilli(nextRetry).UTC()
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.LastFailedAt = time.UnixMilli(lastF).UTC()
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UnixMilli(), lastErr, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrace(row scannable) (*model.WorkflowTrace, error) {
	var data string
	var archived sql.NullInt64
	if err := row.Scan(&data, &archived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan trace")
	}
	var t model.WorkflowTrace
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal trace")
	}
	if archived.Valid {
		at := time.UnixMilli(archived.Int64).UTC()
		t.ArchivedAt = &at
	}
	return &t, nil
}
