package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/db"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS traces (
	stage       TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	archived_at TIMESTAMPTZ,
	PRIMARY KEY (stage, record_id)
);

CREATE INDEX IF NOT EXISTS idx_traces_stage_status ON traces(stage, status);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	record_id      TEXT NOT NULL,
	target         TEXT NOT NULL,
	route          TEXT NOT NULL,
	envelope       JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateTrace(ctx context.Context, t *model.WorkflowTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal trace")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO traces (stage, record_id, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (stage, record_id) DO NOTHING`,
		string(t.Stage), t.RecordID, string(t.Status), data, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert trace %s", t.RecordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrExists, "postgres: trace %s/%s", t.Stage, t.RecordID)
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, stage model.StageName, recordID string) (*model.WorkflowTrace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data, archived_at FROM traces WHERE stage = $1 AND record_id = $2`,
		string(stage), recordID,
	)
	t, err := scanPgTrace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: trace %s/%s", stage, recordID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get trace %s", recordID)
	}
	return t, nil
}

func (s *PostgresStore) SaveTrace(ctx context.Context, t *model.WorkflowTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal trace")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE traces SET status = $1, data = $2, updated_at = $3 WHERE stage = $4 AND record_id = $5`,
		string(t.Status), data, t.UpdatedAt, string(t.Stage), t.RecordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update trace %s", t.RecordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: trace %s/%s", t.Stage, t.RecordID)
	}
	return nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, filter TraceFilter) ([]*model.WorkflowTrace, error) {
	query := `SELECT data, archived_at FROM traces WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if len(filter.RecordIDs) > 0 {
		query += fmt.Sprintf(` AND record_id = ANY($%d)`, argIdx)
		args = append(args, filter.RecordIDs)
		argIdx++
	}
	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, record_id ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list traces")
	}
	defer rows.Close()

	var out []*model.WorkflowTrace
	for rows.Next() {
		t, err := scanPgTrace(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan trace")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list traces iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context, stage model.StageName, since time.Time) (map[model.TraceStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM traces WHERE stage = $1 AND created_at >= $2 GROUP BY status`,
		string(stage), since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count traces")
	}
	defer rows.Close()

	counts := make(map[model.TraceStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trace count")
		}
		counts[model.TraceStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count traces iterate")
}

// ArchiveTraces stamps archived_at on the given terminal traces in a single
// transaction so a collection pass archives all of a batch or none of it.
func (s *PostgresStore) ArchiveTraces(ctx context.Context, stage model.StageName, recordIDs []string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: archive: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE traces SET archived_at = now()
		 WHERE stage = $1 AND record_id = ANY($2) AND archived_at IS NULL AND status = ANY($3)`,
		string(stage), recordIDs,
		statusStrings(model.SettledStatuses(stage)),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: archive traces")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: archive: commit")
	}
	return int(tag.RowsAffected()), nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	envJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq envelope")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record_id, target, route, envelope, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   envelope = $5, error = $6, error_type = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.RecordID, string(entry.Target), entry.Route, envJSON,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now()
	}
	query := `SELECT id, record_id, target, route, envelope, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= $1 AND retry_count < max_retries`
	args := []any{due}
	argIdx := 2

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var target string
		var envJSON []byte
		if err := rows.Scan(&e.ID, &e.RecordID, &target, &e.Route, &envJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(envJSON, &e.Envelope); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq envelope")
		}
		e.Target = model.StageName(target)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgTrace(row pgx.Row) (*model.WorkflowTrace, error) {
	var data []byte
	var archived *time.Time
	if err := row.Scan(&data, &archived); err != nil {
		return nil, err
	}
	var t model.WorkflowTrace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal trace")
	}
	if archived != nil {
		at := archived.UTC()
		t.ArchivedAt = &at
	}
	return &t, nil
}
