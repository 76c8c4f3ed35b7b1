package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

var (
	// ErrNotFound is returned when a trace or DLQ entry does not exist.
	ErrNotFound = eris.New("not found")
	// ErrExists is returned by CreateTrace when the stage already holds a
	// trace for the record.
	ErrExists = eris.New("already exists")
)

// TraceFilter specifies criteria for listing traces.
type TraceFilter struct {
	Stage           model.StageName     `json:"stage,omitempty"`
	Statuses        []model.TraceStatus `json:"statuses,omitempty"`
	RecordIDs       []string            `json:"record_ids,omitempty"`
	IncludeArchived bool                `json:"include_archived,omitempty"`
	Since           time.Time           `json:"since,omitempty"`
	Limit           int                 `json:"limit,omitempty"`
}

// Store persists one or more stages' workflow traces and their outbox of
// undeliverable envelopes. Traces are keyed by (stage, record_id) so several
// stages may share a database.
type Store interface {
	// Traces
	CreateTrace(ctx context.Context, t *model.WorkflowTrace) error
	GetTrace(ctx context.Context, stage model.StageName, recordID string) (*model.WorkflowTrace, error)
	SaveTrace(ctx context.Context, t *model.WorkflowTrace) error
	ListTraces(ctx context.Context, filter TraceFilter) ([]*model.WorkflowTrace, error)
	CountByStatus(ctx context.Context, stage model.StageName, since time.Time) (map[model.TraceStatus]int, error)
	ArchiveTraces(ctx context.Context, stage model.StageName, recordIDs []string) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the Store selected by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "", "memory":
		s = NewMemory()
	case "sqlite":
		s, err = NewSQLite(dsn)
	case "postgres":
		s, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func statusStrings(ss []model.TraceStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}
