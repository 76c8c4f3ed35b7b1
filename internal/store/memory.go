package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

type traceKey struct {
	stage model.StageName
	id    string
}

// MemoryStore is an in-process Store. Traces are cloned on the way in and
// out so callers never share mutable state with it.
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[traceKey]*model.WorkflowTrace
	dlq    map[string]resilience.DLQEntry
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		traces: make(map[traceKey]*model.WorkflowTrace),
		dlq:    make(map[string]resilience.DLQEntry),
	}
}

func (s *MemoryStore) CreateTrace(_ context.Context, t *model.WorkflowTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := traceKey{t.Stage, t.RecordID}
	if _, ok := s.traces[k]; ok {
		return eris.Wrapf(ErrExists, "memory: trace %s/%s", t.Stage, t.RecordID)
	}
	s.traces[k] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTrace(_ context.Context, stage model.StageName, recordID string) (*model.WorkflowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceKey{stage, recordID}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: trace %s/%s", stage, recordID)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) SaveTrace(_ context.Context, t *model.WorkflowTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := traceKey{t.Stage, t.RecordID}
	if _, ok := s.traces[k]; !ok {
		return eris.Wrapf(ErrNotFound, "memory: trace %s/%s", t.Stage, t.RecordID)
	}
	s.traces[k] = t.Clone()
	return nil
}

func (s *MemoryStore) ListTraces(_ context.Context, filter TraceFilter) ([]*model.WorkflowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WorkflowTrace
	for k, t := range s.traces {
		if filter.Stage != "" && k.stage != filter.Stage {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		if len(filter.RecordIDs) > 0 && !slices.Contains(filter.RecordIDs, t.RecordID) {
			continue
		}
		if !filter.IncludeArchived && t.ArchivedAt != nil {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := defaultLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, stage model.StageName, since time.Time) (map[model.TraceStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.TraceStatus]int)
	for k, t := range s.traces {
		if k.stage != stage || t.CreatedAt.Before(since) {
			continue
		}
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ArchiveTraces(_ context.Context, stage model.StageName, recordIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, id := range recordIDs {
		t, ok := s.traces[traceKey{stage, id}]
		if !ok || t.ArchivedAt != nil || !t.Status.SettledAt(stage) {
			continue
		}
		at := now
		t.ArchivedAt = &at
		n++
	}
	return n, nil
}

func (s *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dlq[entry.ID]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	s.dlq[entry.ID] = entry
	return nil
}

func (s *MemoryStore) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := filter.DueBefore
	if due.IsZero() {
		due = time.Now()
	}
	var out []resilience.DLQEntry
	for _, e := range s.dlq {
		if !e.Due(due) {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit := defaultLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) IncrementDLQRetry(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: dlq entry %s", id)
	}
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	e.Error = lastErr
	e.LastFailedAt = time.Now().UTC()
	s.dlq[id] = e
	return nil
}

func (s *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, id)
	return nil
}

func (s *MemoryStore) CountDLQ(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dlq), nil
}

func (s *MemoryStore) Ping(_ context.Context) error    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                    { return nil }
