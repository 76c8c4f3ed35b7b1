package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/store"
)

// mockStore answers the two queries the collector makes and defers the rest
// to the embedded Store, which is nil.
type mockStore struct {
	store.Store
	counts   map[model.TraceStatus]int
	dlq      int
	countErr error
	dlqErr   error
	since    time.Time
	stage    model.StageName
}

func (m *mockStore) CountByStatus(_ context.Context, stage model.StageName, since time.Time) (map[model.TraceStatus]int, error) {
	m.stage = stage
	m.since = since
	if m.countErr != nil {
		return nil, m.countErr
	}
	return m.counts, nil
}

func (m *mockStore) CountDLQ(context.Context) (int, error) {
	return m.dlq, m.dlqErr
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockStore{}, model.StageClassifier)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, model.StageClassifier, snap.Stage)
	assert.Zero(t, snap.TracesTotal)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_TraceMetrics(t *testing.T) {
	st := &mockStore{
		counts: map[model.TraceStatus]int{
			model.TraceStatusLocalOnly:     3,
			model.TraceStatusCompleted:     4,
			model.TraceStatusFailed:        1,
			model.TraceStatusInDiagnosis:   2,
			model.TraceStatusInRemediation: 1,
		},
		dlq: 2,
	}
	c := NewCollector(st, model.StageDiagnosis)
	snap, err := c.Collect(context.Background(), 6)
	require.NoError(t, err)

	assert.Equal(t, model.StageDiagnosis, st.stage)
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), st.since, time.Minute)
	assert.Equal(t, 11, snap.TracesTotal)
	assert.Equal(t, 3, snap.TracesLocalOnly)
	assert.Equal(t, 4, snap.TracesCompleted)
	assert.Equal(t, 1, snap.TracesFailed)
	assert.Equal(t, 3, snap.TracesInFlight)
	assert.InDelta(t, 0.125, snap.FailRate, 0.0001)
	assert.Equal(t, 2, snap.DLQDepth)
}

func TestCollector_MemoryStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	failed := model.NewTrace(model.StageRemediation, model.Record{ID: "r1"})
	failed.Status = model.TraceStatusFailed
	require.NoError(t, st.CreateTrace(ctx, failed))
	require.NoError(t, st.CreateTrace(ctx, model.NewTrace(model.StageRemediation, model.Record{ID: "r2"})))
	// Traces of other stages are not counted.
	require.NoError(t, st.CreateTrace(ctx, model.NewTrace(model.StageClassifier, model.Record{ID: "r1"})))

	snap, err := NewCollector(st, model.StageRemediation).Collect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TracesTotal)
	assert.Equal(t, 1, snap.TracesFailed)
	assert.Equal(t, 1, snap.TracesInFlight)
	assert.InDelta(t, 1.0, snap.FailRate, 0.0001)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewCollector(&mockStore{countErr: boom}, model.StageClassifier).Collect(context.Background(), 24)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "count traces")

	_, err = NewCollector(&mockStore{dlqErr: boom}, model.StageClassifier).Collect(context.Background(), 24)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "count dlq")
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	st := &mockStore{counts: map[model.TraceStatus]int{model.TraceStatusPending: 4}}
	snap, err := NewCollector(st, model.StageClassifier).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.FailRate)
	assert.Equal(t, 4, snap.TracesInFlight)
}
