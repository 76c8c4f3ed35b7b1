package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/model"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	st := newTestSQLiteStore(t, path)
	tr := testTrace(model.StageRemediation, "rec-1")
	require.NoError(t, st.CreateTrace(ctx, tr))
	require.NoError(t, st.EnqueueDLQ(ctx, testDLQEntry(t, "dlq-1", "transient", tr.CreatedAt)))
	require.NoError(t, st.Close())

	st = newTestSQLiteStore(t, path)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	got, err := st.GetTrace(ctx, model.StageRemediation, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecordID)

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "twice.db"))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_GetMissingTrace(t *testing.T) {
	st := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "missing.db"))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	_, err := st.GetTrace(context.Background(), model.StageClassifier, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?,?,?", placeholders(3))
}
