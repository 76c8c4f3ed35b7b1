package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

func testDLQEntry(t *testing.T, id, errorType string, nextRetry time.Time) resilience.DLQEntry {
	t.Helper()
	env, err := model.NewEnvelope("rec-"+id, model.StageRemediation, nil, model.ReportDelivery{
		Report: model.RemediationReport{RecordID: "rec-" + id, Status: model.RemediationSuccess, ActionsTaken: []string{"restart_device"}},
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	return resilience.DLQEntry{
		ID:           id,
		RecordID:     "rec-" + id,
		Target:       model.StageClassifier,
		Route:        "/v1/reports",
		Envelope:     env,
		Error:        "classifier unreachable",
		ErrorType:    errorType,
		MaxRetries:   3,
		NextRetryAt:  nextRetry,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

func dlqTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DLQEnqueueAndDequeue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "dlq-1", resilience.ErrorTransient, time.Now().Add(-time.Minute))))

		entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, "dlq-1", e.ID)
		assert.Equal(t, "rec-dlq-1", e.RecordID)
		assert.Equal(t, model.StageClassifier, e.Target)
		assert.Equal(t, "/v1/reports", e.Route)
		assert.Equal(t, "rec-dlq-1", e.Envelope.RecordID)

		var delivery model.ReportDelivery
		require.NoError(t, e.Envelope.Decode(&delivery))
		assert.Equal(t, []string{"restart_device"}, delivery.Report.ActionsTaken)
	})

	t.Run("DLQNotYetDue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "later", resilience.ErrorTransient, time.Now().Add(time.Hour))))

		entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		assert.Empty(t, entries)

		entries, err = s.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: time.Now().Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("DLQFilterErrorType", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)

		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "t", resilience.ErrorTransient, past)))
		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "p", resilience.ErrorPermanent, past)))

		entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorPermanent})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "p", entries[0].ID)
	})

	t.Run("DLQIncrementUntilExhausted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "x", resilience.ErrorTransient, time.Now().Add(-time.Minute))))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.IncrementDLQRetry(ctx, "x", time.Now().Add(-time.Second), "still down"))
		}

		// retry_count == max_retries: no longer dequeued, still counted.
		entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		assert.Empty(t, entries)

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("DLQIncrementMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.IncrementDLQRetry(context.Background(), "nope", time.Now(), "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DLQRemove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.EnqueueDLQ(ctx, testDLQEntry(t, "r", resilience.ErrorTransient, time.Now())))
		require.NoError(t, s.RemoveDLQ(ctx, "r"))

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DLQEnqueueUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := testDLQEntry(t, "u", resilience.ErrorTransient, time.Now().Add(-time.Minute))
		require.NoError(t, s.EnqueueDLQ(ctx, e))
		e.Error = "timeout"
		e.RetryCount = 1
		require.NoError(t, s.EnqueueDLQ(ctx, e))

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entries, err := s.DequeueDLQ(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "timeout", entries[0].Error)
		assert.Equal(t, 1, entries[0].RetryCount)
	})
}
