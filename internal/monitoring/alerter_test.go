package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, DLQThreshold: 5})
	snap := &MetricsSnapshot{
		Stage:           model.StageClassifier,
		TracesCompleted: 20,
		TracesFailed:    1,
		FailRate:        0.05,
		DLQDepth:        4,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	snap := &MetricsSnapshot{
		Stage:           model.StageDiagnosis,
		TracesCompleted: 6,
		TracesFailed:    4,
		FailRate:        0.4,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "diagnosis failure rate 40.0%")
	assert.Equal(t, 10, alerts[0].Details["finished"])
}

func TestAlerter_Evaluate_MinimumTracesRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	snap := &MetricsSnapshot{TracesFailed: 2, TracesCompleted: 2, FailRate: 0.5}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DLQBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, DLQThreshold: 3})

	alerts := a.Evaluate(&MetricsSnapshot{Stage: model.StageRemediation, DLQDepth: 3})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQBacklog, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Details["dlq_depth"])

	// A zero threshold disables the check.
	off := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, off.Evaluate(&MetricsSnapshot{DLQDepth: 100}))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, DLQThreshold: 1})
	snap := &MetricsSnapshot{TracesFailed: 5, TracesCompleted: 5, FailRate: 0.5, DLQDepth: 2}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, AlertDLQBacklog, alerts[1].Type)
}

func TestAlerter_EvaluateBatch(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	assert.Empty(t, a.EvaluateBatch(BatchOutcome{BatchID: "b1", Submitted: 6, Reconciled: true}))

	alerts := a.EvaluateBatch(BatchOutcome{
		BatchID:    "b2",
		Submitted:  6,
		Incomplete: 2,
		Reconciled: false,
		Mismatch:   "complete 1 != expected 3",
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertIncompleteBatch, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 of 6")
	assert.Equal(t, AlertReconciliation, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "complete 1 != expected 3")
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received = append(received, alert)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	alerts := []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "test 1"},
		{Type: AlertDLQBacklog, Severity: "high", Message: "test 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertFailureRate, received[0].Type)
	assert.Equal(t, AlertDLQBacklog, received[1].Type)
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate, Message: "x"}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), nil))
	assert.Zero(t, calls.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertIncompleteBatch, Message: "x"}})
	assert.Zero(t, sent)
}
