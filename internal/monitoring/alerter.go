package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "trace_failure_rate"
	AlertDLQBacklog      AlertType = "dlq_backlog"
	AlertIncompleteBatch AlertType = "incomplete_batch"
	AlertReconciliation  AlertType = "reconciliation_mismatch"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BatchOutcome is what the aggregator reports about a finished batch.
type BatchOutcome struct {
	BatchID    string
	Submitted  int
	Incomplete int
	Reconciled bool
	Mismatch   string
}

// Alerter evaluates snapshots and batch outcomes against configured
// thresholds and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Failure rate needs a handful of finished traces to mean anything.
	terminal := snap.terminal()
	if terminal >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.Stage, snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TracesFailed, terminal, snap.LookbackHours,
			),
			Details: map[string]any{
				"stage":        string(snap.Stage),
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.TracesFailed,
				"finished":     terminal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%s outbox holds %d undelivered envelope(s), threshold %d",
				snap.Stage, snap.DLQDepth, a.cfg.DLQThreshold,
			),
			Details: map[string]any{
				"stage":     string(snap.Stage),
				"dlq_depth": snap.DLQDepth,
				"threshold": a.cfg.DLQThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateBatch returns alerts for a batch that left records INCOMPLETE or
// failed reconciliation.
func (a *Alerter) EvaluateBatch(b BatchOutcome) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if b.Incomplete > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertIncompleteBatch,
			Severity: "critical",
			Message: fmt.Sprintf(
				"batch %s: %d of %d record(s) did not reach a terminal state",
				b.BatchID, b.Incomplete, b.Submitted,
			),
			Details: map[string]any{
				"batch_id":   b.BatchID,
				"incomplete": b.Incomplete,
				"submitted":  b.Submitted,
			},
			Timestamp: now,
		})
	}

	if !b.Reconciled {
		alerts = append(alerts, Alert{
			Type:     AlertReconciliation,
			Severity: "high",
			Message:  fmt.Sprintf("batch %s: reconciliation failed: %s", b.BatchID, b.Mismatch),
			Details: map[string]any{
				"batch_id": b.BatchID,
				"mismatch": b.Mismatch,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
