package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/store"
)

// MetricsSnapshot holds a point-in-time view of one stage's health.
type MetricsSnapshot struct {
	Stage model.StageName `json:"stage"`

	// Trace metrics (within lookback window).
	TracesTotal     int     `json:"traces_total"`
	TracesLocalOnly int     `json:"traces_local_only"`
	TracesCompleted int     `json:"traces_completed"`
	TracesFailed    int     `json:"traces_failed"`
	TracesInFlight  int     `json:"traces_in_flight"`
	FailRate        float64 `json:"fail_rate"`

	// Outbox depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers a stage's metrics from its store.
type Collector struct {
	store store.Store
	stage model.StageName
}

// NewCollector creates a new metrics collector for stage.
func NewCollector(st store.Store, stage model.StageName) *Collector {
	return &Collector{store: st, stage: stage}
}

// Collect gathers a snapshot over the given lookback window. The fail rate is
// failed traces over terminal traces.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		Stage:         c.stage,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountByStatus(ctx, c.stage, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count traces")
	}

	for status, n := range counts {
		snap.TracesTotal += n
		switch status {
		case model.TraceStatusLocalOnly:
			snap.TracesLocalOnly += n
		case model.TraceStatusCompleted:
			snap.TracesCompleted += n
		case model.TraceStatusFailed:
			snap.TracesFailed += n
		default:
			snap.TracesInFlight += n
		}
	}
	if terminal := snap.terminal(); terminal > 0 {
		snap.FailRate = float64(snap.TracesFailed) / float64(terminal)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}

func (s *MetricsSnapshot) terminal() int {
	return s.TracesLocalOnly + s.TracesCompleted + s.TracesFailed
}
