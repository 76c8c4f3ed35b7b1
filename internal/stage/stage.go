// Package stage implements the three services of the triage loop. Each stage
// keeps its own trace store, accepts envelopes over HTTP and hands records
// to its successor through the transport client.
package stage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// Routes served by the stages.
const (
	RouteRecords  = "/v1/records"
	RouteDiagnose = "/v1/diagnose"
	RouteRemedy   = "/v1/remediate"
	RouteReports  = "/v1/reports"
	RouteFailures = "/v1/failures"
	RouteTraces   = "/v1/traces"
	RouteArchive  = "/v1/traces/archive"
	RouteStats    = "/v1/stats"
	RouteReplay   = "/v1/outbox/replay"
	RouteHealth   = "/health"
	RouteCard     = "/.well-known/agent-card.json"
)

// Options tunes the background work of a stage.
type Options struct {
	Workers          int
	ScorerRetry      resilience.RetryConfig
	ScorerTimeout    time.Duration
	MaxBodyBytes     int64
	ReplayInterval   time.Duration
	MaxReplays       int
	TransportRetries int
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:          cfg.Classifier.Workers,
		ScorerRetry:      resilience.FromRetryConfig(cfg.Scorer.Retry),
		ScorerTimeout:    time.Duration(cfg.Scorer.TimeoutSecs) * time.Second,
		MaxBodyBytes:     cfg.Transport.MaxResponseBytes,
		ReplayInterval:   time.Duration(cfg.Remediation.ReplayIntervalSecs) * time.Second,
		MaxReplays:       cfg.Remediation.MaxReplays,
		TransportRetries: cfg.Transport.Retry.MaxAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.ReplayInterval <= 0 {
		o.ReplayInterval = 30 * time.Second
	}
	if o.MaxReplays <= 0 {
		o.MaxReplays = 10
	}
	if o.TransportRetries <= 0 {
		o.TransportRetries = 3
	}
	return o
}

// Stats is the body of GET /v1/stats.
type Stats struct {
	Stage    model.StageName           `json:"stage"`
	Counts   map[model.TraceStatus]int `json:"counts"`
	DLQDepth int                       `json:"dlq_depth"`
	Breakers map[string]string         `json:"breakers,omitempty"`
}

// base carries what every stage shares.
type base struct {
	name    model.StageName
	store   store.Store
	tracker *Tracker
	client  *transport.Client
	pool    *pool
	opts    Options
	log     *zap.Logger
}

func newBase(name model.StageName, st store.Store, client *transport.Client, opts Options) base {
	opts = opts.withDefaults()
	return base{
		name:    name,
		store:   st,
		tracker: NewTracker(name, st),
		client:  client,
		pool:    newPool(opts.Workers),
		opts:    opts,
		log:     zap.L().With(zap.String("component", "stage"), zap.String("stage", string(name))),
	}
}

// Name returns the stage name.
func (b *base) Name() model.StageName { return b.name }

// Tracker returns the stage's trace tracker.
func (b *base) Tracker() *Tracker { return b.tracker }

// Ready reports whether the stage's store answers.
func (b *base) Ready(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// Stats snapshots trace counts, outbox depth and circuit states.
func (b *base) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.tracker.Counts(ctx, time.Time{})
	if err != nil {
		return Stats{}, err
	}
	depth, err := b.store.CountDLQ(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Stage: b.name, Counts: counts, DLQDepth: depth}
	if b.client != nil {
		out.Breakers = b.client.BreakerStates()
	}
	return out, nil
}

// Shutdown waits for in-flight records until ctx expires, then cancels them.
func (b *base) Shutdown(ctx context.Context) error {
	return b.pool.shutdown(ctx)
}

// scorerCall runs fn under the scorer retry policy with a per-call timeout.
func scorerCall[T any](ctx context.Context, o Options, stage model.StageName, op, recordID string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := o.ScorerRetry
	retry.OnRetry = resilience.RetryLogger(string(stage), op, zap.String("record_id", recordID))
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		if o.ScorerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.ScorerTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// failureKind maps a transport failure onto the kind recorded on the trace.
func failureKind(err error) string {
	switch transport.KindOf(err) {
	case transport.KindTimeout:
		return model.FailureTransportTimeout
	case transport.KindMalformed:
		return model.FailureProtocol
	case transport.KindBusiness:
		return model.FailureDownstream
	}
	return model.FailureTransport
}

// attemptsOf returns how many sends a failed call made.
func attemptsOf(err error) int {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Attempts
	}
	return 0
}
