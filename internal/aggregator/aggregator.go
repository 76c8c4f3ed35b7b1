// Package aggregator submits record batches to the classifier, collects the
// three stages' traces, and reports on the batch as a whole.
package aggregator

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/stage"
	"github.com/sells-group/triage-loop/internal/transport"
)

// idsPerQuery bounds the record ids sent in one trace query.
const idsPerQuery = 100

// Options tunes a batch run.
type Options struct {
	Deadline       time.Duration
	PollInterval   time.Duration
	RequireHealthy bool
	Archive        bool
}

// OptionsFromConfig maps the aggregator config section onto Options.
func OptionsFromConfig(cfg config.AggregatorConfig) Options {
	return Options{
		Deadline:       time.Duration(cfg.DeadlineSecs) * time.Second,
		PollInterval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		RequireHealthy: cfg.RequireHealthy,
		Archive:        cfg.Archive,
	}
}

func (o Options) withDefaults() Options {
	if o.Deadline <= 0 {
		o.Deadline = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

// Aggregator drives batches through the stages over the transport.
type Aggregator struct {
	client *transport.Client
	opts   Options
	log    *zap.Logger
}

// New creates an Aggregator that talks to the stages through client.
func New(client *transport.Client, opts Options) *Aggregator {
	return &Aggregator{
		client: client,
		opts:   opts.withDefaults(),
		log:    zap.L().With(zap.String("component", "aggregator")),
	}
}

// CheckHealth asks every stage for its health concurrently. The returned
// error lists the stages that are unreachable or not ready.
func (a *Aggregator) CheckHealth(ctx context.Context) (map[model.StageName]StageHealth, error) {
	var (
		mu  sync.Mutex
		out = make(map[model.StageName]StageHealth, len(model.Stages))
	)

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range model.Stages {
		g.Go(func() error {
			resp, err := a.client.Health(gCtx, name)
			h := StageHealth{Ready: err == nil && resp.Ready, Version: resp.Version}
			if err != nil {
				h.Error = err.Error()
			}
			mu.Lock()
			out[name] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var down []string
	for _, name := range model.Stages {
		if !out[name].Ready {
			down = append(down, string(name))
		}
	}
	if len(down) > 0 {
		return out, eris.Errorf("aggregator: stages not ready: %v", down)
	}
	return out, nil
}

// RunBatch submits records to the classifier and polls all three stages
// until every record is terminal or the deadline passes. It returns a
// summary even when the stages are unreachable: those records are
// INCOMPLETE. The error is reserved for an empty batch.
func (a *Aggregator) RunBatch(ctx context.Context, records []model.Record) (*WorkflowSummary, error) {
	if len(records) == 0 {
		return nil, eris.New("aggregator: empty batch")
	}

	started := time.Now().UTC()
	batchID := uuid.NewString()
	log := a.log.With(zap.String("batch_id", batchID), zap.Int("records", len(records)))

	health, err := a.CheckHealth(ctx)
	if err != nil {
		log.Warn("health check failed", zap.Error(err))
		if a.opts.RequireHealthy {
			return a.finish(batchID, started, len(records), nil, health, err.Error()), nil
		}
	}

	var ing stage.IngestResponse
	if err := a.client.Post(ctx, model.StageClassifier, stage.RouteRecords, stage.IngestRequest{BatchID: batchID, Records: records}, &ing); err != nil {
		log.Error("batch submit failed", zap.Error(err))
		return a.finish(batchID, started, len(records), nil, health, "submit: "+err.Error()), nil
	}
	log.Info("batch submitted", zap.Int("accepted", len(ing.RecordIDs)))

	views := a.collect(ctx, ing.RecordIDs)

	summary := a.finish(batchID, started, len(records), views, health, "")
	if a.opts.Archive {
		summary.Archived = a.archive(ctx, views)
	}

	log.Info("batch finished",
		zap.Int("completed", summary.Buckets.Completed),
		zap.Int("local_only", summary.Buckets.LocalOnly),
		zap.Int("failed", summary.Buckets.Failed),
		zap.Int("incomplete", summary.Buckets.Incomplete),
		zap.Bool("reconciled", summary.Reconciliation.Reconciled),
	)
	return summary, nil
}

func (a *Aggregator) finish(batchID string, started time.Time, submitted int, views []RecordView, health map[model.StageName]StageHealth, aborted string) *WorkflowSummary {
	s := Summarize(submitted, views)
	s.BatchID = batchID
	s.Health = health
	s.Aborted = aborted
	s.StartedAt = started
	s.FinishedAt = time.Now().UTC()
	return s
}

// collect polls until every view is terminal or the deadline passes, and
// returns the latest merged views in submission order. A stage that cannot
// be reached keeps its last known traces. Records still waiting on a late
// report at the deadline are FAILED.
func (a *Aggregator) collect(ctx context.Context, ids []string) []RecordView {
	pollCtx, cancel := context.WithTimeout(ctx, a.opts.Deadline)
	defer cancel()

	known := make(map[model.StageName]map[string]*model.WorkflowTrace, len(model.Stages))

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		for _, name := range model.Stages {
			traces, err := a.fetchTraces(pollCtx, name, ids)
			if err != nil {
				a.log.Warn("poll failed", zap.String("stage", string(name)), zap.Int("round", round), zap.Error(err))
				continue
			}
			known[name] = traces
		}
		views := mergeViews(ids, known)

		pending := 0
		for _, v := range views {
			if !v.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return views
		}
		a.log.Debug("records still in flight", zap.Int("round", round), zap.Int("pending", pending))

		select {
		case <-pollCtx.Done():
			a.log.Warn("deadline reached with records in flight",
				zap.Int("pending", pending),
				zap.Duration("deadline", a.opts.Deadline),
			)
			for i := range views {
				views[i].expireLateReport()
			}
			return views
		case <-ticker.C:
		}
	}
}

func mergeViews(ids []string, known map[model.StageName]map[string]*model.WorkflowTrace) []RecordView {
	views := make([]RecordView, len(ids))
	for i, id := range ids {
		views[i] = Merge(id,
			known[model.StageClassifier][id],
			known[model.StageDiagnosis][id],
			known[model.StageRemediation][id],
		)
	}
	return views
}

func (a *Aggregator) fetchTraces(ctx context.Context, name model.StageName, ids []string) (map[string]*model.WorkflowTrace, error) {
	out := make(map[string]*model.WorkflowTrace, len(ids))
	for start := 0; start < len(ids); start += idsPerQuery {
		end := min(start+idsPerQuery, len(ids))

		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("id", id)
		}
		var resp stage.TracesResponse
		if err := a.client.Get(ctx, name, stage.RouteTraces+"?"+q.Encode(), &resp); err != nil {
			return nil, eris.Wrapf(err, "aggregator: fetch %s traces", name)
		}
		for _, t := range resp.Traces {
			out[t.RecordID] = t
		}
	}
	return out, nil
}

// archive marks collected records archived on every stage whose trace for
// them has settled. Failures are logged and leave traces visible.
func (a *Aggregator) archive(ctx context.Context, views []RecordView) map[model.StageName]int {
	out := make(map[model.StageName]int, len(model.Stages))
	for _, name := range model.Stages {
		var ids []string
		for _, v := range views {
			if !v.Terminal() {
				continue
			}
			if t := v.trace(name); t != nil && t.Status.SettledAt(name) {
				ids = append(ids, v.RecordID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		var resp stage.ArchiveResponse
		if err := a.client.Post(ctx, name, stage.RouteArchive, stage.ArchiveRequest{RecordIDs: ids}, &resp); err != nil {
			a.log.Warn("archive failed", zap.String("stage", string(name)), zap.Error(err))
			continue
		}
		out[name] = resp.Archived
	}
	return out
}

func (v RecordView) trace(name model.StageName) *model.WorkflowTrace {
	switch name {
	case model.StageClassifier:
		return v.Classifier
	case model.StageDiagnosis:
		return v.Diagnosis
	case model.StageRemediation:
		return v.Remediation
	}
	return nil
}
