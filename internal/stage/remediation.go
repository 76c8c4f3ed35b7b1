package stage

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// Remediation runs corrective actions for diagnosed records and reports the
// outcome back to the classifier. Reports that cannot be delivered are kept
// in the outbox and replayed.
type Remediation struct {
	base
	actuator scorer.Actuator
}

// NewRemediation creates the remediation stage.
func NewRemediation(st store.Store, a scorer.Actuator, client *transport.Client, opts Options) *Remediation {
	return &Remediation{base: newBase(model.StageRemediation, st, client, opts), actuator: a}
}

// Accept takes a diagnosed record. A record already held by the stage is
// acknowledged as a duplicate and not processed again.
func (m *Remediation) Accept(ctx context.Context, env model.Envelope) (model.Ack, error) {
	if env.OriginatingStage != model.StageDiagnosis {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "remediation request %s from %s", env.RecordID, env.OriginatingStage)
	}
	var req model.RemediationRequest
	if err := env.Decode(&req); err != nil {
		return model.Ack{}, err
	}
	if err := env.CheckEcho(req.Record.ID); err != nil {
		return model.Ack{}, err
	}
	want := []model.StageName{model.StageClassifier, model.StageDiagnosis}
	if got := hopStages(env.Hops); !slices.Equal(got, want) {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "record %s arrived with hops %v", env.RecordID, got)
	}

	tr := model.NewTrace(m.name, req.Record)
	diag := req.Diagnosis.Clone()
	tr.Diagnosis = &diag
	tr.Hops = append([]model.Hop(nil), env.Hops...)
	tr.LastAttempt = env.AttemptNumber
	stored, created, err := m.tracker.CreateIfAbsent(ctx, tr)
	if err != nil {
		return model.Ack{}, err
	}
	if !created {
		m.log.Info("duplicate record acknowledged", zap.String("record_id", env.RecordID), zap.Int("attempt", env.AttemptNumber))
		return model.Ack{RecordID: env.RecordID, Stage: m.name, Status: stored.Status, Duplicate: true}, nil
	}

	id := env.RecordID
	if !m.pool.Go(func(ctx context.Context) { m.process(ctx, id) }) {
		return model.Ack{}, eris.New("remediation: shutting down")
	}
	return model.Ack{RecordID: id, Stage: m.name, Status: stored.Status}, nil
}

func (m *Remediation) process(ctx context.Context, id string) {
	log := m.log.With(zap.String("record_id", id))

	tr, err := m.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		return t.Transition(model.TraceStatusInRemediation)
	})
	if err != nil {
		log.Error("start remediation", zap.Error(err))
		return
	}
	var diag model.Diagnosis
	if tr.Diagnosis != nil {
		diag = *tr.Diagnosis
	}

	report, err := scorerCall(ctx, m.opts, m.name, "remediate", id, func(ctx context.Context) (model.RemediationReport, error) {
		return m.actuator.Remediate(ctx, tr.Record, diag)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("remediation failed", zap.Error(err))
		report = failedReport(tr.Record, err)
	}
	report.RecordID = id

	tr, err = m.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		t.Report = &report
		t.AppendHop(model.Hop{
			Stage:   m.name,
			Outcome: "remediated:" + string(report.Status),
			Remote:  true,
			Attempt: t.LastAttempt,
		})
		return nil
	})
	if err != nil {
		log.Error("record remediation", zap.Error(err))
		return
	}
	m.sendReport(ctx, tr)
}

func failedReport(rec model.Record, cause error) model.RemediationReport {
	return model.RemediationReport{
		RecordID:     rec.ID,
		Status:       model.RemediationFailed,
		ActionsTaken: []string{},
		Summary:      "remediation failed: " + cause.Error(),
		DeviceType:   rec.DeviceType,
		CompletedAt:  time.Now().UTC(),
	}
}

// sendReport delivers the report to the classifier. A retryable failure
// parks the envelope in the outbox; anything else fails the trace.
func (m *Remediation) sendReport(ctx context.Context, tr *model.WorkflowTrace) {
	log := m.log.With(zap.String("record_id", tr.RecordID))

	env, err := model.NewEnvelope(tr.RecordID, m.name, tr.CopyHops(), model.ReportDelivery{Report: *tr.Report})
	if err != nil {
		m.failTrace(ctx, tr.RecordID, model.FailureProtocol, err)
		return
	}

	var ack model.Ack
	err = m.client.Call(ctx, model.StageClassifier, RouteReports, env, &ack)
	if err == nil {
		m.delivered(ctx, tr.RecordID, ack)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !transport.KindOf(err).Retryable() {
		log.Error("report rejected", zap.Error(err))
		m.failTrace(ctx, tr.RecordID, failureKind(err), err)
		return
	}

	attempts := attemptsOf(err)
	entry := resilience.NewDLQEntry(model.StageClassifier, RouteReports, env.WithAttempt(attempts+1), err, m.opts.MaxReplays, m.opts.ReplayInterval)
	if qerr := m.store.EnqueueDLQ(ctx, entry); qerr != nil {
		log.Error("report lost: outbox write failed", zap.Error(qerr), zap.NamedError("send_error", err))
		m.failTrace(ctx, tr.RecordID, failureKind(err), err)
		return
	}
	_, uerr := m.tracker.Update(ctx, tr.RecordID, func(t *model.WorkflowTrace) error {
		t.LastAttempt = attempts
		return nil
	})
	if uerr != nil {
		log.Error("record send attempts", zap.Error(uerr))
	}
	log.Error("report undeliverable, saved to outbox",
		zap.String("dlq_id", entry.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_retry_at", entry.NextRetryAt),
		zap.Error(err),
	)
}

func (m *Remediation) delivered(ctx context.Context, id string, ack model.Ack) {
	_, err := m.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		t.Forwarded = true
		return t.Transition(model.TraceStatusCompleted)
	})
	if err != nil {
		m.log.Error("mark report delivered", zap.String("record_id", id), zap.Error(err))
		return
	}
	m.log.Info("report delivered",
		zap.String("record_id", id),
		zap.String("classifier_status", string(ack.Status)),
		zap.Bool("duplicate", ack.Duplicate),
	)
}

func (m *Remediation) failTrace(ctx context.Context, id, kind string, cause error) {
	_, err := m.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		if !t.Fail(kind, cause.Error()) {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		m.log.Error("mark trace failed", zap.String("record_id", id), zap.Error(err))
	}
}

// ReplayResult summarizes one outbox sweep.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// ReplayOutbox re-sends every outbox entry that is due. Delivered entries
// are removed. Entries rejected as non-retryable are removed and their trace
// failed. Other failures are rescheduled with backoff until MaxReplays.
func (m *Remediation) ReplayOutbox(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	entries, err := m.store.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: time.Now().UTC(), Limit: 100})
	if err != nil {
		return res, eris.Wrap(err, "remediation: dequeue outbox")
	}

	backoff := resilience.RetryConfig{
		InitialBackoff: m.opts.ReplayInterval,
		MaxBackoff:     m.opts.ReplayInterval * 16,
		Multiplier:     2,
	}
	for _, e := range entries {
		if e.Target != model.StageClassifier || e.Route != RouteReports {
			continue
		}
		res.Attempted++
		log := m.log.With(zap.String("record_id", e.RecordID), zap.String("dlq_id", e.ID), zap.Int("replay", e.RetryCount+1))

		// Each replay continues the attempt numbering of the original hop.
		env := e.Envelope.WithAttempt(e.Envelope.AttemptNumber + e.RetryCount*m.opts.TransportRetries)
		var ack model.Ack
		err := m.client.Call(ctx, e.Target, e.Route, env, &ack)
		switch {
		case err == nil:
			if rerr := m.store.RemoveDLQ(ctx, e.ID); rerr != nil {
				return res, eris.Wrapf(rerr, "remediation: remove outbox entry %s", e.ID)
			}
			m.delivered(ctx, e.RecordID, ack)
			res.Delivered++
		case !transport.KindOf(err).Retryable():
			log.Error("replayed report rejected", zap.Error(err))
			if rerr := m.store.RemoveDLQ(ctx, e.ID); rerr != nil {
				return res, eris.Wrapf(rerr, "remediation: remove outbox entry %s", e.ID)
			}
			m.failTrace(ctx, e.RecordID, failureKind(err), err)
			res.Dropped++
		default:
			next := time.Now().UTC().Add(resilience.Backoff(e.RetryCount, backoff))
			if ierr := m.store.IncrementDLQRetry(ctx, e.ID, next, err.Error()); ierr != nil {
				return res, eris.Wrapf(ierr, "remediation: reschedule outbox entry %s", e.ID)
			}
			if e.RetryCount+1 >= e.MaxRetries {
				log.Error("report replays exhausted, kept in outbox", zap.Error(err))
			} else {
				log.Warn("report replay failed", zap.Time("next_retry_at", next), zap.Error(err))
			}
			res.Failed++
		}
	}

	depth, err := m.store.CountDLQ(ctx)
	if err != nil {
		return res, eris.Wrap(err, "remediation: count outbox")
	}
	res.Remaining = depth
	return res, nil
}

// RunReplayLoop sweeps the outbox every interval until ctx is done.
func (m *Remediation) RunReplayLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.ReplayOutbox(ctx)
			if err != nil {
				m.log.Error("outbox replay", zap.Error(err))
				continue
			}
			if res.Attempted > 0 {
				m.log.Info("outbox replayed",
					zap.Int("attempted", res.Attempted),
					zap.Int("delivered", res.Delivered),
					zap.Int("failed", res.Failed),
					zap.Int("remaining", res.Remaining),
				)
			}
		}
	}
}

// Skills lists the remediation stage's capabilities for its agent card.
func (m *Remediation) Skills() []Skill {
	return []Skill{
		{ID: "remediate", Name: "Remediate diagnosed failures", Description: "Runs corrective actions and reports SUCCESS, PARTIAL or FAILED back to the classifier."},
	}
}

// Register mounts the remediation stage's routes.
func (m *Remediation) Register(r chi.Router) {
	r.Post(RouteRemedy, envelopeHandler(m.log, m.opts.MaxBodyBytes, m.Accept))
	r.Post(RouteReplay, m.handleReplay)
}

func (m *Remediation) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := m.ReplayOutbox(r.Context())
	if err != nil {
		writeStageErr(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, res)
}
