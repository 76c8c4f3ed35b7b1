package stage

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// reportHopStages is the hop sequence a report must carry on arrival.
var reportHopStages = []model.StageName{model.StageClassifier, model.StageDiagnosis, model.StageRemediation}

// Classifier ingests records, assigns severity and escalates everything
// above LOW to the diagnosis stage. It closes the loop when the report
// comes back.
type Classifier struct {
	base
	scorer scorer.Classifier
}

// NewClassifier creates the classifier stage.
func NewClassifier(st store.Store, sc scorer.Classifier, client *transport.Client, opts Options) *Classifier {
	return &Classifier{base: newBase(model.StageClassifier, st, client, opts), scorer: sc}
}

// IngestRequest is the body of POST /v1/records. A request resent with the
// same BatchID maps onto the records of the first delivery.
type IngestRequest struct {
	BatchID string         `json:"batch_id,omitempty"`
	Records []model.Record `json:"records"`
}

// IngestResponse lists the ids assigned to an ingested batch, in order.
type IngestResponse struct {
	RecordIDs []string `json:"record_ids"`
}

// batchNamespace scopes record ids derived from a batch id.
var batchNamespace = uuid.MustParse("5b0c2f64-8f1e-4f0a-9a53-2f7d5a6c1e90")

// batchRecordID is the id of the i-th record of batchID.
func batchRecordID(batchID string, i int) string {
	return uuid.NewSHA1(batchNamespace, []byte(batchID+"/"+strconv.Itoa(i))).String()
}

// Ingest ingests records as a batch without a batch id: every call creates
// new records.
func (c *Classifier) Ingest(ctx context.Context, records []model.Record) ([]string, error) {
	return c.IngestBatch(ctx, "", records)
}

// IngestBatch assigns every record an id, stores a PENDING trace for it and
// queues classification. It returns without waiting for any record to be
// classified. Ids supplied by the caller are replaced.
//
// With a batch id the record ids are derived from it, so a resent batch
// returns the same ids and creates no new traces. Traces are all created
// before any is queued; if one cannot be created, the ones this call did
// create are failed and nothing is queued.
func (c *Classifier) IngestBatch(ctx context.Context, batchID string, records []model.Record) ([]string, error) {
	if !c.pool.accepting() {
		return nil, eris.New("classifier: shutting down")
	}

	ids := make([]string, len(records))
	var created, queue []string
	for i, in := range records {
		rec := in.Clone()
		rec.ID = uuid.NewString()
		if batchID != "" {
			rec.ID = batchRecordID(batchID, i)
		}
		rec.Severity = ""
		if !rec.DeviceType.Valid() {
			rec.DeviceType = model.DetectDeviceType(rec.RawFields)
		}

		stored, isNew, err := c.tracker.CreateIfAbsent(ctx, model.NewTrace(c.name, rec))
		if err != nil {
			c.abort(ctx, created, err)
			return nil, eris.Wrapf(err, "classifier: create trace for record %d", i)
		}
		ids[i] = rec.ID
		if isNew {
			created = append(created, rec.ID)
		}
		if stored.Status == model.TraceStatusPending {
			queue = append(queue, rec.ID)
		}
	}

	for _, id := range queue {
		if !c.pool.Go(func(ctx context.Context) { c.process(ctx, id) }) {
			c.fail(context.WithoutCancel(ctx), id, model.FailureAborted, "classifier shut down before classification", 0)
		}
	}
	c.log.Info("batch ingested",
		zap.String("batch_id", batchID),
		zap.Int("records", len(ids)),
		zap.Int("new", len(created)),
	)
	return ids, nil
}

// abort fails the traces created by an ingest that could not finish.
func (c *Classifier) abort(ctx context.Context, ids []string, cause error) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		c.fail(ctx, id, model.FailureAborted, "batch ingest aborted: "+cause.Error(), 0)
	}
}

// process classifies a PENDING record and routes it. A record that is no
// longer PENDING was handled by an earlier delivery of its batch.
func (c *Classifier) process(ctx context.Context, id string) {
	log := c.log.With(zap.String("record_id", id))

	tr, err := c.tracker.Get(ctx, id)
	if err != nil {
		log.Error("load trace", zap.Error(err))
		return
	}
	if tr.Status != model.TraceStatusPending {
		return
	}

	sev, err := scorerCall(ctx, c.opts, c.name, "classify", id, func(ctx context.Context) (model.Severity, error) {
		return c.scorer.Score(ctx, tr.Record)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("classification failed, routing as HIGH", zap.Error(err))
		sev = model.SeverityUnknown
	}

	applied := false
	tr, err = c.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		if t.Status != model.TraceStatusPending {
			return errNoChange
		}
		applied = true
		t.Record.Severity = sev
		t.AppendHop(model.Hop{Stage: c.name, Outcome: "classified:" + string(sev)})
		if !sev.Escalates() {
			return t.Transition(model.TraceStatusLocalOnly)
		}
		return t.Transition(model.TraceStatusInDiagnosis)
	})
	if err != nil {
		log.Error("record classification", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	log.Info("record classified", zap.String("severity", string(sev)), zap.String("status", string(tr.Status)))
	if !sev.Escalates() {
		return
	}
	c.forward(ctx, tr)
}

// forward hands an escalated record to the diagnosis stage. An exhausted
// forward fails the trace with the kind of the last error.
func (c *Classifier) forward(ctx context.Context, tr *model.WorkflowTrace) {
	log := c.log.With(zap.String("record_id", tr.RecordID))

	env, err := model.NewEnvelope(tr.RecordID, c.name, tr.CopyHops(), model.DiagnosisRequest{Record: tr.Record})
	if err != nil {
		c.fail(ctx, tr.RecordID, model.FailureProtocol, err.Error(), 0)
		return
	}

	var ack model.Ack
	err = c.client.Call(ctx, model.StageDiagnosis, RouteDiagnose, env, &ack)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("forward to diagnosis failed", zap.Error(err))
		c.fail(ctx, tr.RecordID, failureKind(err), err.Error(), attemptsOf(err))
		return
	}

	_, err = c.tracker.Update(ctx, tr.RecordID, func(t *model.WorkflowTrace) error {
		t.Forwarded = true
		return nil
	})
	if err != nil {
		log.Error("mark forwarded", zap.Error(err))
	}
}

func (c *Classifier) fail(ctx context.Context, id, kind, reason string, attempts int) {
	_, err := c.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		if !t.Fail(kind, reason) {
			return errNoChange
		}
		if attempts > 0 {
			t.LastAttempt = attempts
		}
		return nil
	})
	if err != nil {
		c.log.Error("mark trace failed", zap.String("record_id", id), zap.Error(err))
	}
}

// ReceiveReport closes the loop for a record. A repeated report for a
// COMPLETED trace is acknowledged without change. A report whose hops are
// out of order fails the trace. A report for a trace that failed on a
// forward timeout completes it late.
func (c *Classifier) ReceiveReport(ctx context.Context, env model.Envelope) (model.Ack, error) {
	if env.OriginatingStage != model.StageRemediation {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "report %s from %s", env.RecordID, env.OriginatingStage)
	}
	var rd model.ReportDelivery
	if err := env.Decode(&rd); err != nil {
		return model.Ack{}, err
	}
	if err := env.CheckEcho(rd.Report.RecordID); err != nil {
		return model.Ack{}, err
	}

	dup := false
	tr, err := c.tracker.Update(ctx, env.RecordID, func(t *model.WorkflowTrace) error {
		switch {
		case t.Status == model.TraceStatusCompleted:
			dup = true
			return errNoChange
		case t.Status.Terminal() && !t.LateCompletionAllowed():
			return eris.Wrapf(model.ErrProtocol, "report for %s trace %s", t.Status, t.RecordID)
		}

		got := hopStages(env.Hops)
		if !slices.Equal(got, reportHopStages) || len(t.Hops) == 0 {
			t.Fail(model.FailureProtocol, fmt.Sprintf("report hops %v out of order", got))
			return nil
		}
		for _, h := range env.Hops[1:] {
			t.AppendHop(h)
		}
		t.AppendHop(model.Hop{
			Stage:   c.name,
			Outcome: "report:" + string(rd.Report.Status),
			Remote:  true,
			Attempt: env.AttemptNumber,
		})
		t.LastAttempt = env.AttemptNumber
		return t.Complete(rd.Report)
	})
	if err != nil {
		return model.Ack{}, err
	}

	log := c.log.With(zap.String("record_id", env.RecordID), zap.Int("attempt", env.AttemptNumber))
	switch {
	case dup:
		log.Info("duplicate report ignored")
	case tr.Status == model.TraceStatusFailed:
		log.Warn("report rejected", zap.String("reason", tr.FailureReason))
	default:
		log.Info("loop closed", zap.String("remediation_status", string(rd.Report.Status)))
	}
	return model.Ack{RecordID: env.RecordID, Stage: c.name, Status: tr.Status, Duplicate: dup}, nil
}

// ReceiveFailure records that a downstream stage gave up on a record. A
// notice caused by a forward timeout leaves the trace open to a late report,
// since the next stage may have received the record after all.
func (c *Classifier) ReceiveFailure(ctx context.Context, env model.Envelope) (model.Ack, error) {
	if env.OriginatingStage == model.StageClassifier {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "failure notice %s from classifier", env.RecordID)
	}
	var notice model.FailureNotice
	if err := env.Decode(&notice); err != nil {
		return model.Ack{}, err
	}
	if err := env.CheckEcho(notice.RecordID); err != nil {
		return model.Ack{}, err
	}

	kind := model.FailureDownstream
	if notice.Kind == model.FailureTransportTimeout {
		kind = model.FailureTransportTimeout
	}
	reason := fmt.Sprintf("%s: %s", notice.Stage, notice.Reason)
	if notice.Kind != "" {
		reason = fmt.Sprintf("%s: %s: %s", notice.Stage, notice.Kind, notice.Reason)
	}

	tr, err := c.tracker.Update(ctx, env.RecordID, func(t *model.WorkflowTrace) error {
		switch {
		case t.Fail(kind, reason):
			return nil
		case t.LateCompletionAllowed() && kind != model.FailureTransportTimeout:
			// The record did reach the next stage, which then gave up on it.
			t.FailureKind = kind
			t.FailureReason = reason
			return nil
		}
		return errNoChange
	})
	if err != nil {
		return model.Ack{}, err
	}
	c.log.Warn("downstream failure",
		zap.String("record_id", env.RecordID),
		zap.String("from", string(notice.Stage)),
		zap.String("kind", kind),
		zap.String("reason", notice.Reason),
	)
	return model.Ack{RecordID: env.RecordID, Stage: c.name, Status: tr.Status}, nil
}

// Skills lists the classifier's capabilities for its agent card.
func (c *Classifier) Skills() []Skill {
	return []Skill{
		{ID: "classify", Name: "Classify device failures", Description: "Assigns LOW, MEDIUM, HIGH or CRITICAL severity and escalates everything above LOW."},
		{ID: "reports", Name: "Collect remediation reports", Description: "Closes the triage loop for escalated records."},
	}
}

// Register mounts the classifier's routes.
func (c *Classifier) Register(r chi.Router) {
	r.Post(RouteRecords, c.handleIngest)
	r.Post(RouteReports, envelopeHandler(c.log, c.opts.MaxBodyBytes, c.ReceiveReport))
	r.Post(RouteFailures, envelopeHandler(c.log, c.opts.MaxBodyBytes, c.ReceiveFailure))
}

func hopStages(hops []model.Hop) []model.StageName {
	out := make([]model.StageName, len(hops))
	for i, h := range hops {
		out[i] = h.Stage
	}
	return out
}
