package stage

import (
	"context"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

// Diagnosis explains escalated records and forwards them to remediation.
type Diagnosis struct {
	base
	diagnoser scorer.Diagnoser
}

// NewDiagnosis creates the diagnosis stage.
func NewDiagnosis(st store.Store, d scorer.Diagnoser, client *transport.Client, opts Options) *Diagnosis {
	return &Diagnosis{base: newBase(model.StageDiagnosis, st, client, opts), diagnoser: d}
}

// Accept takes a record from the classifier. A record already held by the
// stage is acknowledged as a duplicate and not processed again.
func (d *Diagnosis) Accept(ctx context.Context, env model.Envelope) (model.Ack, error) {
	if env.OriginatingStage != model.StageClassifier {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "diagnosis request %s from %s", env.RecordID, env.OriginatingStage)
	}
	var req model.DiagnosisRequest
	if err := env.Decode(&req); err != nil {
		return model.Ack{}, err
	}
	if err := env.CheckEcho(req.Record.ID); err != nil {
		return model.Ack{}, err
	}
	if req.Record.Severity == "" {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "record %s has no severity", env.RecordID)
	}
	if got := hopStages(env.Hops); !slices.Equal(got, []model.StageName{model.StageClassifier}) {
		return model.Ack{}, eris.Wrapf(model.ErrProtocol, "record %s arrived with hops %v", env.RecordID, got)
	}

	tr := model.NewTrace(d.name, req.Record)
	tr.Hops = append([]model.Hop(nil), env.Hops...)
	tr.LastAttempt = env.AttemptNumber
	stored, created, err := d.tracker.CreateIfAbsent(ctx, tr)
	if err != nil {
		return model.Ack{}, err
	}
	if !created {
		d.log.Info("duplicate record acknowledged", zap.String("record_id", env.RecordID), zap.Int("attempt", env.AttemptNumber))
		return model.Ack{RecordID: env.RecordID, Stage: d.name, Status: stored.Status, Duplicate: true}, nil
	}

	id := env.RecordID
	if !d.pool.Go(func(ctx context.Context) { d.process(ctx, id) }) {
		return model.Ack{}, eris.New("diagnosis: shutting down")
	}
	return model.Ack{RecordID: id, Stage: d.name, Status: stored.Status}, nil
}

func (d *Diagnosis) process(ctx context.Context, id string) {
	log := d.log.With(zap.String("record_id", id))

	tr, err := d.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		return t.Transition(model.TraceStatusInDiagnosis)
	})
	if err != nil {
		log.Error("start diagnosis", zap.Error(err))
		return
	}

	diag, err := scorerCall(ctx, d.opts, d.name, "diagnose", id, func(ctx context.Context) (model.Diagnosis, error) {
		return d.diagnoser.Diagnose(ctx, tr.Record, tr.Record.Severity)
	})
	if ctx.Err() != nil {
		return
	}
	outcome := "diagnosed"
	if err != nil {
		log.Warn("diagnosis unavailable, forwarding degraded", zap.Error(err))
		diag = model.UnavailableDiagnosis(err.Error())
		outcome = "diagnosis_unavailable"
	}

	tr, err = d.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		t.Diagnosis = &diag
		t.AppendHop(model.Hop{Stage: d.name, Outcome: outcome, Remote: true, Attempt: t.LastAttempt})
		return nil
	})
	if err != nil {
		log.Error("record diagnosis", zap.Error(err))
		return
	}

	env, err := model.NewEnvelope(id, d.name, tr.CopyHops(), model.RemediationRequest{Record: tr.Record, Diagnosis: diag})
	if err != nil {
		d.giveUp(ctx, tr, model.FailureProtocol, err)
		return
	}
	var ack model.Ack
	if err := d.client.Call(ctx, model.StageRemediation, RouteRemedy, env, &ack); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("forward to remediation failed", zap.Error(err))
		d.giveUp(ctx, tr, failureKind(err), err)
		return
	}

	_, err = d.tracker.Update(ctx, id, func(t *model.WorkflowTrace) error {
		t.Forwarded = true
		return t.Transition(model.TraceStatusInRemediation)
	})
	if err != nil {
		log.Error("mark forwarded", zap.Error(err))
		return
	}
	log.Info("record forwarded to remediation", zap.Bool("degraded", diag.Degraded()))
}

// giveUp fails the local trace and tells the classifier so the record does
// not stay in flight there.
func (d *Diagnosis) giveUp(ctx context.Context, tr *model.WorkflowTrace, kind string, cause error) {
	log := d.log.With(zap.String("record_id", tr.RecordID))

	_, err := d.tracker.Update(ctx, tr.RecordID, func(t *model.WorkflowTrace) error {
		if !t.Fail(kind, cause.Error()) {
			return errNoChange
		}
		t.LastAttempt = attemptsOf(cause)
		return nil
	})
	if err != nil {
		log.Error("mark trace failed", zap.Error(err))
	}

	notice := model.FailureNotice{RecordID: tr.RecordID, Stage: d.name, Kind: kind, Reason: cause.Error()}
	env, err := model.NewEnvelope(tr.RecordID, d.name, tr.CopyHops(), notice)
	if err != nil {
		log.Error("build failure notice", zap.Error(err))
		return
	}
	var ack model.Ack
	if err := d.client.Call(ctx, model.StageClassifier, RouteFailures, env, &ack); err != nil {
		log.Error("failure notice undelivered", zap.Error(err))
	}
}

// Skills lists the diagnosis stage's capabilities for its agent card.
func (d *Diagnosis) Skills() []Skill {
	return []Skill{
		{ID: "diagnose", Name: "Diagnose escalated failures", Description: "Explains MEDIUM and higher records and recommends remediation actions."},
	}
}

// Register mounts the diagnosis stage's routes.
func (d *Diagnosis) Register(r chi.Router) {
	r.Post(RouteDiagnose, envelopeHandler(d.log, d.opts.MaxBodyBytes, d.Accept))
}
