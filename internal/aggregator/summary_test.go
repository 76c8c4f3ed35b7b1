package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/triage-loop/internal/model"
)

func traceWith(stage model.StageName, status model.TraceStatus, sev model.Severity) *model.WorkflowTrace {
	t := model.NewTrace(stage, model.Record{ID: "r1", Severity: sev})
	t.Status = status
	return t
}

// loopedTrace is a classifier trace that went around the whole loop.
func loopedTrace(sev model.Severity) *model.WorkflowTrace {
	t := traceWith(model.StageClassifier, model.TraceStatusCompleted, sev)
	t.AppendHop(model.Hop{Stage: model.StageClassifier, Outcome: "classified:" + string(sev)})
	t.AppendHop(model.Hop{Stage: model.StageDiagnosis, Outcome: "diagnosed", Remote: true})
	t.AppendHop(model.Hop{Stage: model.StageRemediation, Outcome: "remediated:SUCCESS", Remote: true})
	t.AppendHop(model.Hop{Stage: model.StageClassifier, Outcome: "report:SUCCESS", Remote: true})
	t.Report = &model.RemediationReport{RecordID: "r1", Status: model.RemediationSuccess}
	return t
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		c, d, r *model.WorkflowTrace
		want    Bucket
	}{
		{"no traces", nil, nil, nil, BucketIncomplete},
		{"classifier local", traceWith(model.StageClassifier, model.TraceStatusLocalOnly, model.SeverityLow), nil, nil, BucketLocalOnly},
		{"classifier completed", loopedTrace(model.SeverityHigh), traceWith(model.StageDiagnosis, model.TraceStatusInRemediation, ""), nil, BucketCompleted},
		{"in flight", traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityHigh), traceWith(model.StageDiagnosis, model.TraceStatusInDiagnosis, ""), nil, BucketIncomplete},
		{
			"failed downstream wins over in flight",
			traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityHigh),
			traceWith(model.StageDiagnosis, model.TraceStatusFailed, ""),
			nil,
			BucketFailed,
		},
		{
			"classifier terminal wins over downstream failure",
			loopedTrace(model.SeverityMedium),
			nil,
			traceWith(model.StageRemediation, model.TraceStatusFailed, ""),
			BucketCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Merge("r1", tt.c, tt.d, tt.r)
			assert.Equal(t, tt.want, v.Bucket)
			assert.Equal(t, tt.want != BucketIncomplete, v.Terminal())
		})
	}
}

func failedWith(stage model.StageName, kind string) *model.WorkflowTrace {
	t := traceWith(stage, model.TraceStatusFailed, model.SeverityHigh)
	t.FailureKind = kind
	return t
}

func TestMerge_LateReport(t *testing.T) {
	tests := []struct {
		name    string
		c, d, r *model.WorkflowTrace
		late    bool
	}{
		{"diagnosis may still receive it", failedWith(model.StageClassifier, model.FailureTransportTimeout), nil, nil, true},
		{"diagnosis working", failedWith(model.StageClassifier, model.FailureTransportTimeout), traceWith(model.StageDiagnosis, model.TraceStatusInDiagnosis, ""), nil, true},
		{
			"remediation working after its hop timed out",
			failedWith(model.StageClassifier, model.FailureTransportTimeout),
			failedWith(model.StageDiagnosis, model.FailureTransportTimeout),
			traceWith(model.StageRemediation, model.TraceStatusInRemediation, ""),
			true,
		},
		{
			"notice not yet received",
			traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityHigh),
			failedWith(model.StageDiagnosis, model.FailureTransportTimeout),
			nil,
			true,
		},
		{
			"report delivered, classifier view stale",
			failedWith(model.StageClassifier, model.FailureTransportTimeout),
			traceWith(model.StageDiagnosis, model.TraceStatusInRemediation, ""),
			traceWith(model.StageRemediation, model.TraceStatusCompleted, ""),
			true,
		},
		{"classifier failed downstream", failedWith(model.StageClassifier, model.FailureDownstream), failedWith(model.StageDiagnosis, model.FailureTransportTimeout), nil, false},
		{"diagnosis gave up", failedWith(model.StageClassifier, model.FailureTransportTimeout), failedWith(model.StageDiagnosis, model.FailureTransport), nil, false},
		{
			"remediation report rejected",
			failedWith(model.StageClassifier, model.FailureTransportTimeout),
			traceWith(model.StageDiagnosis, model.TraceStatusInRemediation, ""),
			failedWith(model.StageRemediation, model.FailureProtocol),
			false,
		},
		{"plain transport failure", failedWith(model.StageClassifier, model.FailureTransport), nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Merge("r1", tt.c, tt.d, tt.r)
			assert.Equal(t, tt.late, v.LateReport)
			if !tt.late {
				assert.Equal(t, BucketFailed, v.Bucket)
				return
			}
			assert.Equal(t, BucketIncomplete, v.Bucket)
			assert.False(t, v.Terminal())

			v.expireLateReport()
			assert.Equal(t, BucketFailed, v.Bucket)
		})
	}

	open := Merge("r1", traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityHigh), nil, nil)
	open.expireLateReport()
	assert.Equal(t, BucketIncomplete, open.Bucket)
}

func TestRecordView_CompleteFlow(t *testing.T) {
	assert.True(t, Merge("r1", loopedTrace(model.SeverityHigh), nil, nil).CompleteFlow())

	noReport := loopedTrace(model.SeverityHigh)
	noReport.Report = nil
	assert.False(t, Merge("r1", noReport, nil, nil).CompleteFlow())

	shortLoop := traceWith(model.StageClassifier, model.TraceStatusCompleted, model.SeverityHigh)
	shortLoop.AppendHop(model.Hop{Stage: model.StageClassifier})
	shortLoop.AppendHop(model.Hop{Stage: model.StageClassifier, Remote: true})
	shortLoop.Report = &model.RemediationReport{RecordID: "r1"}
	assert.False(t, Merge("r1", shortLoop, nil, nil).CompleteFlow())

	local := loopedTrace(model.SeverityHigh)
	local.Hops[1].Remote = false
	assert.False(t, Merge("r1", local, nil, nil).CompleteFlow())
}

func TestSummarize_Reconciles(t *testing.T) {
	diag := traceWith(model.StageDiagnosis, model.TraceStatusInRemediation, "")
	rem := traceWith(model.StageRemediation, model.TraceStatusCompleted, "")
	views := []RecordView{
		Merge("a", traceWith(model.StageClassifier, model.TraceStatusLocalOnly, model.SeverityLow), nil, nil),
		Merge("b", loopedTrace(model.SeverityCritical), diag, rem),
		// Forward to remediation failed: diagnosis FAILED, nothing downstream.
		Merge("c", traceWith(model.StageClassifier, model.TraceStatusFailed, model.SeverityHigh), traceWith(model.StageDiagnosis, model.TraceStatusFailed, ""), nil),
		// Still being diagnosed at the deadline.
		Merge("d", traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityUnknown), traceWith(model.StageDiagnosis, model.TraceStatusInDiagnosis, ""), nil),
	}

	s := Summarize(4, views)
	assert.Equal(t, Buckets{LocalOnly: 1, Completed: 1, Failed: 1, Incomplete: 1}, s.Buckets)
	assert.Equal(t, 3, s.ForwardedToDiagnosis)
	assert.Equal(t, 1, s.ForwardedToRemediation)
	assert.Equal(t, 1, s.ReportsReceived)
	assert.Equal(t, 1, s.CompleteFlows)
	assert.Equal(t, Reconciliation{
		ExpectedComplete:        1,
		CompleteFlows:           1,
		FailedBeforeRemediation: 1,
		EscalatedIncomplete:     1,
		Conserved:               true,
		Reconciled:              true,
	}, s.Reconciliation)
	assert.False(t, s.OK(), "an INCOMPLETE record fails the batch")

	// UNKNOWN is listed after the scored levels when present.
	assert.Len(t, s.Severity, 5)
	assert.Equal(t, SeverityCount{model.SeverityUnknown, 1, 25}, s.Severity[4])
}

func TestSummarize_Mismatch(t *testing.T) {
	// Remediation holds the record but its report never closed the loop.
	views := []RecordView{
		Merge("a",
			traceWith(model.StageClassifier, model.TraceStatusInDiagnosis, model.SeverityHigh),
			traceWith(model.StageDiagnosis, model.TraceStatusInRemediation, ""),
			traceWith(model.StageRemediation, model.TraceStatusFailed, ""),
		),
	}
	s := Summarize(1, views)
	assert.Equal(t, Buckets{Failed: 1}, s.Buckets)
	assert.Equal(t, 1, s.Reconciliation.ExpectedComplete)
	assert.False(t, s.Reconciliation.Reconciled)
	assert.Contains(t, s.Reconciliation.Mismatch, "complete_flows 0")
	assert.True(t, s.Reconciliation.Conserved)
	assert.False(t, s.OK())
}

func TestSummarize_MissingRecordsAreIncomplete(t *testing.T) {
	views := []RecordView{
		Merge("a", traceWith(model.StageClassifier, model.TraceStatusLocalOnly, model.SeverityLow), nil, nil),
	}
	s := Summarize(3, views)
	assert.Equal(t, Buckets{LocalOnly: 1, Incomplete: 2}, s.Buckets)
	assert.True(t, s.Reconciliation.Conserved)
	assert.Equal(t, SeverityCount{model.SeverityLow, 1, 33.3}, s.Severity[0])
}

func TestSummarize_ConservationViolation(t *testing.T) {
	views := []RecordView{
		Merge("a", traceWith(model.StageClassifier, model.TraceStatusLocalOnly, model.SeverityLow), nil, nil),
		Merge("b", traceWith(model.StageClassifier, model.TraceStatusLocalOnly, model.SeverityLow), nil, nil),
	}
	s := Summarize(1, views)
	assert.False(t, s.Reconciliation.Conserved)
	assert.False(t, s.Reconciliation.Reconciled)
	assert.Contains(t, s.Reconciliation.Mismatch, "submitted 1")
}
