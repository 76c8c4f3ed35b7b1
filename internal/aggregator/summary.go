package aggregator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/triage-loop/internal/model"
)

// Bucket is the terminal bucket a submitted record lands in.
type Bucket string

const (
	BucketLocalOnly  Bucket = "LOCAL_ONLY"
	BucketCompleted  Bucket = "COMPLETED"
	BucketFailed     Bucket = "FAILED"
	BucketIncomplete Bucket = "INCOMPLETE"
)

// RecordView merges the three stages' traces of one record.
type RecordView struct {
	RecordID    string               `json:"record_id"`
	Severity    model.Severity       `json:"severity,omitempty"`
	Bucket      Bucket               `json:"bucket"`
	LateReport  bool                 `json:"late_report_pending,omitempty"`
	Classifier  *model.WorkflowTrace `json:"classifier,omitempty"`
	Diagnosis   *model.WorkflowTrace `json:"diagnosis,omitempty"`
	Remediation *model.WorkflowTrace `json:"remediation,omitempty"`
}

// Merge derives the record's bucket. The classifier's terminal status wins;
// otherwise a FAILED trace at any stage wins; otherwise the record is still
// in flight and INCOMPLETE. A failure caused by a forward timeout stays
// INCOMPLETE, flagged LateReport, while the loop may still close.
func Merge(id string, c, d, r *model.WorkflowTrace) RecordView {
	v := RecordView{RecordID: id, Classifier: c, Diagnosis: d, Remediation: r, Bucket: BucketIncomplete}
	if c != nil {
		v.Severity = c.Record.Severity
	}
	if c != nil && c.Status.Terminal() {
		v.Bucket = Bucket(c.Status)
	} else {
		for _, t := range []*model.WorkflowTrace{c, d, r} {
			if t != nil && t.Status == model.TraceStatusFailed {
				v.Bucket = BucketFailed
				break
			}
		}
	}
	if v.Bucket == BucketFailed && lateReportPossible(c, d, r) {
		v.Bucket = BucketIncomplete
		v.LateReport = true
	}
	return v
}

// lateReportPossible reports whether a failed record may still be closed by
// a report: a forward hop timed out, so the next stage may hold the record,
// and no stage has given up on it for another reason.
func lateReportPossible(c, d, r *model.WorkflowTrace) bool {
	if c != nil && c.Status == model.TraceStatusFailed && !c.LateCompletionAllowed() {
		return false
	}
	timedOut := (c != nil && c.LateCompletionAllowed()) || (d != nil && d.LateCompletionAllowed())
	switch {
	case !timedOut:
		return false
	case r != nil:
		return r.Status != model.TraceStatusFailed
	case d != nil:
		return d.LateCompletionAllowed() || !d.Status.Terminal()
	}
	return true
}

// expireLateReport settles a record still waiting on a late report as
// FAILED. It is applied once the collection deadline has passed.
func (v *RecordView) expireLateReport() {
	if v.LateReport && v.Bucket == BucketIncomplete {
		v.Bucket = BucketFailed
	}
}

// Terminal reports whether the record needs no further polling.
func (v RecordView) Terminal() bool {
	return v.Bucket != BucketIncomplete
}

// CompleteFlow reports whether the record went around the whole loop: a
// COMPLETED classifier trace whose hops run classifier, diagnosis,
// remediation, classifier with exactly three of them remote.
func (v RecordView) CompleteFlow() bool {
	c := v.Classifier
	if c == nil || c.Status != model.TraceStatusCompleted || c.Report == nil {
		return false
	}
	stages := c.HopStages()
	return len(stages) == len(model.LoopOrder) && model.HasLoopOrder(stages) && c.RemoteHops() == 3
}

// SeverityCount is one row of the severity breakdown.
type SeverityCount struct {
	Severity model.Severity `json:"severity"`
	Count    int            `json:"count"`
	Percent  float64        `json:"percent"`
}

// Buckets counts records per terminal bucket.
type Buckets struct {
	LocalOnly  int `json:"local_only"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Incomplete int `json:"incomplete"`
}

// Total is the number of records across all buckets.
func (b Buckets) Total() int {
	return b.LocalOnly + b.Completed + b.Failed + b.Incomplete
}

// Reconciliation checks the batch's counts against each other.
type Reconciliation struct {
	ExpectedComplete        int    `json:"expected_complete"`
	CompleteFlows           int    `json:"complete_flows"`
	FailedBeforeRemediation int    `json:"failed_before_remediation"`
	EscalatedIncomplete     int    `json:"escalated_incomplete"`
	Conserved               bool   `json:"conserved"`
	Reconciled              bool   `json:"reconciled"`
	Mismatch                string `json:"mismatch,omitempty"`
}

// StageHealth is one stage's answer to the pre-batch health check.
type StageHealth struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkflowSummary is the aggregator's report for one batch.
type WorkflowSummary struct {
	BatchID                string                          `json:"batch_id"`
	Submitted              int                             `json:"submitted"`
	Severity               []SeverityCount                 `json:"severity"`
	ForwardedToDiagnosis   int                             `json:"forwarded_to_diagnosis"`
	ForwardedToRemediation int                             `json:"forwarded_to_remediation"`
	ReportsReceived        int                             `json:"reports_received"`
	CompleteFlows          int                             `json:"complete_flows"`
	Buckets                Buckets                         `json:"buckets"`
	Reconciliation         Reconciliation                  `json:"reconciliation"`
	Health                 map[model.StageName]StageHealth `json:"health,omitempty"`
	Aborted                string                          `json:"aborted,omitempty"`
	Archived               map[model.StageName]int         `json:"archived,omitempty"`
	StartedAt              time.Time                       `json:"started_at"`
	FinishedAt             time.Time                       `json:"finished_at"`
	Records                []RecordView                    `json:"records,omitempty"`
}

// OK reports whether every record reached a terminal bucket and the counts
// reconcile.
func (s *WorkflowSummary) OK() bool {
	return s.Aborted == "" && s.Buckets.Incomplete == 0 && s.Reconciliation.Reconciled
}

// Summarize builds the summary for submitted records from their merged
// views. Forwarding counts are taken from the receiving stage, so a hop is
// counted only once the next stage actually holds the record.
func Summarize(submitted int, views []RecordView) *WorkflowSummary {
	s := &WorkflowSummary{Submitted: submitted, Records: views}

	sevCounts := make(map[model.Severity]int)
	var rec Reconciliation
	for _, v := range views {
		if v.Severity != "" {
			sevCounts[v.Severity]++
		}

		switch v.Bucket {
		case BucketLocalOnly:
			s.Buckets.LocalOnly++
		case BucketCompleted:
			s.Buckets.Completed++
		case BucketFailed:
			s.Buckets.Failed++
		default:
			s.Buckets.Incomplete++
		}

		if v.Diagnosis != nil {
			s.ForwardedToDiagnosis++
			switch {
			case v.Bucket == BucketFailed && v.Remediation == nil:
				rec.FailedBeforeRemediation++
			case v.Bucket == BucketIncomplete:
				rec.EscalatedIncomplete++
			}
		}
		if v.Remediation != nil {
			s.ForwardedToRemediation++
		}
		if v.Classifier != nil && v.Classifier.Report != nil {
			s.ReportsReceived++
		}
		if v.CompleteFlow() {
			s.CompleteFlows++
		}
	}
	// Records the classifier never acknowledged are still owed a bucket.
	if missing := submitted - len(views); missing > 0 {
		s.Buckets.Incomplete += missing
	}

	s.Severity = severityBreakdown(sevCounts, submitted)

	rec.CompleteFlows = s.CompleteFlows
	rec.ExpectedComplete = s.ForwardedToDiagnosis - rec.FailedBeforeRemediation - rec.EscalatedIncomplete
	rec.Conserved = s.Buckets.Total() == submitted && len(views) <= submitted

	var problems []string
	if rec.CompleteFlows != rec.ExpectedComplete {
		problems = append(problems, fmt.Sprintf(
			"complete_flows %d != forwarded_to_diagnosis %d - failed_before_remediation %d - escalated_incomplete %d",
			rec.CompleteFlows, s.ForwardedToDiagnosis, rec.FailedBeforeRemediation, rec.EscalatedIncomplete,
		))
	}
	if !rec.Conserved {
		problems = append(problems, fmt.Sprintf(
			"submitted %d != local_only %d + completed %d + failed %d + incomplete %d",
			submitted, s.Buckets.LocalOnly, s.Buckets.Completed, s.Buckets.Failed, s.Buckets.Incomplete,
		))
	}
	rec.Reconciled = len(problems) == 0
	rec.Mismatch = strings.Join(problems, "; ")
	s.Reconciliation = rec

	return s
}

// severityBreakdown lists the four scored levels, then UNKNOWN when present.
// Percentages are of submitted records, rounded to one decimal.
func severityBreakdown(counts map[model.Severity]int, submitted int) []SeverityCount {
	levels := append([]model.Severity{}, model.Severities...)
	if counts[model.SeverityUnknown] > 0 {
		levels = append(levels, model.SeverityUnknown)
	}

	out := make([]SeverityCount, 0, len(levels))
	for _, sev := range levels {
		sc := SeverityCount{Severity: sev, Count: counts[sev]}
		if submitted > 0 {
			sc.Percent = math.Round(float64(sc.Count)*1000/float64(submitted)) / 10
		}
		out = append(out, sc)
	}
	return out
}
