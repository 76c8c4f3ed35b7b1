package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// StageName identifies one of the three cooperating services.
type StageName string

const (
	StageClassifier  StageName = "classifier"
	StageDiagnosis   StageName = "diagnosis"
	StageRemediation StageName = "remediation"
)

// Stages lists the stages in loop order.
var Stages = []StageName{StageClassifier, StageDiagnosis, StageRemediation}

// Valid reports whether s names a known stage.
func (s StageName) Valid() bool {
	switch s {
	case StageClassifier, StageDiagnosis, StageRemediation:
		return true
	}
	return false
}

// TraceStatus is the lifecycle state of a WorkflowTrace.
type TraceStatus string

const (
	TraceStatusPending       TraceStatus = "PENDING"
	TraceStatusLocalOnly     TraceStatus = "LOCAL_ONLY"
	TraceStatusInDiagnosis   TraceStatus = "IN_DIAGNOSIS"
	TraceStatusInRemediation TraceStatus = "IN_REMEDIATION"
	TraceStatusCompleted     TraceStatus = "COMPLETED"
	TraceStatusFailed        TraceStatus = "FAILED"
)

// Rank orders statuses along the forward path. LOCAL_ONLY and COMPLETED share
// the terminal rank; FAILED sits above both.
func (s TraceStatus) Rank() int {
	switch s {
	case TraceStatusPending:
		return 0
	case TraceStatusInDiagnosis:
		return 1
	case TraceStatusInRemediation:
		return 2
	case TraceStatusLocalOnly, TraceStatusCompleted:
		return 3
	case TraceStatusFailed:
		return 4
	}
	return -1
}

// Terminal reports whether no further hops are expected.
func (s TraceStatus) Terminal() bool {
	return s == TraceStatusLocalOnly || s == TraceStatusCompleted || s == TraceStatusFailed
}

// SettledAt reports whether stage has nothing left to do for a trace in
// status s. A diagnosis trace settles at IN_REMEDIATION, once remediation
// has acknowledged the record.
func (s TraceStatus) SettledAt(stage StageName) bool {
	return s.Terminal() || (stage == StageDiagnosis && s == TraceStatusInRemediation)
}

// SettledStatuses lists the statuses at which stage's traces may be archived.
func SettledStatuses(stage StageName) []TraceStatus {
	out := []TraceStatus{TraceStatusLocalOnly, TraceStatusCompleted, TraceStatusFailed}
	if stage == StageDiagnosis {
		out = append(out, TraceStatusInRemediation)
	}
	return out
}

// Failure kinds recorded on FAILED traces.
const (
	FailureTransportTimeout = "transport_timeout"
	FailureTransport        = "transport"
	FailureProtocol         = "protocol"
	FailureDownstream       = "downstream"
	FailureAborted          = "aborted"
)

// ErrInvalidTransition is returned when a status change would move a trace
// backwards or out of a terminal state.
var ErrInvalidTransition = eris.New("invalid trace transition")

// Hop is one stage's handling of a record.
type Hop struct {
	Stage     StageName `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	Remote    bool      `json:"remote"`
	Attempt   int       `json:"attempt,omitempty"`
}

// WorkflowTrace is one stage's view of a record's journey.
type WorkflowTrace struct {
	RecordID      string             `json:"record_id"`
	Stage         StageName          `json:"stage"`
	Record        Record             `json:"record"`
	Status        TraceStatus        `json:"status"`
	Hops          []Hop              `json:"hops"`
	Diagnosis     *Diagnosis         `json:"diagnosis,omitempty"`
	Report        *RemediationReport `json:"report,omitempty"`
	FailureKind   string             `json:"failure_kind,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Forwarded     bool               `json:"forwarded"`
	LastAttempt   int                `json:"last_attempt,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ArchivedAt    *time.Time         `json:"archived_at,omitempty"`
}

// NewTrace creates a PENDING trace owned by stage.
func NewTrace(stage StageName, rec Record) *WorkflowTrace {
	now := time.Now().UTC()
	return &WorkflowTrace{
		RecordID:  rec.ID,
		Stage:     stage,
		Record:    rec,
		Status:    TraceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the trace to status to. Statuses only move forward;
// FAILED is reachable from any non-terminal status.
func (t *WorkflowTrace) Transition(to TraceStatus) error {
	if t.Status == to {
		return nil
	}
	if t.Status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s is terminal (wanted %s)", t.RecordID, t.Status, to)
	}
	switch {
	case to == TraceStatusFailed:
	case to == TraceStatusLocalOnly && t.Status != TraceStatusPending:
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", t.RecordID, t.Status, to)
	case to.Rank() <= t.Status.Rank():
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", t.RecordID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the trace FAILED with a reason. It is a no-op on terminal traces.
func (t *WorkflowTrace) Fail(kind, reason string) bool {
	if t.Status.Terminal() {
		return false
	}
	t.Status = TraceStatusFailed
	t.FailureKind = kind
	t.FailureReason = reason
	t.UpdatedAt = time.Now().UTC()
	return true
}

// LateCompletionAllowed reports whether a report may still close this trace:
// it failed only because its forward hop timed out, so the remote side may
// have received the record after all.
func (t *WorkflowTrace) LateCompletionAllowed() bool {
	return t.Status == TraceStatusFailed && t.FailureKind == FailureTransportTimeout
}

// Complete closes the trace with report. A trace that failed only on a
// forward timeout is reopened to COMPLETED and its failure cleared.
func (t *WorkflowTrace) Complete(report RemediationReport) error {
	if t.LateCompletionAllowed() {
		t.Status = TraceStatusCompleted
		t.FailureKind = ""
		t.FailureReason = ""
		t.UpdatedAt = time.Now().UTC()
	} else if err := t.Transition(TraceStatusCompleted); err != nil {
		return err
	}
	r := report.Clone()
	t.Report = &r
	return nil
}

// AppendHop records a hop. Hops are append-only.
func (t *WorkflowTrace) AppendHop(h Hop) {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	t.Hops = append(t.Hops, h)
	t.UpdatedAt = h.Timestamp
}

// RemoteHops counts hops that arrived over the network.
func (t *WorkflowTrace) RemoteHops() int {
	n := 0
	for _, h := range t.Hops {
		if h.Remote {
			n++
		}
	}
	return n
}

// HopStages returns the stage sequence of the trace's hops.
func (t *WorkflowTrace) HopStages() []StageName {
	out := make([]StageName, len(t.Hops))
	for i, h := range t.Hops {
		out[i] = h.Stage
	}
	return out
}

// CopyHops returns a copy of the hop list suitable for an outgoing envelope.
func (t *WorkflowTrace) CopyHops() []Hop {
	out := make([]Hop, len(t.Hops))
	copy(out, t.Hops)
	return out
}

// Clone returns a deep copy of the trace.
func (t *WorkflowTrace) Clone() *WorkflowTrace {
	out := *t
	out.Record = t.Record.Clone()
	out.Hops = t.CopyHops()
	if t.Diagnosis != nil {
		d := t.Diagnosis.Clone()
		out.Diagnosis = &d
	}
	if t.Report != nil {
		r := t.Report.Clone()
		out.Report = &r
	}
	if t.ArchivedAt != nil {
		a := *t.ArchivedAt
		out.ArchivedAt = &a
	}
	return &out
}

// LoopOrder is the hop sequence of a record that went around the full loop.
var LoopOrder = []StageName{StageClassifier, StageDiagnosis, StageRemediation, StageClassifier}

// HasLoopOrder reports whether stages is a prefix of LoopOrder.
func HasLoopOrder(stages []StageName) bool {
	if len(stages) > len(LoopOrder) {
		return false
	}
	for i, s := range stages {
		if LoopOrder[i] != s {
			return false
		}
	}
	return true
}
