package model

import "time"

// DiagnosisUnavailable marks a degraded diagnosis forwarded after the
// diagnoser exhausted its retries.
const DiagnosisUnavailable = "UNAVAILABLE"

// Diagnosis is the diagnosis stage's verdict for an escalated record.
type Diagnosis struct {
	Summary            string   `json:"diagnosis"`
	RootCause          string   `json:"root_cause,omitempty"`
	Findings           []string `json:"findings,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
	Inconclusive       bool     `json:"inconclusive,omitempty"`
}

// Degraded reports whether the diagnosis is the UNAVAILABLE placeholder.
func (d Diagnosis) Degraded() bool {
	return d.Summary == DiagnosisUnavailable
}

// Clone returns a deep copy of d.
func (d Diagnosis) Clone() Diagnosis {
	out := d
	out.Findings = append([]string(nil), d.Findings...)
	out.RecommendedActions = append([]string(nil), d.RecommendedActions...)
	return out
}

// UnavailableDiagnosis builds the degraded diagnosis.
func UnavailableDiagnosis(reason string) Diagnosis {
	return Diagnosis{
		Summary:   DiagnosisUnavailable,
		RootCause: reason,
	}
}

// RemediationStatus is the outcome of the remediation actuator.
type RemediationStatus string

const (
	RemediationSuccess RemediationStatus = "SUCCESS"
	RemediationPartial RemediationStatus = "PARTIAL"
	RemediationFailed  RemediationStatus = "FAILED"
)

// RemediationReport is the terminal artifact of the loop.
type RemediationReport struct {
	RecordID     string            `json:"record_id"`
	Status       RemediationStatus `json:"remediation_status"`
	ActionsTaken []string          `json:"actions_taken"`
	Summary      string            `json:"summary"`
	DeviceType   DeviceType        `json:"device_type,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Clone returns a deep copy of r.
func (r RemediationReport) Clone() RemediationReport {
	out := r
	out.ActionsTaken = append([]string(nil), r.ActionsTaken...)
	return out
}
