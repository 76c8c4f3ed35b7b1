package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ErrProtocol marks envelope violations: missing or mutated record ids,
// unknown records, out-of-order hops. They are never business outcomes.
var ErrProtocol = eris.New("protocol error")

// Envelope is the message carried on every cross-stage hop. RecordID is the
// sole correlation key and must be echoed unchanged by every receiver.
type Envelope struct {
	RecordID         string          `json:"record_id"`
	OriginatingStage StageName       `json:"originating_stage"`
	AttemptNumber    int             `json:"attempt_number"`
	Hops             []Hop           `json:"hops,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// NewEnvelope builds attempt 1 of a hop carrying payload.
func NewEnvelope(recordID string, from StageName, hops []Hop, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, eris.Wrap(err, "envelope: marshal payload")
	}
	return Envelope{
		RecordID:         recordID,
		OriginatingStage: from,
		AttemptNumber:    1,
		Hops:             hops,
		Payload:          raw,
	}, nil
}

// WithAttempt returns a copy of e stamped with attempt n.
func (e Envelope) WithAttempt(n int) Envelope {
	e.AttemptNumber = n
	return e
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if e.RecordID == "" {
		return eris.Wrap(ErrProtocol, "envelope: missing record_id")
	}
	if !e.OriginatingStage.Valid() {
		return eris.Wrapf(ErrProtocol, "envelope %s: unknown originating stage %q", e.RecordID, e.OriginatingStage)
	}
	if e.AttemptNumber < 1 {
		return eris.Wrapf(ErrProtocol, "envelope %s: attempt_number %d", e.RecordID, e.AttemptNumber)
	}
	if len(e.Payload) == 0 {
		return eris.Wrapf(ErrProtocol, "envelope %s: empty payload", e.RecordID)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return eris.Wrapf(ErrProtocol, "envelope %s: decode payload: %v", e.RecordID, err)
	}
	return nil
}

// CheckEcho verifies that an id carried inside the payload matches the
// envelope header.
func (e Envelope) CheckEcho(payloadRecordID string) error {
	if payloadRecordID != e.RecordID {
		return eris.Wrapf(ErrProtocol, "envelope %s: payload carries record_id %q", e.RecordID, payloadRecordID)
	}
	return nil
}

// DiagnosisRequest is the classifier → diagnosis payload.
type DiagnosisRequest struct {
	Record Record `json:"record"`
}

// RemediationRequest is the diagnosis → remediation payload.
type RemediationRequest struct {
	Record    Record    `json:"record"`
	Diagnosis Diagnosis `json:"diagnosis"`
}

// ReportDelivery is the remediation → classifier payload.
type ReportDelivery struct {
	Report RemediationReport `json:"report"`
}

// FailureNotice tells the classifier that a downstream stage gave up on a
// record. Kind is the failure kind recorded on the downstream trace.
type FailureNotice struct {
	RecordID string    `json:"record_id"`
	Stage    StageName `json:"stage"`
	Kind     string    `json:"kind,omitempty"`
	Reason   string    `json:"reason"`
}

// Ack is the synchronous response to every hop.
type Ack struct {
	RecordID  string      `json:"record_id"`
	Stage     StageName   `json:"stage"`
	Status    TraceStatus `json:"status"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

// EchoRecordID returns the record id the receiver acknowledged.
func (a Ack) EchoRecordID() string {
	return a.RecordID
}
