package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	hops := []Hop{{Stage: StageClassifier, Outcome: "classified:HIGH"}}
	env, err := NewEnvelope("r1", StageClassifier, hops, DiagnosisRequest{Record: Record{ID: "r1"}})
	require.NoError(t, err)

	assert.Equal(t, 1, env.AttemptNumber)
	assert.Equal(t, StageClassifier, env.OriginatingStage)
	require.NoError(t, env.Validate())

	var req DiagnosisRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "r1", req.Record.ID)
	require.NoError(t, env.CheckEcho(req.Record.ID))
}

func TestEnvelope_WithAttemptCopies(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("r1", StageRemediation, nil, ReportDelivery{})
	require.NoError(t, err)

	second := env.WithAttempt(2)
	assert.Equal(t, 1, env.AttemptNumber)
	assert.Equal(t, 2, second.AttemptNumber)
}

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	valid := Envelope{RecordID: "r1", OriginatingStage: StageDiagnosis, AttemptNumber: 1, Payload: json.RawMessage(`{}`)}

	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantMsg string
	}{
		{"missing record id", func(e *Envelope) { e.RecordID = "" }, "missing record_id"},
		{"unknown stage", func(e *Envelope) { e.OriginatingStage = "planner" }, "unknown originating stage"},
		{"zero attempt", func(e *Envelope) { e.AttemptNumber = 0 }, "attempt_number"},
		{"empty payload", func(e *Envelope) { e.Payload = nil }, "empty payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestEnvelope_DecodeAndEchoErrors(t *testing.T) {
	t.Parallel()

	env := Envelope{RecordID: "r1", OriginatingStage: StageRemediation, AttemptNumber: 1, Payload: json.RawMessage(`[1,2]`)}
	var rd ReportDelivery
	assert.ErrorIs(t, env.Decode(&rd), ErrProtocol)
	assert.ErrorIs(t, env.CheckEcho("r2"), ErrProtocol)
}

func TestAck_EchoRecordID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "r9", Ack{RecordID: "r9"}.EchoRecordID())
}
