package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   Severity
		wantOK bool
	}{
		{"LOW", SeverityLow, true},
		{" medium ", SeverityMedium, true},
		{"High", SeverityHigh, true},
		{"critical", SeverityCritical, true},
		{"UNKNOWN", "", false},
		{"severe", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseSeverity(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeverity_Routing(t *testing.T) {
	t.Parallel()

	assert.False(t, SeverityLow.Escalates())
	assert.True(t, SeverityMedium.Escalates())
	assert.True(t, SeverityCritical.Escalates())
	assert.True(t, SeverityUnknown.Escalates())
	assert.Equal(t, SeverityHigh, SeverityUnknown.Effective())
	assert.Equal(t, SeverityHigh, Severity("").Effective())
	assert.Equal(t, SeverityMedium, SeverityMedium.Effective())
}

func TestDetectDeviceType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields map[string]string
		want   DeviceType
	}{
		{"iot", map[string]string{"Device_ID": "D1", "CPU_Usage": "40"}, DeviceIoT},
		{"camera", map[string]string{"Model": "Agfa ePhoto 1280", "Max resolution": "1024"}, DeviceCamera},
		{"device id wins", map[string]string{"device_id": "D1", "model": "x"}, DeviceIoT},
		{"empty defaults to iot", map[string]string{}, DeviceIoT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DetectDeviceType(tt.fields))
		})
	}
}

func TestRecord_DeviceIDAndClone(t *testing.T) {
	t.Parallel()

	r := Record{ID: "r1", RawFields: map[string]string{"Device_ID": " D-7 "}}
	assert.Equal(t, "D-7", r.DeviceID())
	assert.Equal(t, "r2", Record{ID: "r2"}.DeviceID())

	c := r.Clone()
	c.RawFields["Device_ID"] = "other"
	assert.Equal(t, " D-7 ", r.RawFields["Device_ID"])
}

func TestDiagnosis_Degraded(t *testing.T) {
	t.Parallel()

	d := UnavailableDiagnosis("scorer exhausted")
	assert.True(t, d.Degraded())
	assert.Equal(t, "scorer exhausted", d.RootCause)
	assert.False(t, Diagnosis{Summary: "ok"}.Degraded())
}
