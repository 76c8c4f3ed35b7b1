package model

import (
	"strings"
)

// DeviceType identifies the telemetry schema a record was captured with.
type DeviceType string

const (
	DeviceIoT    DeviceType = "IoT"
	DeviceCamera DeviceType = "Camera"
)

// Valid reports whether d is a known device type.
func (d DeviceType) Valid() bool {
	return d == DeviceIoT || d == DeviceCamera
}

// Severity is the classifier's verdict for a record.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	// SeverityUnknown is assigned when the scorer could not produce a verdict.
	// It is routed as HIGH so failures escalate rather than stay local.
	SeverityUnknown Severity = "UNKNOWN"
)

// Severities lists the scored levels in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity normalizes s into a Severity. ok is false for anything that is
// not one of the four scored levels.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Effective returns the severity used for routing.
func (s Severity) Effective() Severity {
	if s == SeverityUnknown || s == "" {
		return SeverityHigh
	}
	return s
}

// Escalates reports whether a record with this severity leaves the classifier.
func (s Severity) Escalates() bool {
	return s.Effective() != SeverityLow
}

// Record is one device-failure observation. RawFields is never mutated after
// ingestion; use Clone when handing a record to another goroutine.
type Record struct {
	ID         string            `json:"record_id"`
	DeviceType DeviceType        `json:"device_type"`
	RawFields  map[string]string `json:"raw_fields"`
	Severity   Severity          `json:"severity,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.RawFields != nil {
		out.RawFields = make(map[string]string, len(r.RawFields))
		for k, v := range r.RawFields {
			out.RawFields[k] = v
		}
	}
	return out
}

// DeviceID returns the device identifier carried in the raw fields, falling
// back to the record id.
func (r Record) DeviceID() string {
	for _, k := range []string{"Device_ID", "device_id", "Model", "model"} {
		if v := strings.TrimSpace(r.RawFields[k]); v != "" {
			return v
		}
	}
	return r.ID
}

// DetectDeviceType infers the schema from the raw field names. IoT telemetry
// carries a Device_ID column, camera spec sheets carry a Model column.
func DetectDeviceType(fields map[string]string) DeviceType {
	for k := range fields {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "device_id":
			return DeviceIoT
		}
	}
	for k := range fields {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "model", "max resolution", "effective pixels":
			return DeviceCamera
		}
	}
	return DeviceIoT
}
