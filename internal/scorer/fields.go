package scorer

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Canonical metric names. Raw CSV headers such as "CPU_Usage (%)" or
// "Temperature (°C)" normalize to these.
const (
	MetricCPU         = "cpu_usage"
	MetricMemory      = "memory_usage"
	MetricBattery     = "battery_level"
	MetricLatency     = "network_latency"
	MetricPacketLoss  = "packet_loss"
	MetricTemperature = "temperature"
	MetricUptime      = "uptime"
	MetricWorkload    = "workload_intensity"
	MetricErrors      = "error_count"
	MetricFailureType = "failure_type"
	MetricResolution  = "max_resolution"
	MetricPixels      = "effective_pixels"
	MetricZoomWide    = "zoom_wide"
	MetricZoomTele    = "zoom_tele"
	MetricWeight      = "weight"
	MetricPrice       = "price"
	MetricReleaseDate = "release_date"
	MetricDimensions  = "dimensions"
	MetricModel       = "model"
	MetricDeviceID    = "device_id"
)

// Fields is a record's raw field map keyed by normalized name.
type Fields map[string]string

// NormalizeKey folds a raw header into its canonical metric name: NFKC,
// case folded, unit suffix in parentheses dropped, separators collapsed to
// underscores.
func NormalizeKey(raw string) string {
	k := cases.Fold().String(norm.NFKC.String(raw))
	if i := strings.IndexByte(k, '('); i >= 0 {
		k = k[:i]
	}
	k = strings.TrimSpace(k)
	return strings.Join(strings.FieldsFunc(k, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '.'
	}), "_")
}

// NormalizeFields re-keys raw by NormalizeKey. On collisions the first key
// in sorted order is kept so the result does not depend on map iteration.
func NormalizeFields(raw map[string]string) Fields {
	out := make(Fields, len(raw))
	for _, k := range slices.Sorted(maps.Keys(raw)) {
		nk := NormalizeKey(k)
		if _, ok := out[nk]; ok {
			continue
		}
		out[nk] = strings.TrimSpace(raw[k])
	}
	return out
}

// Float returns the numeric value of key. Percent signs and thousands
// separators are tolerated.
func (f Fields) Float(key string) (float64, bool) {
	v, ok := f[key]
	if !ok || v == "" {
		return 0, false
	}
	v = strings.TrimSuffix(v, "%")
	v = strings.ReplaceAll(v, ",", "")
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the trimmed value of key.
func (f Fields) String(key string) string {
	return f[key]
}

// Has reports whether any of keys carries a numeric value.
func (f Fields) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := f.Float(k); ok {
			return true
		}
	}
	return false
}
