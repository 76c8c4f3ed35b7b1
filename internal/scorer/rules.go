package scorer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
)

// finding is one observation a rule produced, with the severity it implies.
type finding struct {
	Severity model.Severity
	Note     string
}

// assessment collects findings across the rule groups of one record.
type assessment struct {
	findings []finding
	read     bool
}

func (a *assessment) add(sev model.Severity, format string, args ...any) {
	a.findings = append(a.findings, finding{Severity: sev, Note: fmt.Sprintf(format, args...)})
}

// severity is the highest severity any finding implies, LOW when none do.
func (a *assessment) severity() model.Severity {
	out := model.SeverityLow
	for _, f := range a.findings {
		if severityRank(f.Severity) > severityRank(out) {
			out = f.Severity
		}
	}
	return out
}

func (a *assessment) notes() []string {
	out := make([]string, 0, len(a.findings))
	for _, f := range a.findings {
		out = append(out, f.Note)
	}
	return out
}

func severityRank(s model.Severity) int {
	for i, v := range model.Severities {
		if v == s {
			return i
		}
	}
	return -1
}

// RuleClassifier scores records from their telemetry with fixed thresholds.
type RuleClassifier struct{}

// Score returns the highest severity implied by any rule group. Records
// with no readable metrics fail with ErrNoMetrics.
func (RuleClassifier) Score(ctx context.Context, rec model.Record) (model.Severity, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a := classify(rec)
	if !a.read {
		return "", eris.Wrapf(ErrNoMetrics, "record %s", rec.ID)
	}
	return a.severity(), nil
}

func classify(rec model.Record) *assessment {
	f := NormalizeFields(rec.RawFields)
	a := &assessment{}
	switch deviceType(rec) {
	case model.DeviceCamera:
		classifyCamera(f, a)
	default:
		classifyDeviceMetrics(f, a)
		classifyHealth(f, a)
		classifyNetwork(f, a)
		classifyOperational(f, a)
	}
	return a
}

func deviceType(rec model.Record) model.DeviceType {
	if rec.DeviceType.Valid() {
		return rec.DeviceType
	}
	return model.DetectDeviceType(rec.RawFields)
}

// CPU or memory above 60% is MEDIUM, above 90% HIGH.
func classifyDeviceMetrics(f Fields, a *assessment) {
	cpu, okCPU := f.Float(MetricCPU)
	mem, okMem := f.Float(MetricMemory)
	if !okCPU && !okMem {
		return
	}
	a.read = true
	sev := model.SeverityMedium
	if cpu > 90 || mem > 90 {
		sev = model.SeverityHigh
	}
	if okCPU && cpu > 60 {
		a.add(sev, "high cpu usage %.1f%%", cpu)
	}
	if okMem && mem > 60 {
		a.add(sev, "high memory usage %.1f%%", mem)
	}
}

// Temperature above 60°C or battery below 20% is MEDIUM; above 70°C or below
// 10% is CRITICAL.
func classifyHealth(f Fields, a *assessment) {
	temp, okTemp := f.Float(MetricTemperature)
	batt, okBatt := f.Float(MetricBattery)
	if !okTemp && !okBatt {
		return
	}
	a.read = true
	sev := model.SeverityMedium
	if (okTemp && temp > 70) || (okBatt && batt < 10) {
		sev = model.SeverityCritical
	}
	if okTemp && temp > 60 {
		a.add(sev, "high temperature %.1fC", temp)
	}
	if okBatt && batt < 20 {
		a.add(sev, "low battery %.1f%%", batt)
	}
}

// Latency above 150ms or packet loss above 1% is MEDIUM; above 500ms or 5%
// is HIGH.
func classifyNetwork(f Fields, a *assessment) {
	lat, okLat := f.Float(MetricLatency)
	loss, okLoss := f.Float(MetricPacketLoss)
	if !okLat && !okLoss {
		return
	}
	a.read = true
	sev := model.SeverityMedium
	if lat > 500 || loss > 5 {
		sev = model.SeverityHigh
	}
	switch {
	case lat > 300:
		a.add(sev, "high latency %.0fms", lat)
	case lat > 150:
		a.add(sev, "elevated latency %.0fms", lat)
	}
	switch {
	case loss > 3:
		a.add(sev, "high packet loss %.1f%%", loss)
	case loss > 1:
		a.add(sev, "elevated packet loss %.1f%%", loss)
	}
}

// Operational issues are HIGH, CRITICAL when errors exceed 20, workload
// reaches 8 or the failure type is 8 or above. Risk factors alone are
// MEDIUM.
func classifyOperational(f Fields, a *assessment) {
	if !f.Has(MetricUptime, MetricWorkload, MetricErrors, MetricFailureType) {
		return
	}
	a.read = true
	uptime, okUp := f.Float(MetricUptime)
	work, _ := f.Float(MetricWorkload)
	errs, _ := f.Float(MetricErrors)
	ftype, _ := f.Float(MetricFailureType)

	var issues, risks []string
	switch {
	case okUp && uptime < 24:
		issues = append(issues, fmt.Sprintf("short uptime %.1fh", uptime))
	case uptime > 720:
		risks = append(risks, fmt.Sprintf("extended uptime %.1fh", uptime))
	}
	switch {
	case work >= 8:
		issues = append(issues, fmt.Sprintf("extreme workload %.0f", work))
	case work >= 6:
		issues = append(issues, fmt.Sprintf("high workload %.0f", work))
	case work >= 4:
		risks = append(risks, fmt.Sprintf("moderate workload %.0f", work))
	}
	switch {
	case errs > 20:
		issues = append(issues, fmt.Sprintf("critical error rate %.0f", errs))
	case errs > 10:
		issues = append(issues, fmt.Sprintf("high error rate %.0f", errs))
	case errs > 0:
		risks = append(risks, fmt.Sprintf("%.0f errors", errs))
	}
	switch {
	case ftype >= 8:
		issues = append(issues, fmt.Sprintf("severe failure type %.0f", ftype))
	case ftype >= 5:
		issues = append(issues, fmt.Sprintf("significant failure type %.0f", ftype))
	case ftype > 0:
		risks = append(risks, fmt.Sprintf("failure type %.0f", ftype))
	}

	switch {
	case len(issues) > 0:
		sev := model.SeverityHigh
		if errs > 20 || work >= 8 || ftype >= 8 {
			sev = model.SeverityCritical
		}
		for _, n := range issues {
			a.add(sev, "%s", n)
		}
	case len(risks) > 0:
		for _, n := range risks {
			a.add(model.SeverityMedium, "%s", n)
		}
	}
}

// Camera spec concerns are MEDIUM; spec and value concerns together are
// HIGH.
func classifyCamera(f Fields, a *assessment) {
	if !f.Has(MetricResolution, MetricPixels, MetricPrice, MetricWeight) {
		return
	}
	a.read = true
	spec := cameraSpecFindings(f)
	value := cameraValueFindings(f)
	sev := model.SeverityMedium
	if len(spec) > 0 && len(value) > 0 {
		sev = model.SeverityHigh
	}
	for _, n := range spec {
		a.add(sev, "%s", n)
	}
	for _, n := range value {
		a.add(sev, "%s", n)
	}
}

func cameraSpecFindings(f Fields) []string {
	var out []string
	if px, ok := f.Float(MetricPixels); ok {
		switch {
		case px < 2:
			out = append(out, fmt.Sprintf("very low effective pixels %.1fMP", px))
		case px < 6:
			out = append(out, fmt.Sprintf("low effective pixels %.1fMP", px))
		}
	}
	if res, ok := f.Float(MetricResolution); ok && res < 1600 {
		out = append(out, fmt.Sprintf("low max resolution %.0f", res))
	}
	wide, okW := f.Float(MetricZoomWide)
	tele, okT := f.Float(MetricZoomTele)
	if okW && okT && wide > 0 && tele > 0 && tele-wide <= 20 {
		out = append(out, fmt.Sprintf("limited zoom range %.0f-%.0fmm", wide, tele))
	}
	return out
}

func cameraValueFindings(f Fields) []string {
	var out []string
	year, okYear := f.Float(MetricReleaseDate)
	price, okPrice := f.Float(MetricPrice)
	if !okPrice {
		return nil
	}
	switch {
	case okYear && year <= 2000 && price > 500:
		out = append(out, "very old generation with high price")
	case okYear && year <= 2005 && price > 1000:
		out = append(out, "old generation likely overpriced")
	}
	if px, ok := f.Float(MetricPixels); ok && px < 3 && price > 300 {
		out = append(out, "low megapixels for the price")
	}
	return out
}

// RuleDiagnoser explains records with the same telemetry the classifier
// read, adding root causes and recommended actions.
type RuleDiagnoser struct{}

// Diagnose never fails on readable input; a record with no metrics gets an
// inconclusive diagnosis.
func (RuleDiagnoser) Diagnose(ctx context.Context, rec model.Record, severity model.Severity) (model.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return model.Diagnosis{}, err
	}
	f := NormalizeFields(rec.RawFields)
	var d model.Diagnosis
	switch deviceType(rec) {
	case model.DeviceCamera:
		d = diagnoseCamera(f)
	default:
		d = diagnoseIoT(f)
	}
	label := "IoT device"
	if deviceType(rec) == model.DeviceCamera {
		label = "Camera"
	}
	level := severity.Effective()
	if len(d.Findings) == 0 {
		d.Inconclusive = true
		d.Summary = fmt.Sprintf("%s %s: %s, no critical issues detected", label, rec.DeviceID(), level)
		d.RootCause = "metrics within acceptable ranges"
		return d, nil
	}
	d.Summary = fmt.Sprintf("%s %s: %s, %s", label, rec.DeviceID(), level, strings.Join(d.Findings, "; "))
	return d, nil
}

func diagnoseIoT(f Fields) model.Diagnosis {
	var d model.Diagnosis
	var causes []string

	if cpu, ok := f.Float(MetricCPU); ok {
		switch {
		case cpu > 90:
			d.Findings = append(d.Findings, fmt.Sprintf("critical cpu utilization %.1f%%", cpu))
		case cpu > 80:
			d.Findings = append(d.Findings, fmt.Sprintf("high cpu utilization %.1f%%", cpu))
		}
		switch {
		case cpu > 80:
			causes = append(causes, "cpu overload")
			d.RecommendedActions = append(d.RecommendedActions, "terminate non-essential processes", "implement cpu usage monitoring")
		case cpu > 60:
			causes = append(causes, "cpu resource pressure")
			d.RecommendedActions = append(d.RecommendedActions, "review and optimize running processes")
		}
	}
	if mem, ok := f.Float(MetricMemory); ok && mem > 85 {
		if mem > 95 {
			d.Findings = append(d.Findings, fmt.Sprintf("critical memory exhaustion %.1f%%", mem))
		} else {
			d.Findings = append(d.Findings, fmt.Sprintf("high memory usage %.1f%%", mem))
		}
		causes = append(causes, "memory exhaustion")
		d.RecommendedActions = append(d.RecommendedActions, "clear memory cache and restart services")
	}
	if lat, ok := f.Float(MetricLatency); ok {
		switch {
		case lat > 500:
			d.Findings = append(d.Findings, fmt.Sprintf("critical latency %.0fms", lat))
		case lat > 200:
			d.Findings = append(d.Findings, fmt.Sprintf("high latency %.0fms", lat))
		}
		if lat > 150 {
			causes = append(causes, "network latency")
			d.RecommendedActions = append(d.RecommendedActions, "check network connectivity")
		}
	}
	if temp, ok := f.Float(MetricTemperature); ok && temp > 60 {
		d.Findings = append(d.Findings, fmt.Sprintf("overheating %.1fC", temp))
		causes = append(causes, "thermal stress")
		d.RecommendedActions = append(d.RecommendedActions, "calibrate temperature sensors")
	}
	if batt, ok := f.Float(MetricBattery); ok && batt < 20 {
		d.Findings = append(d.Findings, fmt.Sprintf("low battery %.1f%%", batt))
		causes = append(causes, "power supply")
	}
	if errs, ok := f.Float(MetricErrors); ok {
		switch {
		case errs > 10:
			d.Findings = append(d.Findings, fmt.Sprintf("critical error rate %.0f", errs))
		case errs > 5:
			d.Findings = append(d.Findings, fmt.Sprintf("high error rate %.0f", errs))
		}
		if errs > 2 {
			causes = append(causes, fmt.Sprintf("operational errors (%.0f)", errs))
		}
	}
	d.RootCause = strings.Join(causes, ", ")
	return d
}

func diagnoseCamera(f Fields) model.Diagnosis {
	var d model.Diagnosis
	var causes []string
	if res, ok := f.Float(MetricResolution); ok && res < 800 {
		d.Findings = append(d.Findings, fmt.Sprintf("low resolution sensor %.0f", res))
		causes = append(causes, "low resolution")
	}
	if px, ok := f.Float(MetricPixels); ok && px < 1 {
		d.Findings = append(d.Findings, fmt.Sprintf("inadequate pixel count %.1fMP", px))
		causes = append(causes, "inadequate sensor")
	}
	if w, ok := f.Float(MetricWeight); ok && w > 600 {
		d.Findings = append(d.Findings, fmt.Sprintf("heavy body %.0fg", w))
	}
	d.Findings = append(d.Findings, cameraValueFindings(f)...)
	d.RootCause = strings.Join(causes, ", ")
	d.RecommendedActions = []string{"update firmware if available", "consider hardware upgrade planning"}
	return d
}
