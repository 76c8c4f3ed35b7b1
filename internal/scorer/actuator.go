package scorer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// Action ids understood by the actuator.
const (
	ActionIoTRestart        = "iot.restart_system"
	ActionIoTAdjustSettings = "iot.adjust_settings"
	ActionIoTCalibrate      = "iot.calibrate_sensors"
	ActionCameraRestart     = "camera.restart_system"
	ActionCameraBrightness  = "camera.adjust_brightness"
	ActionCameraFocus       = "camera.adjust_focus"
)

// Action is one remediation step. ID renders as "name" or "name:arg".
type Action struct {
	Name string
	Arg  string
}

// ID returns the identifier recorded in actions_taken.
func (a Action) ID() string {
	if a.Arg == "" {
		return a.Name
	}
	return a.Name + ":" + a.Arg
}

// ActionRunner executes a single action against a device. A transient error
// aborts the remediation so it can be retried as a whole; any other error
// marks only that action failed.
type ActionRunner interface {
	Run(ctx context.Context, deviceID string, a Action) error
}

// SimulatedRunner accepts every action. It stands in for device control
// planes that are not wired up.
type SimulatedRunner struct{}

// Run logs the action and succeeds.
func (SimulatedRunner) Run(_ context.Context, deviceID string, a Action) error {
	zap.L().Debug("scorer: simulated action",
		zap.String("device_id", deviceID),
		zap.String("action", a.ID()),
	)
	return nil
}

// RuleActuator plans actions from the record's telemetry and the diagnosis,
// runs them in order and reports the outcome.
type RuleActuator struct {
	Runner ActionRunner
}

// Remediate returns a report whose status is SUCCESS when every action
// succeeded, FAILED when none did and PARTIAL otherwise.
func (r RuleActuator) Remediate(ctx context.Context, rec model.Record, diag model.Diagnosis) (model.RemediationReport, error) {
	runner := r.Runner
	if runner == nil {
		runner = SimulatedRunner{}
	}

	dt := deviceType(rec)
	plan := PlanActions(rec, diag)
	report := model.RemediationReport{
		RecordID:     rec.ID,
		DeviceType:   dt,
		ActionsTaken: make([]string, 0, len(plan)),
	}

	var failed []string
	for _, a := range plan {
		if err := ctx.Err(); err != nil {
			return model.RemediationReport{}, err
		}
		err := runner.Run(ctx, rec.DeviceID(), a)
		if err != nil && resilience.IsTransient(err) {
			return model.RemediationReport{}, err
		}
		report.ActionsTaken = append(report.ActionsTaken, a.ID())
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", a.ID(), err))
		}
	}

	ok := len(plan) - len(failed)
	switch {
	case len(failed) == 0:
		report.Status = model.RemediationSuccess
	case ok == 0:
		report.Status = model.RemediationFailed
	default:
		report.Status = model.RemediationPartial
	}
	report.Summary = fmt.Sprintf("%s %s: %d of %d actions succeeded", dt, rec.DeviceID(), ok, len(plan))
	if diag.Degraded() {
		report.Summary += " (diagnosis unavailable)"
	}
	for _, f := range failed {
		report.Summary += "; failed " + f
	}
	report.CompletedAt = time.Now().UTC()
	return report, nil
}

// PlanActions picks the ordered action list for rec. Planning reads the raw
// telemetry so a degraded diagnosis still yields a plan.
func PlanActions(rec model.Record, diag model.Diagnosis) []Action {
	f := NormalizeFields(rec.RawFields)
	if deviceType(rec) == model.DeviceCamera {
		return planCamera(f, diag)
	}
	return planIoT(f)
}

func planIoT(f Fields) []Action {
	var plan []Action
	cpu, _ := f.Float(MetricCPU)
	mem, _ := f.Float(MetricMemory)
	errs, _ := f.Float(MetricErrors)
	ftype, _ := f.Float(MetricFailureType)

	if cpu > 80 || mem > 85 || errs > 10 || ftype >= 5 {
		plan = append(plan, Action{Name: ActionIoTRestart})
	}
	if cpu > 60 {
		plan = append(plan, Action{Name: ActionIoTAdjustSettings, Arg: "cpu_threshold=85"})
	}
	if mem > 60 {
		plan = append(plan, Action{Name: ActionIoTAdjustSettings, Arg: "memory_threshold=90"})
	}
	lat, _ := f.Float(MetricLatency)
	loss, _ := f.Float(MetricPacketLoss)
	if lat > 150 || loss > 1 {
		plan = append(plan, Action{Name: ActionIoTAdjustSettings, Arg: "network_timeout=5000"})
	}
	temp, okTemp := f.Float(MetricTemperature)
	batt, okBatt := f.Float(MetricBattery)
	switch {
	case okTemp && temp > 60 && okBatt && batt < 20:
		plan = append(plan, Action{Name: ActionIoTCalibrate, Arg: "temperature,battery"})
	case okTemp && temp > 60:
		plan = append(plan, Action{Name: ActionIoTCalibrate, Arg: "temperature"})
	case okBatt && batt < 20:
		plan = append(plan, Action{Name: ActionIoTCalibrate, Arg: "battery"})
	}
	if len(plan) == 0 {
		plan = append(plan, Action{Name: ActionIoTRestart})
	}
	return plan
}

func planCamera(f Fields, diag model.Diagnosis) []Action {
	var plan []Action
	if len(diag.Findings) > 0 || diag.Degraded() {
		plan = append(plan, Action{Name: ActionCameraRestart})
	}
	px, okPx := f.Float(MetricPixels)
	res, okRes := f.Float(MetricResolution)
	if (okPx && px < 6) || (okRes && res < 1600) {
		plan = append(plan, Action{Name: ActionCameraBrightness, Arg: "auto"})
	}
	plan = append(plan, Action{Name: ActionCameraFocus, Arg: "auto"})
	return plan
}
