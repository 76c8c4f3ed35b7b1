package scorer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// failingRunner fails the named actions with err.
type failingRunner struct {
	fail map[string]error
	ran  []string
}

func (r *failingRunner) Run(_ context.Context, _ string, a Action) error {
	r.ran = append(r.ran, a.ID())
	return r.fail[a.Name]
}

func TestPlanActions_IoT(t *testing.T) {
	rec := iotRecord(map[string]string{
		"CPU_Usage (%)":        "92",
		"Network_Latency (ms)": "400",
		"Temperature (°C)":     "75",
		"Battery_Level (%)":    "15",
	})
	var ids []string
	for _, a := range PlanActions(rec, model.Diagnosis{}) {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{
		"iot.restart_system",
		"iot.adjust_settings:cpu_threshold=85",
		"iot.adjust_settings:network_timeout=5000",
		"iot.calibrate_sensors:temperature,battery",
	}, ids)
}

func TestPlanActions_IoTDefault(t *testing.T) {
	plan := PlanActions(iotRecord(map[string]string{"CPU_Usage (%)": "10"}), model.UnavailableDiagnosis("timeout"))
	require.Len(t, plan, 1)
	assert.Equal(t, ActionIoTRestart, plan[0].ID())
}

func TestPlanActions_Camera(t *testing.T) {
	rec := cameraRecord(map[string]string{"Max resolution": "1024", "Effective pixels": "1.2"})
	plan := PlanActions(rec, model.Diagnosis{Findings: []string{"low resolution sensor"}})
	var ids []string
	for _, a := range plan {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{"camera.restart_system", "camera.adjust_brightness:auto", "camera.adjust_focus:auto"}, ids)
}

func TestRuleActuator_Success(t *testing.T) {
	rec := iotRecord(map[string]string{"CPU_Usage (%)": "70"})
	report, err := RuleActuator{}.Remediate(context.Background(), rec, model.Diagnosis{Summary: "ok"})
	require.NoError(t, err)

	assert.Equal(t, rec.ID, report.RecordID)
	assert.Equal(t, model.RemediationSuccess, report.Status)
	assert.Equal(t, []string{"iot.adjust_settings:cpu_threshold=85"}, report.ActionsTaken)
	assert.Contains(t, report.Summary, "1 of 1 actions succeeded")
	assert.False(t, report.CompletedAt.IsZero())
}

func TestRuleActuator_Partial(t *testing.T) {
	runner := &failingRunner{fail: map[string]error{ActionIoTRestart: errors.New("hardware intervention required")}}
	rec := iotRecord(map[string]string{"CPU_Usage (%)": "95"})
	report, err := RuleActuator{Runner: runner}.Remediate(context.Background(), rec, model.Diagnosis{Summary: "x"})
	require.NoError(t, err)

	assert.Equal(t, model.RemediationPartial, report.Status)
	assert.Equal(t, runner.ran, report.ActionsTaken)
	assert.Contains(t, report.Summary, "failed iot.restart_system")
}

func TestRuleActuator_AllFailed(t *testing.T) {
	runner := &failingRunner{fail: map[string]error{ActionIoTRestart: errors.New("blocked")}}
	rec := iotRecord(map[string]string{"CPU_Usage (%)": "10"})
	report, err := RuleActuator{Runner: runner}.Remediate(context.Background(), rec, model.UnavailableDiagnosis("down"))
	require.NoError(t, err)

	assert.Equal(t, model.RemediationFailed, report.Status)
	assert.Contains(t, report.Summary, "diagnosis unavailable")
}

func TestRuleActuator_TransientAborts(t *testing.T) {
	runner := &failingRunner{fail: map[string]error{
		ActionIoTRestart: resilience.NewTransientError(errors.New("control plane busy"), 503),
	}}
	rec := iotRecord(map[string]string{"CPU_Usage (%)": "10"})
	_, err := RuleActuator{Runner: runner}.Remediate(context.Background(), rec, model.Diagnosis{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
