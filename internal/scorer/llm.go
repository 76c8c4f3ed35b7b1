package scorer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
	"github.com/sells-group/triage-loop/pkg/anthropic"
)

const classifySystem = `You triage device failure telemetry. Read the record and assess its risk.
Thresholds: CPU or memory above 60% is MEDIUM, above 90% HIGH. Temperature above 60C or battery below 20% is MEDIUM, above 70C or below 10% CRITICAL. Latency above 150ms or packet loss above 1% is MEDIUM, above 500ms or 5% HIGH.
End your answer with a line "RISK ASSESSMENT: <LOW|MEDIUM|HIGH|CRITICAL>".`

const diagnoseSystem = `You diagnose escalated device failures. Answer in exactly this form:
DIAGNOSIS: <one line>
ROOT CAUSE: <one line>
ACTIONS:
- <recommended action>`

// LLMClassifier asks a model for a risk assessment.
type LLMClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMClassifier creates a classifier backed by client.
func NewLLMClassifier(client anthropic.Client, model string, maxTokens int) *LLMClassifier {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMClassifier{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Score returns the severity named in the model's answer. An answer with no
// recognizable level is a permanent error.
func (c *LLMClassifier) Score(ctx context.Context, rec model.Record) (model.Severity, error) {
	resp, err := createMessage(ctx, c.client, c.model, c.maxTokens, classifySystem, recordPrompt(rec))
	if err != nil {
		return "", err
	}
	resp.Usage.Log(c.model, "classify", rec.ID)

	sev, ok := ParseRiskAssessment(resp.Text())
	if !ok {
		return "", resilience.Permanent(eris.Errorf("scorer: no severity in answer for record %s", rec.ID))
	}
	return sev, nil
}

// LLMDiagnoser asks a model to explain an escalated record.
type LLMDiagnoser struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMDiagnoser creates a diagnoser backed by client.
func NewLLMDiagnoser(client anthropic.Client, model string, maxTokens int) *LLMDiagnoser {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMDiagnoser{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Diagnose parses the model's structured answer.
func (d *LLMDiagnoser) Diagnose(ctx context.Context, rec model.Record, severity model.Severity) (model.Diagnosis, error) {
	prompt := fmt.Sprintf("Classifier severity: %s\n\n%s", severity.Effective(), recordPrompt(rec))
	resp, err := createMessage(ctx, d.client, d.model, d.maxTokens, diagnoseSystem, prompt)
	if err != nil {
		return model.Diagnosis{}, err
	}
	resp.Usage.Log(d.model, "diagnose", rec.ID)

	diag := ParseDiagnosis(resp.Text())
	if diag.Summary == "" {
		return model.Diagnosis{}, resilience.Permanent(eris.Errorf("scorer: empty diagnosis for record %s", rec.ID))
	}
	return diag, nil
}

func createMessage(ctx context.Context, client anthropic.Client, modelID string, maxTokens int64, system, prompt string) (*anthropic.MessageResponse, error) {
	temp := 0.0
	resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       modelID,
		MaxTokens:   maxTokens,
		System:      []anthropic.SystemBlock{{Text: system, CacheControl: &anthropic.CacheControl{TTL: "5m"}}},
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classifyLLMError(ctx, err)
	}
	return resp, nil
}

// classifyLLMError marks throttling, overload and timeouts as transient.
func classifyLLMError(ctx context.Context, err error) error {
	var se *anthropic.StatusError
	if errors.As(err, &se) {
		// 529 is the API's overloaded status.
		if resilience.IsTransientHTTPStatus(se.StatusCode) || se.StatusCode == 529 {
			return resilience.NewTransientError(err, se.StatusCode)
		}
		return resilience.Permanent(err)
	}
	if ctx.Err() != nil || resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

// recordPrompt renders a record's raw fields in a stable order.
func recordPrompt(rec model.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device type: %s\n", deviceType(rec))
	fmt.Fprintf(&b, "Device: %s\n", rec.DeviceID())
	b.WriteString("LOG REFERENCE DATA:\n")
	for _, k := range slices.Sorted(maps.Keys(rec.RawFields)) {
		fmt.Fprintf(&b, "%s: %s\n", k, rec.RawFields[k])
	}
	return b.String()
}

// ParseRiskAssessment extracts a severity from free text. An explicit
// "RISK ASSESSMENT: <LEVEL>" wins; otherwise the most severe level keyword
// mentioned anywhere is used.
func ParseRiskAssessment(text string) (model.Severity, bool) {
	upper := strings.ToUpper(text)
	if i := strings.LastIndex(upper, "RISK ASSESSMENT:"); i >= 0 {
		rest := strings.Fields(upper[i+len("RISK ASSESSMENT:"):])
		if len(rest) > 0 {
			if sev, ok := model.ParseSeverity(strings.Trim(rest[0], "*.,;:")); ok {
				return sev, true
			}
		}
	}
	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		if strings.Contains(upper, string(sev)) {
			return sev, true
		}
	}
	return "", false
}

// ParseDiagnosis reads the DIAGNOSIS / ROOT CAUSE / ACTIONS layout. Lines
// outside it become findings.
func ParseDiagnosis(text string) model.Diagnosis {
	var d model.Diagnosis
	inActions := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DIAGNOSIS:"):
			d.Summary = strings.TrimSpace(line[len("DIAGNOSIS:"):])
			inActions = false
		case strings.HasPrefix(upper, "ROOT CAUSE:"):
			d.RootCause = strings.TrimSpace(line[len("ROOT CAUSE:"):])
			inActions = false
		case strings.HasPrefix(upper, "ACTIONS:"):
			inActions = true
		case inActions && (strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*")):
			d.RecommendedActions = append(d.RecommendedActions, strings.TrimSpace(line[1:]))
		default:
			d.Findings = append(d.Findings, line)
		}
	}
	if d.Summary == "" && len(d.Findings) > 0 {
		d.Summary = d.Findings[0]
		d.Findings = d.Findings[1:]
		d.Inconclusive = true
	}
	return d
}
