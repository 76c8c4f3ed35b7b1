// Package scorer holds the decision logic behind the three stages: a
// severity classifier, a diagnoser and a remediation actuator. Each has a
// deterministic rule implementation derived from the device telemetry
// thresholds, and the classifier and diagnoser also have an LLM-backed
// implementation.
package scorer

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/pkg/anthropic"
)

// Classifier assigns a severity to a record. Transient failures are
// returned as *resilience.TransientError so callers may retry.
type Classifier interface {
	Score(ctx context.Context, rec model.Record) (model.Severity, error)
}

// Diagnoser explains an escalated record.
type Diagnoser interface {
	Diagnose(ctx context.Context, rec model.Record, severity model.Severity) (model.Diagnosis, error)
}

// Actuator applies remediation actions for a diagnosed record.
type Actuator interface {
	Remediate(ctx context.Context, rec model.Record, diag model.Diagnosis) (model.RemediationReport, error)
}

// ErrNoMetrics is returned when a record carries none of the fields a rule
// set knows how to read.
var ErrNoMetrics = eris.New("scorer: no recognizable metrics")

// Provider names accepted by scorer.provider.
const (
	ProviderRules     = "rules"
	ProviderAnthropic = "anthropic"
)

// NewClassifier builds the classifier selected by cfg.Provider.
func NewClassifier(cfg config.ScorerConfig, ac config.AnthropicConfig) (Classifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderRules:
		return RuleClassifier{}, nil
	case ProviderAnthropic:
		if ac.Key == "" {
			return nil, eris.New("scorer: anthropic.key is required")
		}
		return NewLLMClassifier(anthropic.NewClient(ac.Key), ac.Model, ac.MaxTokens), nil
	default:
		return nil, eris.Errorf("scorer: unknown provider %q", cfg.Provider)
	}
}

// NewDiagnoser builds the diagnoser selected by cfg.Provider.
func NewDiagnoser(cfg config.ScorerConfig, ac config.AnthropicConfig) (Diagnoser, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderRules:
		return RuleDiagnoser{}, nil
	case ProviderAnthropic:
		if ac.Key == "" {
			return nil, eris.New("scorer: anthropic.key is required")
		}
		return NewLLMDiagnoser(anthropic.NewClient(ac.Key), ac.Model, ac.MaxTokens), nil
	default:
		return nil, eris.Errorf("scorer: unknown provider %q", cfg.Provider)
	}
}
