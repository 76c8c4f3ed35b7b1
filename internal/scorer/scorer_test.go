package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/triage-loop/internal/config"
)

func TestNewClassifier(t *testing.T) {
	c, err := NewClassifier(config.ScorerConfig{Provider: "rules"}, config.AnthropicConfig{})
	require.NoError(t, err)
	assert.IsType(t, RuleClassifier{}, c)

	c, err = NewClassifier(config.ScorerConfig{Provider: "Anthropic"}, config.AnthropicConfig{Key: "k", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &LLMClassifier{}, c)

	_, err = NewClassifier(config.ScorerConfig{Provider: "anthropic"}, config.AnthropicConfig{})
	assert.Error(t, err)

	_, err = NewClassifier(config.ScorerConfig{Provider: "oracle"}, config.AnthropicConfig{})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNewDiagnoser(t *testing.T) {
	d, err := NewDiagnoser(config.ScorerConfig{}, config.AnthropicConfig{})
	require.NoError(t, err)
	assert.IsType(t, RuleDiagnoser{}, d)

	d, err = NewDiagnoser(config.ScorerConfig{Provider: "anthropic"}, config.AnthropicConfig{Key: "k"})
	require.NoError(t, err)
	assert.IsType(t, &LLMDiagnoser{}, d)
}
