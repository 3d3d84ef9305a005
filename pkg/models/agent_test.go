package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/fault"
)

func TestAgentStatusForwardOnly(t *testing.T) {
	legal := []struct{ from, to AgentStatus }{
		{AgentStatusIdle, AgentStatusAnalyzing},
		{AgentStatusAnalyzing, AgentStatusReporting},
		{AgentStatusReporting, AgentStatusCompleted},
		{AgentStatusAnalyzing, AgentStatusCompleted}, // skipping forward is still forward
		{AgentStatusIdle, AgentStatusError},
		{AgentStatusAnalyzing, AgentStatusError},
		{AgentStatusReporting, AgentStatusError},
		{AgentStatusCompleted, AgentStatusError},
		{AgentStatusError, AgentStatusIdle}, // the single allowed reset
	}
	for _, tt := range legal {
		assert.NoError(t, ValidateAgentTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	illegal := []struct{ from, to AgentStatus }{
		{AgentStatusAnalyzing, AgentStatusIdle},
		{AgentStatusReporting, AgentStatusAnalyzing},
		{AgentStatusCompleted, AgentStatusReporting},
		{AgentStatusCompleted, AgentStatusIdle},
		{AgentStatusError, AgentStatusAnalyzing},
		{AgentStatusError, AgentStatusCompleted},
		{AgentStatusError, AgentStatusError},
		{AgentStatusIdle, AgentStatusIdle},
	}
	for _, tt := range illegal {
		err := ValidateAgentTransition(tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, fault.KindIllegalTransition, fault.KindOf(err))
	}
}

func TestAgentStatusTerminal(t *testing.T) {
	assert.True(t, AgentStatusCompleted.Terminal())
	assert.True(t, AgentStatusError.Terminal())
	assert.False(t, AgentStatusIdle.Terminal())
	assert.False(t, AgentStatusAnalyzing.Terminal())
	assert.False(t, AgentStatusReporting.Terminal())
}

func TestFormatAgentID(t *testing.T) {
	assert.Equal(t, "AGN-FUNCTION-0001", FormatAgentID(ScopeFunction, 1))
	assert.Equal(t, "AGN-SYSTEM-0003", FormatAgentID(ScopeSystem, 3))
	assert.Equal(t, "AGN-MODULE-10001", FormatAgentID(ScopeModule, 10001))
}

func TestScopeValidity(t *testing.T) {
	for _, s := range Scopes() {
		assert.True(t, s.Valid())
	}
	assert.False(t, AgentScope("Package").Valid())
}
