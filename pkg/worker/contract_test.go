package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosh3/mindloom/pkg/types"
)

func TestContractFromEnv(t *testing.T) {
	t.Setenv(EnvRunID, "run-123")
	t.Setenv(EnvRunnableID, "agent-1")
	t.Setenv(EnvRunnableKind, "agent")
	t.Setenv(EnvInputVariables, `{"message":"hi"}`)
	t.Setenv(EnvLogChannel, "")
	t.Setenv(EnvResultChannel, "")

	c, err := ContractFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "run-123", c.RunID)
	assert.Equal(t, "agent-1", c.RunnableID)
	assert.Equal(t, types.RunnableKindAgent, c.RunnableKind)
	assert.Equal(t, map[string]any{"message": "hi"}, c.InputVariables)
	assert.Equal(t, types.LogChannel("run-123"), c.LogChannel)
	assert.Equal(t, types.ResultChannel("run-123"), c.ResultChannel)
}

func TestContractFromEnvExplicitChannels(t *testing.T) {
	t.Setenv(EnvRunID, "run-123")
	t.Setenv(EnvRunnableID, "team-1")
	t.Setenv(EnvRunnableKind, "team")
	t.Setenv(EnvInputVariables, "")
	t.Setenv(EnvLogChannel, "custom_logs")
	t.Setenv(EnvResultChannel, "custom_results")

	c, err := ContractFromEnv()
	require.NoError(t, err)
	assert.Equal(t, types.RunnableKindTeam, c.RunnableKind)
	assert.Nil(t, c.InputVariables)
	assert.Equal(t, "custom_logs", c.LogChannel)
	assert.Equal(t, "custom_results", c.ResultChannel)
}

func TestContractFromEnvRejectsBadInput(t *testing.T) {
	t.Setenv(EnvRunID, "")
	t.Setenv(EnvRunnableID, "agent-1")
	t.Setenv(EnvRunnableKind, "agent")
	t.Setenv(EnvInputVariables, "")
	t.Setenv(EnvLogChannel, "")
	t.Setenv(EnvResultChannel, "")

	_, err := ContractFromEnv()
	assert.ErrorContains(t, err, EnvRunID)

	t.Setenv(EnvRunID, "run-123")
	t.Setenv(EnvRunnableKind, "swarm")
	_, err = ContractFromEnv()
	assert.ErrorContains(t, err, EnvRunnableKind)

	t.Setenv(EnvRunnableKind, "agent")
	t.Setenv(EnvInputVariables, "{not json")
	_, err = ContractFromEnv()
	assert.ErrorContains(t, err, EnvInputVariables)
}
