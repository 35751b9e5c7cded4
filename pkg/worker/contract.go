package worker

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/moosh3/mindloom/pkg/types"
)

// Environment variables of the worker invocation contract, set by the
// scheduler when it launches the worker resource.
const (
	EnvRunID          = "RUN_ID"
	EnvRunnableID     = "RUNNABLE_ID"
	EnvRunnableKind   = "RUNNABLE_KIND"
	EnvInputVariables = "INPUT_VARIABLES"
	EnvLogChannel     = "LOG_CHANNEL"
	EnvResultChannel  = "RESULT_CHANNEL"
)

// Contract is the per-run identity a worker process receives from its
// launcher. Everything else the worker needs it reads from the store.
type Contract struct {
	RunID          string
	RunnableID     string
	RunnableKind   types.RunnableKind
	InputVariables map[string]any
	LogChannel     string
	ResultChannel  string
}

// ContractFromEnv reads the invocation contract from the environment.
// Channel names default to the conventional per-run channels when unset,
// which covers workers launched by hand.
func ContractFromEnv() (Contract, error) {
	c := Contract{
		RunID:         os.Getenv(EnvRunID),
		RunnableID:    os.Getenv(EnvRunnableID),
		LogChannel:    os.Getenv(EnvLogChannel),
		ResultChannel: os.Getenv(EnvResultChannel),
	}
	if c.RunID == "" {
		return Contract{}, fmt.Errorf("worker: %s is not set", EnvRunID)
	}

	kind, ok := types.ParseRunnableKind(os.Getenv(EnvRunnableKind))
	if !ok {
		return Contract{}, fmt.Errorf("worker: invalid %s %q", EnvRunnableKind, os.Getenv(EnvRunnableKind))
	}
	c.RunnableKind = kind

	if raw := os.Getenv(EnvInputVariables); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.InputVariables); err != nil {
			return Contract{}, fmt.Errorf("worker: invalid %s: %w", EnvInputVariables, err)
		}
	}

	if c.LogChannel == "" {
		c.LogChannel = types.LogChannel(c.RunID)
	}
	if c.ResultChannel == "" {
		c.ResultChannel = types.ResultChannel(c.RunID)
	}
	return c, nil
}
