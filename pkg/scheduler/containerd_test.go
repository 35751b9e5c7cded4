package scheduler

import (
	"context"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithResourcesLimits(t *testing.T) {
	opt, err := withResources(LaunchSpec{CPULimit: "500m", MemoryLimit: "512Mi"})
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, opt(context.Background(), nil, nil, &spec))

	require.NotNil(t, spec.Linux)
	require.NotNil(t, spec.Linux.Resources)
	require.NotNil(t, spec.Linux.Resources.Memory)
	assert.Equal(t, int64(512<<20), *spec.Linux.Resources.Memory.Limit)
	require.NotNil(t, spec.Linux.Resources.CPU)
	assert.Equal(t, int64(50000), *spec.Linux.Resources.CPU.Quota)
	assert.Equal(t, uint64(cfsPeriodUs), *spec.Linux.Resources.CPU.Period)
}

func TestWithResourcesEmptySpecIsNoop(t *testing.T) {
	opt, err := withResources(LaunchSpec{})
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, opt(context.Background(), nil, nil, &spec))
	assert.Nil(t, spec.Linux)
}

func TestWithResourcesBadQuantity(t *testing.T) {
	_, err := withResources(LaunchSpec{MemoryLimit: "not-a-size"})
	assert.Error(t, err)

	_, err = withResources(LaunchSpec{CPULimit: "many"})
	assert.Error(t, err)
}
