package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewStaticVerifier([]string{"alpha-token", "beta-token", ""})

	assert.NoError(t, v.Verify(ctx, "alpha-token"))
	assert.NoError(t, v.Verify(ctx, "beta-token"))
	assert.ErrorIs(t, v.Verify(ctx, "gamma-token"), ErrInvalidToken)
	assert.ErrorIs(t, v.Verify(ctx, ""), ErrInvalidToken)
}

func TestStaticVerifierEmptySet(t *testing.T) {
	v := NewStaticVerifier(nil)
	assert.ErrorIs(t, v.Verify(context.Background(), "anything"), ErrInvalidToken)
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.Verify(context.Background(), ""))
	assert.NoError(t, AllowAll{}.Verify(context.Background(), "whatever"))
}
