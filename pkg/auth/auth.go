// Package auth defines how API clients prove who they are. Token issuance
// and rotation live outside this subsystem; the control plane only verifies.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken is returned when a presented token matches no known token.
var ErrInvalidToken = errors.New("invalid token")

// Verifier checks bearer tokens presented by API clients.
type Verifier interface {
	Verify(ctx context.Context, token string) error
}

// StaticVerifier accepts a fixed token set configured at startup. Tokens are
// compared through sha256 digests in constant time so neither length nor
// content leaks through timing.
type StaticVerifier struct {
	digests [][sha256.Size]byte
}

// NewStaticVerifier builds a verifier over the given tokens, ignoring empty
// entries. With zero usable tokens every Verify fails.
func NewStaticVerifier(tokens []string) *StaticVerifier {
	v := &StaticVerifier{}
	for _, t := range tokens {
		if t == "" {
			continue
		}
		v.digests = append(v.digests, sha256.Sum256([]byte(t)))
	}
	return v
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) error {
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range v.digests {
		match |= subtle.ConstantTimeCompare(v.digests[i][:], sum[:])
	}
	if match == 1 {
		return nil
	}
	return ErrInvalidToken
}

// AllowAll accepts every request, the empty token included. The server falls
// back to it when no tokens are configured, which is only sensible in
// development.
type AllowAll struct{}

func (AllowAll) Verify(ctx context.Context, token string) error { return nil }
