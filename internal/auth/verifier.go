package auth

import (
	"context"
	"fmt"
)

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret string
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims, err := ValidateToken(v.secret, token)
	if err != nil {
		return Identity{}, fmt.Errorf("auth.JWTVerifier.Verify: %w", err)
	}
	return Identity{UserID: claims.UserID}, nil
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
