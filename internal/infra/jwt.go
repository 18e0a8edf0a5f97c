// README: HS256 token verifier used when Firebase is not configured (local dev, bench).
package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type jwtVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) (TokenVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &jwtVerifier{secret: []byte(secret)}, nil
}

func (v *jwtVerifier) VerifyIDToken(_ context.Context, raw string) (*FirebaseToken, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return &FirebaseToken{UID: sub, Claims: map[string]any(claims)}, nil
}

// SignJWT mints a token carrying role and actor_id claims. Used by cmd/bench and tests.
func SignJWT(secret, subject, role string, actorID int64, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":      subject,
		"role":     role,
		"actor_id": actorID,
		"exp":      time.Now().Add(ttl).Unix(),
		"iat":      time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
