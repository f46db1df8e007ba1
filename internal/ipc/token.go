package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the issuer claim on worker tokens.
const TokenIssuer = "iogrid"

// ErrUnauthorized is returned when a worker token is missing or invalid.
var ErrUnauthorized = errors.New("ipc: unauthorized")

// WorkerClaims identifies the worker a hub connection belongs to.
type WorkerClaims struct {
	Worker string `json:"wid"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for worker, valid for ttl.
func IssueToken(secret []byte, worker string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := WorkerClaims{
		Worker: worker,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyToken validates a worker token and returns the worker it names.
func VerifyToken(secret []byte, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var claims WorkerClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid || claims.Worker == "" {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return claims.Worker, nil
}
