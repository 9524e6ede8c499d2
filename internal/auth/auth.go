// Package auth resolves the buyer identity from a bearer token.
//
// The identity provider is opaque to the engine: any issuer that signs
// HS256 tokens with the shared secret and puts the buyer reference in the
// "sub" claim is accepted.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("auth: invalid token")

type ctxKey struct{}

// Claims are the token claims the engine reads.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for buyerRef valid for ttl.
func IssueToken(secret []byte, buyerRef string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   buyerRef,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates tokenString and returns the buyer reference.
func ParseToken(secret []byte, tokenString string) (string, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject as the buyer reference in the request context.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if header == "" || tokenString == header {
				unauthorized(w, "missing bearer token")
				return
			}

			buyerRef, err := ParseToken(secret, tokenString)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithBuyerRef(r.Context(), buyerRef)))
		})
	}
}

// WithBuyerRef returns a context carrying buyerRef.
func WithBuyerRef(ctx context.Context, buyerRef string) context.Context {
	return context.WithValue(ctx, ctxKey{}, buyerRef)
}

// BuyerRef returns the authenticated buyer reference, if any.
func BuyerRef(ctx context.Context) (string, bool) {
	ref, ok := ctx.Value(ctxKey{}).(string)
	return ref, ok && ref != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="pledge-engine"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
