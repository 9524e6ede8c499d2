// Package payment is the boundary to the payment-authorization service.
// The engine only ever asks for an authorization hold; capture, escrow and
// refunds happen elsewhere.
package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined is returned when the provider refuses the authorization.
	ErrDeclined = errors.New("payment: authorization declined")

	// ErrUnavailable is returned when the provider cannot be reached or
	// answers with an unexpected status.
	ErrUnavailable = errors.New("payment: provider unavailable")

	// ErrOutcomeUnknown marks failures where the provider may have placed
	// the hold anyway: timeouts, dropped connections and 5xx answers.
	ErrOutcomeUnknown = errors.New("payment: authorization outcome unknown")
)

// AuthorizationRequest asks the provider to hold Amount for BuyerRef.
// Providers must treat IdempotencyKey as a deduplication key: the same key
// always yields the same authorization reference.
type AuthorizationRequest struct {
	BuyerRef       string          `json:"buyer_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// Authorizer places authorization holds.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (string, error)
}

// MemoryAuthorizer approves every request and deduplicates by idempotency
// key. Used for development and tests.
type MemoryAuthorizer struct {
	mu       sync.Mutex
	refs     map[string]string
	declined map[string]bool
	calls    int

	// FailWith, when set, is returned from every call.
	FailWith error
}

// NewMemoryAuthorizer creates an in-memory authorizer.
func NewMemoryAuthorizer() *MemoryAuthorizer {
	return &MemoryAuthorizer{
		refs:     make(map[string]string),
		declined: make(map[string]bool),
	}
}

// Decline makes every future authorization for buyerRef fail with ErrDeclined.
func (a *MemoryAuthorizer) Decline(buyerRef string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.declined[buyerRef] = true
}

// Calls returns how many times Authorize was invoked.
func (a *MemoryAuthorizer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Authorizations returns the number of distinct authorizations granted.
func (a *MemoryAuthorizer) Authorizations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.refs)
}

func (a *MemoryAuthorizer) Authorize(ctx context.Context, req AuthorizationRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a.FailWith != nil {
		return "", a.FailWith
	}
	if a.declined[req.BuyerRef] {
		return "", ErrDeclined
	}
	if !req.Amount.IsPositive() {
		return "", ErrDeclined
	}

	if ref, ok := a.refs[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return ref, nil
	}
	ref := "auth_" + uuid.New().String()
	if req.IdempotencyKey != "" {
		a.refs[req.IdempotencyKey] = ref
	}
	return ref, nil
}
