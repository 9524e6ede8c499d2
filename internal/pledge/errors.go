package pledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/pricing"
	"github.com/poolbuy/pledge-engine/internal/snapshot"
	"github.com/poolbuy/pledge-engine/internal/store"
)

// Stage is the step of a pledge attempt that was running when it ended.
type Stage string

const (
	StageFetching     Stage = "fetching"
	StageCheckingLock Stage = "checking_lock"
	StagePricing      Stage = "pricing"
	StageAuthorizing  Stage = "authorizing"
	StageRecording    Stage = "recording"
)

var (
	ErrInvalidRequest      = errors.New("pledge: invalid request")
	ErrPoolNotFound        = errors.New("pledge: pool not found")
	ErrPoolLocked          = errors.New("pledge: pool is locked")
	ErrAuthorizationFailed = errors.New("pledge: payment authorization failed")
	ErrPersistenceFailed   = errors.New("pledge: persistence failed")
	ErrCanceled            = errors.New("pledge: submission abandoned")
)

// Error is a terminal pledge failure with enough context to render a
// precise message or decide on a retry. errors.Is matches both Kind and
// the underlying cause.
type Error struct {
	Stage            Stage
	Kind             error
	PoolID           string
	BuyerRef         string
	Units            decimal.Decimal
	Constraint       string
	AuthorizationRef string
	Err              error

	reconcile bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (pool %s, stage %s", e.Kind, e.PoolID, e.Stage)
	if e.Constraint != "" {
		msg += ": " + e.Constraint
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NeedsReconciliation reports whether an authorization may exist without a
// matching pledge record. Such failures must be reconciled by operations.
func (e *Error) NeedsReconciliation() bool {
	return e.reconcile
}

// Code returns a stable machine-readable name for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPoolNotFound), errors.Is(err, store.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, snapshot.ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.Is(err, pricing.ErrInvalidUnits):
		return "invalid_units"
	case errors.Is(err, pricing.ErrBelowMinimumUnits):
		return "below_minimum_units"
	case errors.Is(err, pricing.ErrUnknownSurcharge):
		return "unknown_surcharge"
	case errors.Is(err, ErrPoolLocked):
		return "pool_locked"
	case errors.Is(err, ErrAuthorizationFailed):
		return "authorization_failed"
	case errors.Is(err, ErrPersistenceFailed):
		return "persistence_failed"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, store.ErrPoolExists):
		return "pool_exists"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "invalid_request":
		return http.StatusBadRequest
	case "pool_not_found":
		return http.StatusNotFound
	case "invalid_units", "below_minimum_units", "unknown_surcharge":
		return http.StatusUnprocessableEntity
	case "pool_locked", "pool_exists":
		return http.StatusConflict
	case "authorization_failed":
		return http.StatusPaymentRequired
	case "canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pricingKind picks the sentinel a pricing failure belongs to.
func pricingKind(err error) error {
	for _, kind := range []error{
		snapshot.ErrInvalidSnapshot,
		pricing.ErrInvalidUnits,
		pricing.ErrBelowMinimumUnits,
		pricing.ErrUnknownSurcharge,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInvalidRequest
}
