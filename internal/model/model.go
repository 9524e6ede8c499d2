// Package model defines the core domain types shared across the pledge engine.
// All monetary values and unit quantities use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SurchargeKind says how a surcharge amount is applied.
type SurchargeKind string

const (
	SurchargePerUnit SurchargeKind = "per_unit"
	SurchargeFlat    SurchargeKind = "flat"
)

// Valid reports whether k is a known surcharge kind.
func (k SurchargeKind) Valid() bool {
	return k == SurchargePerUnit || k == SurchargeFlat
}

// Surcharge is an optional add-on a buyer may select at pledge time.
type Surcharge struct {
	Kind   SurchargeKind   `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// PoolSnapshot is a read-only view of a pool's commercial terms and
// progress at the instant it was read. A new snapshot is produced for
// every read; holders must never mutate one in place.
type PoolSnapshot struct {
	ID                 string               `json:"id"`
	ProductName        string               `json:"product_name"`
	SupplierRef        string               `json:"supplier_ref"`
	UnitLabel          string               `json:"unit_label"`
	UnitPrice          decimal.Decimal      `json:"unit_price"`
	MinUnits           decimal.Decimal      `json:"min_units"`       // per-pledge minimum
	MOQTarget          decimal.Decimal      `json:"moq_target"`      // pool-level minimum order quantity
	CommittedUnits     decimal.Decimal      `json:"committed_units"` // sum of accepted pledges
	Currency           string               `json:"currency"`
	Deadline           time.Time            `json:"deadline"`
	PlatformFeeRate    decimal.Decimal      `json:"platform_fee_rate"`
	OptionalSurcharges map[string]Surcharge `json:"optional_surcharges"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Clone returns a deep copy so stores can hand out snapshots without
// sharing the surcharge map.
func (p PoolSnapshot) Clone() PoolSnapshot {
	out := p
	if p.OptionalSurcharges != nil {
		out.OptionalSurcharges = make(map[string]Surcharge, len(p.OptionalSurcharges))
		for k, v := range p.OptionalSurcharges {
			out.OptionalSurcharges[k] = v
		}
	}
	return out
}

// PledgeRequest is a buyer's transient request to commit units to a pool.
type PledgeRequest struct {
	PoolID             string          `json:"pool_id"`
	Units              decimal.Decimal `json:"units"`
	SelectedSurcharges []string        `json:"selected_surcharges"`
	BuyerRef           string          `json:"buyer_ref"`
	// ClientRequestID distinguishes deliberate repeat pledges with the same
	// terms from retries of one submission. Optional.
	ClientRequestID string `json:"client_request_id,omitempty"`
}

// CostBreakdown is the exact, unrounded price of a pledge.
type CostBreakdown struct {
	PerUnitBase     decimal.Decimal `json:"per_unit_base"`
	FlatSurcharges  decimal.Decimal `json:"flat_surcharges"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	PlatformFeeRate decimal.Decimal `json:"platform_fee_rate"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
}

// PledgeStatus is advanced only by the payment/escrow service and the
// pool-close process, never by the engine after creation.
type PledgeStatus string

const (
	PledgeAuthorized PledgeStatus = "authorized"
	PledgeEscrowHeld PledgeStatus = "escrow_held"
	PledgeRefunded   PledgeStatus = "refunded"
	PledgeCaptured   PledgeStatus = "captured"
)

// PledgeRecord is the persisted result of a successful pledge.
// Once created, the engine never modifies it.
type PledgeRecord struct {
	ID                 string          `json:"id"`
	PoolID             string          `json:"pool_id"`
	BuyerRef           string          `json:"buyer_ref"`
	Units              decimal.Decimal `json:"units"`
	SelectedSurcharges []string        `json:"selected_surcharges"`
	Cost               CostBreakdown   `json:"cost"`
	AuthorizedAmount   decimal.Decimal `json:"authorized_amount"` // Cost.Total rounded to currency precision
	AuthorizationRef   string          `json:"authorization_ref"`
	IdempotencyKey     string          `json:"idempotency_key"`
	Status             PledgeStatus    `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}
