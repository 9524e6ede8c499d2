// Package pricing implements the pledge cost calculator for group-buying
// pools.
//
// The calculator is a pure function of (snapshot, request): no I/O, no
// clock, no hidden state. Identical inputs always produce identical
// breakdowns, which is what makes upstream retries safe.
//
// All arithmetic is exact decimal. Rounding happens only at the
// authorization and display boundaries (see currency.go).
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/snapshot"
)

var (
	// ErrInvalidUnits is returned when the requested units are not positive.
	ErrInvalidUnits = errors.New("pricing: units must be positive")

	// ErrBelowMinimumUnits is returned when units < snapshot.MinUnits.
	ErrBelowMinimumUnits = errors.New("pricing: units below pool minimum")

	// ErrUnknownSurcharge is returned when a selected surcharge key is not
	// offered by the pool.
	ErrUnknownSurcharge = errors.New("pricing: unknown surcharge")
)

// ComputeCost prices a pledge request against a pool snapshot.
//
//	perUnitBase = unitPrice + Σ per-unit surcharges
//	subtotal    = units × perUnitBase + Σ flat surcharges
//	platformFee = subtotal × platformFeeRate
//	total       = subtotal + platformFee
//
// Currency is passed through from the snapshot unchanged.
func ComputeCost(s model.PoolSnapshot, req model.PledgeRequest) (model.CostBreakdown, error) {
	if err := snapshot.Validate(s); err != nil {
		return model.CostBreakdown{}, err
	}
	if !req.Units.IsPositive() {
		return model.CostBreakdown{}, fmt.Errorf("%w: got %s", ErrInvalidUnits, req.Units)
	}
	if req.Units.LessThan(s.MinUnits) {
		return model.CostBreakdown{}, fmt.Errorf("%w: %s %s requested, minimum is %s",
			ErrBelowMinimumUnits, req.Units, s.UnitLabel, s.MinUnits)
	}

	perUnitBase := s.UnitPrice
	flat := decimal.Zero
	for _, key := range NormalizeSurcharges(req.SelectedSurcharges) {
		sc, ok := s.OptionalSurcharges[key]
		if !ok {
			return model.CostBreakdown{}, fmt.Errorf("%w: %s", ErrUnknownSurcharge, key)
		}
		switch sc.Kind {
		case model.SurchargePerUnit:
			perUnitBase = perUnitBase.Add(sc.Amount)
		case model.SurchargeFlat:
			flat = flat.Add(sc.Amount)
		}
	}

	subtotal := req.Units.Mul(perUnitBase).Add(flat)
	fee := subtotal.Mul(s.PlatformFeeRate)

	return model.CostBreakdown{
		PerUnitBase:     perUnitBase,
		FlatSurcharges:  flat,
		Subtotal:        subtotal,
		PlatformFeeRate: s.PlatformFeeRate,
		PlatformFee:     fee,
		Total:           subtotal.Add(fee),
		Currency:        s.Currency,
	}, nil
}

// NormalizeSurcharges returns the selected keys sorted and de-duplicated.
// Selecting the same surcharge twice charges it once.
func NormalizeSurcharges(keys []string) []string {
	if len(keys) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
