// Package snapshot checks the internal consistency of pool snapshots handed
// to the engine by the document store, and derives pool progress toward
// its minimum order quantity.
package snapshot

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
)

// ErrInvalidSnapshot is returned when a snapshot violates the provider
// contract. The engine fails fast and never repairs a snapshot.
var ErrInvalidSnapshot = errors.New("snapshot: invalid pool snapshot")

// currencyRegex matches ISO 4217 alphabetic codes, e.g. USD, EUR, INR.
var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// surchargeKeyRegex matches keys such as rush, qc, privateLabel, eco_pack.
var surchargeKeyRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,31}$`)

var hundred = decimal.NewFromInt(100)

// Validate returns nil if s is internally consistent, or an error wrapping
// ErrInvalidSnapshot that names the first violated constraint.
func Validate(s model.PoolSnapshot) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty pool id", ErrInvalidSnapshot)
	case !s.UnitPrice.IsPositive():
		return fmt.Errorf("%w: unit_price must be positive, got %s", ErrInvalidSnapshot, s.UnitPrice)
	case !s.MinUnits.IsPositive():
		return fmt.Errorf("%w: min_units must be positive, got %s", ErrInvalidSnapshot, s.MinUnits)
	case !s.MOQTarget.IsPositive():
		return fmt.Errorf("%w: moq_target must be positive, got %s", ErrInvalidSnapshot, s.MOQTarget)
	case s.CommittedUnits.IsNegative():
		return fmt.Errorf("%w: committed_units must not be negative, got %s", ErrInvalidSnapshot, s.CommittedUnits)
	case s.Deadline.IsZero():
		return fmt.Errorf("%w: deadline is not set", ErrInvalidSnapshot)
	case !currencyRegex.MatchString(s.Currency):
		return fmt.Errorf("%w: currency %q is not an ISO 4217 code", ErrInvalidSnapshot, s.Currency)
	case s.PlatformFeeRate.IsNegative() || s.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: platform_fee_rate must be in [0, 1), got %s", ErrInvalidSnapshot, s.PlatformFeeRate)
	}

	for key, sc := range s.OptionalSurcharges {
		if err := ValidateSurchargeKey(key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		if !sc.Kind.Valid() {
			return fmt.Errorf("%w: surcharge %s has unknown kind %q", ErrInvalidSnapshot, key, sc.Kind)
		}
		if sc.Amount.IsNegative() {
			return fmt.Errorf("%w: surcharge %s amount must not be negative, got %s", ErrInvalidSnapshot, key, sc.Amount)
		}
	}
	return nil
}

// ValidateSurchargeKey checks that key is usable as a surcharge identifier.
func ValidateSurchargeKey(key string) error {
	if !surchargeKeyRegex.MatchString(key) {
		return fmt.Errorf("surcharge key %q must start with a letter and contain only letters, digits or _", key)
	}
	return nil
}

// Progress describes how far a pool is toward its MOQ.
type Progress struct {
	CommittedUnits decimal.Decimal `json:"committed_units"`
	MOQTarget      decimal.Decimal `json:"moq_target"`
	Percent        decimal.Decimal `json:"percent"`         // uncapped, 2dp
	DisplayPercent decimal.Decimal `json:"display_percent"` // capped at 100
	UnitsToMOQ     decimal.Decimal `json:"units_to_moq"`    // zero once reached
	Reached        bool            `json:"reached"`
}

// ComputeProgress derives MOQ progress from a validated snapshot.
func ComputeProgress(s model.PoolSnapshot) Progress {
	p := Progress{
		CommittedUnits: s.CommittedUnits,
		MOQTarget:      s.MOQTarget,
		Percent:        decimal.Zero,
		DisplayPercent: decimal.Zero,
		UnitsToMOQ:     decimal.Zero,
	}
	if !s.MOQTarget.IsPositive() {
		return p
	}

	p.Percent = s.CommittedUnits.Div(s.MOQTarget).Mul(hundred).Round(2)
	p.DisplayPercent = decimal.Min(p.Percent, hundred)
	p.Reached = s.CommittedUnits.GreaterThanOrEqual(s.MOQTarget)
	if !p.Reached {
		p.UnitsToMOQ = s.MOQTarget.Sub(s.CommittedUnits)
	}
	return p
}
