package pledge

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/lock"
	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/pricing"
	"github.com/poolbuy/pledge-engine/internal/snapshot"
)

// LockView is the JSON form of a lock status.
type LockView struct {
	State            lock.State `json:"state"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Remaining        string     `json:"remaining"`
}

func newLockView(st lock.Status) LockView {
	return LockView{
		State:            st.State,
		RemainingSeconds: int64(st.Remaining / time.Second),
		Remaining:        lock.FormatRemaining(st.Remaining),
	}
}

// PoolView is a pool snapshot with derived lock status and progress.
type PoolView struct {
	model.PoolSnapshot
	DisplayUnitPrice string            `json:"display_unit_price"`
	Lock             LockView          `json:"lock"`
	Progress         snapshot.Progress `json:"progress"`
}

func (e *Engine) poolView(s model.PoolSnapshot) PoolView {
	return PoolView{
		PoolSnapshot:     s,
		DisplayUnitPrice: pricing.FormatAmount(s.UnitPrice, s.Currency),
		Lock:             newLockView(lock.Evaluate(s.Deadline, e.now())),
		Progress:         snapshot.ComputeProgress(s),
	}
}

// QuoteView is a live price preview for a prospective pledge.
type QuoteView struct {
	PoolID              string              `json:"pool_id"`
	Units               decimal.Decimal     `json:"units"`
	SelectedSurcharges  []string            `json:"selected_surcharges"`
	Cost                model.CostBreakdown `json:"cost"`
	AuthorizationAmount decimal.Decimal     `json:"authorization_amount"`
	DisplayTotal        string              `json:"display_total"`
	Lock                LockView            `json:"lock"`
}

func formatTotal(rec *model.PledgeRecord) string {
	return pricing.FormatAmount(rec.Cost.Total, rec.Cost.Currency)
}
