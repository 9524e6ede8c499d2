// Package pledge validates, prices, authorizes and records buyer pledges
// against group-buying pools, and serves the HTTP surface for them.
//
// A pledge attempt is a strictly linear sequence:
//
//	Fetching → CheckingLock → Pricing → Authorizing → Recording → Completed
//
// Every step either advances or ends the attempt with an *Error. Nothing is
// retried inside the engine, and nothing is persisted before the payment
// authorization succeeds.
package pledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/poolbuy/pledge-engine/internal/events"
	"github.com/poolbuy/pledge-engine/internal/lock"
	"github.com/poolbuy/pledge-engine/internal/metrics"
	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/payment"
	"github.com/poolbuy/pledge-engine/internal/pricing"
	"github.com/poolbuy/pledge-engine/internal/snapshot"
	"github.com/poolbuy/pledge-engine/internal/store"
)

// Engine orchestrates pledge submission. It holds no per-pledge state:
// concurrent submissions only share the collaborators, and the store is
// responsible for serializing committed-unit increments.
type Engine struct {
	store          store.Store
	authorizer     payment.Authorizer
	publisher      events.Publisher
	hub            *WSHub // optional
	log            *zap.Logger
	now            func() time.Time
	defaultFeeRate decimal.Decimal
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for lock checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithHub enables WebSocket broadcasts of pool progress.
func WithHub(h *WSHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDefaultFeeRate sets the platform fee applied to pools created
// without one.
func WithDefaultFeeRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.defaultFeeRate = rate }
}

// NewEngine creates a pledge engine over the given store and authorizer.
func NewEngine(st store.Store, authorizer payment.Authorizer, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		authorizer:     authorizer,
		publisher:      events.NopPublisher{},
		log:            zap.NewNop(),
		now:            time.Now,
		defaultFeeRate: decimal.NewFromFloat(0.03),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitPledge runs one pledge attempt to completion. A retry of an attempt
// that already produced a record (same idempotency key) returns that record
// without authorizing again.
func (e *Engine) SubmitPledge(ctx context.Context, req model.PledgeRequest) (*model.PledgeRecord, error) {
	started := time.Now()
	outcome := "completed"
	defer func() { metrics.ObservePledge(outcome, started) }()

	log := e.log.With(
		zap.String("pool_id", req.PoolID),
		zap.String("buyer_ref", req.BuyerRef),
		zap.String("units", req.Units.String()),
	)
	fail := func(pe *Error) (*model.PledgeRecord, error) {
		pe.PoolID, pe.BuyerRef, pe.Units = req.PoolID, req.BuyerRef, req.Units
		outcome = Code(pe)
		fields := []zap.Field{zap.String("stage", string(pe.Stage)), zap.Error(pe)}
		if pe.NeedsReconciliation() {
			log.Error("pledge failed, authorization needs reconciliation",
				append(fields,
					zap.Bool("needs_reconciliation", true),
					zap.String("authorization_ref", pe.AuthorizationRef))...)
		} else {
			log.Info("pledge rejected", fields...)
		}
		return nil, pe
	}

	if req.PoolID == "" || req.BuyerRef == "" {
		return fail(&Error{Stage: StageFetching, Kind: ErrInvalidRequest, Constraint: "pool_id and buyer_ref are required"})
	}
	req.SelectedSurcharges = pricing.NormalizeSurcharges(req.SelectedSurcharges)
	key := IdempotencyKey(req)

	existing, err := e.store.GetPledgeByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		outcome = "replayed"
		log.Info("pledge replayed", zap.String("pledge_id", existing.ID))
		return existing, nil
	case !errors.Is(err, store.ErrPledgeNotFound):
		// The unique key in the store still rejects a duplicate record.
		log.Warn("idempotency lookup failed", zap.Error(err))
	}

	// Fetching
	snap, err := e.store.GetSnapshot(ctx, req.PoolID)
	if errors.Is(err, store.ErrPoolNotFound) {
		return fail(&Error{Stage: StageFetching, Kind: ErrPoolNotFound, Err: err})
	}
	if err != nil {
		return fail(&Error{Stage: StageFetching, Kind: ErrPersistenceFailed, Err: err})
	}
	if err := snapshot.Validate(snap); err != nil {
		return fail(&Error{Stage: StageFetching, Kind: snapshot.ErrInvalidSnapshot, Err: err})
	}

	// CheckingLock
	if st := lock.Evaluate(snap.Deadline, e.now()); !st.IsOpen() {
		return fail(&Error{
			Stage:      StageCheckingLock,
			Kind:       ErrPoolLocked,
			Constraint: fmt.Sprintf("deadline %s has passed", snap.Deadline.UTC().Format(time.RFC3339)),
		})
	}

	// Pricing
	cost, err := pricing.ComputeCost(snap, req)
	if err != nil {
		pe := &Error{Stage: StagePricing, Kind: pricingKind(err), Err: err}
		if errors.Is(err, pricing.ErrBelowMinimumUnits) {
			pe.Constraint = fmt.Sprintf("units >= %s", snap.MinUnits)
		}
		return fail(pe)
	}
	amount := pricing.AuthorizationAmount(cost.Total, cost.Currency)

	// Authorizing
	if err := ctx.Err(); err != nil {
		return fail(&Error{Stage: StageAuthorizing, Kind: ErrCanceled, Err: err})
	}
	authRef, err := e.authorizer.Authorize(ctx, payment.AuthorizationRequest{
		BuyerRef:       req.BuyerRef,
		Amount:         amount,
		Currency:       cost.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		pe := &Error{Stage: StageAuthorizing, Kind: ErrAuthorizationFailed, Err: err}
		if authOutcomeUnknown(err) {
			// The provider may have placed the hold anyway.
			pe.reconcile = true
			metrics.UnreconciledAuthorizations.Inc()
			log.Error("authorization outcome unknown, hold may need release",
				zap.String("idempotency_key", key), zap.Error(err))
		}
		return fail(pe)
	}

	// Recording. The authorization exists now, so the record is written even
	// if the caller has gone away.
	rec := &model.PledgeRecord{
		ID:                 uuid.New().String(),
		PoolID:             req.PoolID,
		BuyerRef:           req.BuyerRef,
		Units:              req.Units,
		SelectedSurcharges: req.SelectedSurcharges,
		Cost:               cost,
		AuthorizedAmount:   amount,
		AuthorizationRef:   authRef,
		IdempotencyKey:     key,
		Status:             model.PledgeAuthorized,
		CreatedAt:          e.now().UTC(),
	}
	recCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		log.Warn("caller abandoned pledge after authorization, recording anyway",
			zap.String("authorization_ref", authRef))
	}

	if err := e.store.CreatePledgeRecord(recCtx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicatePledge) {
			if prior, gerr := e.store.GetPledgeByIdempotencyKey(recCtx, key); gerr == nil {
				outcome = "replayed"
				log.Info("concurrent duplicate pledge collapsed", zap.String("pledge_id", prior.ID))
				return prior, nil
			}
		}
		metrics.UnreconciledAuthorizations.Inc()
		e.publish(recCtx, events.TypePledgeUnreconciled, req.PoolID, func() events.PledgeEvent {
			ev := events.NewPledgeEvent(*rec)
			ev.PledgeID = ""
			ev.Reason = err.Error()
			return ev
		}())
		return fail(&Error{
			Stage:            StageRecording,
			Kind:             ErrPersistenceFailed,
			AuthorizationRef: authRef,
			Err:              err,
			reconcile:        true,
		})
	}

	// Completed
	metrics.PledgedUnits.WithLabelValues(cost.Currency).Add(req.Units.InexactFloat64())
	log.Info("pledge recorded",
		zap.String("pledge_id", rec.ID),
		zap.String("total", cost.Total.String()),
		zap.String("authorized_amount", amount.String()),
		zap.String("currency", cost.Currency),
		zap.String("authorization_ref", authRef),
	)
	e.publish(recCtx, events.TypePledgeAuthorized, req.PoolID, events.NewPledgeEvent(*rec))
	e.broadcastProgress(recCtx, snap, req.Units)

	return rec, nil
}

// Quote prices a prospective pledge without side effects.
func (e *Engine) Quote(ctx context.Context, req model.PledgeRequest) (QuoteView, error) {
	snap, err := e.fetch(ctx, req.PoolID)
	if err != nil {
		return QuoteView{}, err
	}
	cost, err := pricing.ComputeCost(snap, req)
	if err != nil {
		return QuoteView{}, &Error{Stage: StagePricing, Kind: pricingKind(err), PoolID: req.PoolID, Units: req.Units, Err: err}
	}
	amount := pricing.AuthorizationAmount(cost.Total, cost.Currency)
	return QuoteView{
		PoolID:              snap.ID,
		Units:               req.Units,
		SelectedSurcharges:  pricing.NormalizeSurcharges(req.SelectedSurcharges),
		Cost:                cost,
		AuthorizationAmount: amount,
		DisplayTotal:        pricing.FormatAmount(cost.Total, cost.Currency),
		Lock:                newLockView(lock.Evaluate(snap.Deadline, e.now())),
	}, nil
}

// LockState returns the pool's lock status at the engine's current time.
func (e *Engine) LockState(ctx context.Context, poolID string) (LockView, error) {
	snap, err := e.fetch(ctx, poolID)
	if err != nil {
		return LockView{}, err
	}
	return newLockView(lock.Evaluate(snap.Deadline, e.now())), nil
}

// GetPool returns a pool with its lock status and MOQ progress.
func (e *Engine) GetPool(ctx context.Context, poolID string) (PoolView, error) {
	snap, err := e.fetch(ctx, poolID)
	if err != nil {
		return PoolView{}, err
	}
	return e.poolView(snap), nil
}

// ListPools returns every pool with its lock status and progress.
func (e *Engine) ListPools(ctx context.Context) ([]PoolView, error) {
	pools, err := e.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, e.poolView(p))
	}
	return views, nil
}

// CreatePoolInput describes a new pool listing. A nil PlatformFeeRate takes
// the engine default.
type CreatePoolInput struct {
	ID                 string                     `json:"id,omitempty"`
	ProductName        string                     `json:"product_name"`
	SupplierRef        string                     `json:"supplier_ref"`
	UnitLabel          string                     `json:"unit_label"`
	UnitPrice          decimal.Decimal            `json:"unit_price"`
	MinUnits           decimal.Decimal            `json:"min_units"`
	MOQTarget          decimal.Decimal            `json:"moq_target"`
	Currency           string                     `json:"currency"`
	Deadline           time.Time                  `json:"deadline"`
	PlatformFeeRate    *decimal.Decimal           `json:"platform_fee_rate,omitempty"`
	OptionalSurcharges map[string]model.Surcharge `json:"optional_surcharges,omitempty"`
}

// CreatePool validates and persists a new pool with zero committed units.
func (e *Engine) CreatePool(ctx context.Context, in CreatePoolInput) (PoolView, error) {
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	fee := e.defaultFeeRate
	if in.PlatformFeeRate != nil {
		fee = *in.PlatformFeeRate
	}
	surcharges := in.OptionalSurcharges
	if surcharges == nil {
		surcharges = map[string]model.Surcharge{}
	}

	pool := model.PoolSnapshot{
		ID:                 id,
		ProductName:        in.ProductName,
		SupplierRef:        in.SupplierRef,
		UnitLabel:          in.UnitLabel,
		UnitPrice:          in.UnitPrice,
		MinUnits:           in.MinUnits,
		MOQTarget:          in.MOQTarget,
		CommittedUnits:     decimal.Zero,
		Currency:           in.Currency,
		Deadline:           in.Deadline.UTC(),
		PlatformFeeRate:    fee,
		OptionalSurcharges: surcharges,
		CreatedAt:          e.now().UTC(),
	}
	if err := snapshot.Validate(pool); err != nil {
		return PoolView{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !pool.Deadline.After(pool.CreatedAt) {
		return PoolView{}, fmt.Errorf("%w: deadline must be in the future", ErrInvalidRequest)
	}
	if err := e.store.CreatePool(ctx, &pool); err != nil {
		return PoolView{}, fmt.Errorf("create pool: %w", err)
	}

	e.log.Info("pool created",
		zap.String("pool_id", pool.ID),
		zap.String("product", pool.ProductName),
		zap.String("unit_price", pool.UnitPrice.String()),
		zap.String("moq_target", pool.MOQTarget.String()),
		zap.String("platform_fee_rate", fee.String()),
		zap.Time("deadline", pool.Deadline),
	)
	return e.poolView(pool), nil
}

// ListPledges returns the pledges recorded against a pool.
func (e *Engine) ListPledges(ctx context.Context, poolID string) ([]model.PledgeRecord, error) {
	if _, err := e.fetch(ctx, poolID); err != nil {
		return nil, err
	}
	recs, err := e.store.ListPledgesByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pledges: %w", err)
	}
	if recs == nil {
		recs = []model.PledgeRecord{}
	}
	return recs, nil
}

// ListBuyerPledges returns every pledge made by a buyer.
func (e *Engine) ListBuyerPledges(ctx context.Context, buyerRef string) ([]model.PledgeRecord, error) {
	recs, err := e.store.ListPledgesByBuyer(ctx, buyerRef)
	if err != nil {
		return nil, fmt.Errorf("list buyer pledges: %w", err)
	}
	if recs == nil {
		recs = []model.PledgeRecord{}
	}
	return recs, nil
}

// fetch loads and validates a snapshot for the read-only operations.
func (e *Engine) fetch(ctx context.Context, poolID string) (model.PoolSnapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, poolID)
	if errors.Is(err, store.ErrPoolNotFound) {
		return model.PoolSnapshot{}, &Error{Stage: StageFetching, Kind: ErrPoolNotFound, PoolID: poolID, Err: err}
	}
	if err != nil {
		return model.PoolSnapshot{}, &Error{Stage: StageFetching, Kind: ErrPersistenceFailed, PoolID: poolID, Err: err}
	}
	if err := snapshot.Validate(snap); err != nil {
		return model.PoolSnapshot{}, &Error{Stage: StageFetching, Kind: snapshot.ErrInvalidSnapshot, PoolID: poolID, Err: err}
	}
	return snap, nil
}

func (e *Engine) publish(ctx context.Context, eventType, poolID string, data any) {
	ev, err := events.NewEvent(eventType, poolID, data)
	if err == nil {
		err = e.publisher.Publish(ctx, ev)
	}
	if err != nil {
		e.log.Warn("event publish failed",
			zap.String("type", eventType),
			zap.String("pool_id", poolID),
			zap.Error(err))
	}
}

// broadcastProgress tells WebSocket clients about the pool after a pledge.
// It re-reads the snapshot so concurrent pledges are reflected; on a read
// failure it falls back to the pre-pledge snapshot plus this pledge.
func (e *Engine) broadcastProgress(ctx context.Context, before model.PoolSnapshot, units decimal.Decimal) {
	if e.hub == nil {
		return
	}
	after, err := e.store.GetSnapshot(ctx, before.ID)
	if err != nil {
		after = before.Clone()
		after.CommittedUnits = before.CommittedUnits.Add(units)
	}
	progress := snapshot.ComputeProgress(after)
	e.hub.Broadcast(WSMessage{
		Type:           MsgPledgeRecorded,
		PoolID:         after.ID,
		Units:          units.String(),
		CommittedUnits: progress.CommittedUnits.String(),
		MOQTarget:      progress.MOQTarget.String(),
		Percent:        progress.Percent.String(),
		MOQReached:     progress.Reached,
		LockState:      string(lock.Open),
	})
}

func authOutcomeUnknown(err error) bool {
	return errors.Is(err, payment.ErrOutcomeUnknown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
