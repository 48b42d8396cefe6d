package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"splitbot/internal/broker"
	"splitbot/internal/cfg"
	"splitbot/internal/metrics"
)

// ErrFillTimeout means the order was submitted but not confirmed inside
// the polling window. The order stays pending and is re-checked on the
// next cycle, never resubmitted.
var ErrFillTimeout = errors.New("fill confirmation timed out")

// PendingOrder tracks one in-flight order. At most one per instrument.
type PendingOrder struct {
	OrderID      string
	ClientID     string
	Instrument   string
	Side         broker.Side
	Slice        int
	Qty          float64
	LimitPrice   float64
	SubmittedAt  time.Time
	BaselineQty  float64 // holdings before submission, for delta-based fill sizing
	PriceLookups int
}

// Fill is a confirmed execution.
type Fill struct {
	OrderID    string
	Instrument string
	Side       broker.Side
	Slice      int
	Price      float64
	Qty        float64
}

// DedupKey identifies the fill for idempotent application.
func (f Fill) DedupKey() string {
	return fmt.Sprintf("fill:%s:%s", f.Instrument, f.OrderID)
}

// Executor submits limit orders and confirms fills against the broker.
// It re-queries the actual traded price rather than trusting the
// submitted limit price.
type Executor struct {
	api     broker.API
	cfg     cfg.OrderConfig
	met     *metrics.Metrics
	clock   Clock
	pending map[string]*PendingOrder
	dryRun  bool
}

func NewExecutor(api broker.API, c cfg.OrderConfig, met *metrics.Metrics, clock Clock, dryRun bool) *Executor {
	return &Executor{
		api:     api,
		cfg:     c,
		met:     met,
		clock:   clock,
		pending: make(map[string]*PendingOrder),
		dryRun:  dryRun,
	}
}

// HasPending reports whether an order is already in flight for the
// instrument. The duplicate-submission guard.
func (x *Executor) HasPending(instrument string) bool {
	_, ok := x.pending[instrument]
	return ok
}

// Submit places a limit order offset from the current price and waits
// for the fill up to the configured timeout. On timeout the order stays
// pending and ErrFillTimeout is returned.
func (x *Executor) Submit(ctx context.Context, instrument string, side broker.Side, slice int, qty, price float64) (Fill, error) {
	if x.HasPending(instrument) {
		return Fill{}, fmt.Errorf("order already pending for %s", instrument)
	}
	limit := price * (1 + x.cfg.LimitOffset)
	if side == broker.SideSell {
		limit = price * (1 - x.cfg.LimitOffset)
	}

	if x.dryRun {
		log.Info().Str("instrument", instrument).Str("side", string(side)).
			Float64("qty", qty).Float64("limit", limit).Msg("dry run, order not sent")
		return Fill{
			OrderID:    "dry-" + uuid.NewString(),
			Instrument: instrument,
			Side:       side,
			Slice:      slice,
			Price:      price,
			Qty:        qty,
		}, nil
	}

	baseline, err := x.api.GetHoldings(ctx, instrument)
	if err != nil {
		return Fill{}, fmt.Errorf("pre-submit holdings: %w", err)
	}

	orderID, err := x.api.PlaceLimitOrder(ctx, instrument, side, qty, limit)
	if err != nil {
		return Fill{}, err
	}
	x.met.OrdersTotal.WithLabelValues(string(side)).Inc()

	po := &PendingOrder{
		OrderID:     orderID,
		ClientID:    uuid.NewString(),
		Instrument:  instrument,
		Side:        side,
		Slice:       slice,
		Qty:         qty,
		LimitPrice:  limit,
		SubmittedAt: x.clock.Now(),
		BaselineQty: baseline.Quantity,
	}
	x.pending[instrument] = po

	return x.waitForFill(ctx, po)
}

func (x *Executor) waitForFill(ctx context.Context, po *PendingOrder) (Fill, error) {
	deadline := x.clock.Now().Add(x.cfg.FillTimeout)
	for x.clock.Now().Before(deadline) {
		fill, done, err := x.pollOnce(ctx, po)
		if err != nil {
			if broker.IsTransient(err) {
				if serr := x.clock.Sleep(ctx, x.cfg.PollInterval); serr != nil {
					return Fill{}, serr
				}
				continue
			}
			return Fill{}, err
		}
		if done {
			delete(x.pending, po.Instrument)
			x.met.FillsTotal.Inc()
			return fill, nil
		}
		if serr := x.clock.Sleep(ctx, x.cfg.PollInterval); serr != nil {
			return Fill{}, serr
		}
	}
	x.met.OrderTimeouts.Inc()
	log.Warn().Str("instrument", po.Instrument).Str("order_id", po.OrderID).
		Msg("fill not confirmed in window, order stays pending")
	return Fill{}, ErrFillTimeout
}

func (x *Executor) pollOnce(ctx context.Context, po *PendingOrder) (Fill, bool, error) {
	st, err := x.api.GetOrderStatus(ctx, po.OrderID)
	if err != nil {
		return Fill{}, false, err
	}
	if st.State != broker.OrderFilled {
		return Fill{}, false, nil
	}

	qty := st.FillQty
	if qty <= 0 {
		// Fall back to the holdings delta against the pre-submit
		// baseline.
		h, herr := x.api.GetHoldings(ctx, po.Instrument)
		if herr == nil {
			delta := h.Quantity - po.BaselineQty
			if po.Side == broker.SideSell {
				delta = po.BaselineQty - h.Quantity
			}
			if delta > 0 {
				qty = delta
			}
		}
	}
	if qty <= 0 {
		qty = po.Qty
	}

	price := st.FillPrice
	if price <= 0 {
		price = x.lookupTradedPrice(ctx, po)
	}

	return Fill{
		OrderID:    po.OrderID,
		Instrument: po.Instrument,
		Side:       po.Side,
		Slice:      po.Slice,
		Price:      price,
		Qty:        qty,
	}, true, nil
}

// lookupTradedPrice re-queries the market price a bounded number of
// times, then falls back to the submitted limit price.
func (x *Executor) lookupTradedPrice(ctx context.Context, po *PendingOrder) float64 {
	for po.PriceLookups < x.cfg.MaxPriceLookups {
		po.PriceLookups++
		p, err := x.api.GetCurrentPrice(ctx, po.Instrument)
		if err == nil && p > 0 {
			return p
		}
	}
	log.Warn().Str("instrument", po.Instrument).Str("order_id", po.OrderID).
		Float64("limit", po.LimitPrice).Msg("traded price unavailable, using limit price")
	return po.LimitPrice
}

// CheckPending re-polls an order left pending by an earlier cycle.
// Returns the fill when confirmed; expires orders past the pending
// window.
func (x *Executor) CheckPending(ctx context.Context, instrument string) (Fill, bool, error) {
	po, ok := x.pending[instrument]
	if !ok {
		return Fill{}, false, nil
	}
	if x.clock.Now().Sub(po.SubmittedAt) > x.cfg.PendingExpiry {
		delete(x.pending, instrument)
		log.Warn().Str("instrument", instrument).Str("order_id", po.OrderID).
			Msg("pending order expired")
		return Fill{}, false, nil
	}
	// Chase guard: abandon a pending buy once the market has run away
	// from its limit rather than keep waiting for a fill that would
	// only happen on a full retrace.
	if po.Side == broker.SideBuy {
		if p, err := x.api.GetCurrentPrice(ctx, instrument); err == nil && p > po.LimitPrice*(1+x.cfg.ChaseLimit) {
			delete(x.pending, instrument)
			log.Warn().Str("instrument", instrument).Str("order_id", po.OrderID).
				Float64("price", p).Float64("limit", po.LimitPrice).
				Msg("buy abandoned, price ran past the chase limit")
			return Fill{}, false, nil
		}
	}
	fill, done, err := x.pollOnce(ctx, po)
	if err != nil {
		return Fill{}, false, err
	}
	if !done {
		return Fill{}, false, nil
	}
	delete(x.pending, instrument)
	x.met.FillsTotal.Inc()
	return fill, true, nil
}
