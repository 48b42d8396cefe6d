// Package engine runs the split-position trading cycle: budget, gates,
// exits, entries, order execution and broker reconciliation, in that
// order, one instrument at a time. There is exactly one cycle in flight
// at any moment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"splitbot/internal/broker"
	"splitbot/internal/cfg"
	"splitbot/internal/journal"
	"splitbot/internal/ledger"
	"splitbot/internal/marketdata"
	"splitbot/internal/metrics"
	"splitbot/internal/notify"
	"splitbot/internal/sentiment"
)

// Deps carries everything the engine needs. All fields are required
// except Sentiment, which may be nil.
type Deps struct {
	Cfg       *cfg.Settings
	API       broker.API
	Market    marketdata.Provider
	Sentiment sentiment.Provider
	Notifier  notify.Notifier
	Store     *ledger.Store
	Journal   *journal.Store
	Metrics   *metrics.Metrics
	Clock     Clock
}

// Engine owns the ledger and all decision components.
type Engine struct {
	cfg      *cfg.Settings
	api      broker.API
	md       marketdata.Provider
	sent     sentiment.Provider
	notifier notify.Notifier
	book     *ledger.Book
	store    *ledger.Store
	jnl      *journal.Store
	met      *metrics.Metrics
	clock    Clock

	exec    *Executor
	budget  *Allocator
	entry   *EntryEngine
	exit    *ExitEngine
	stop    *StopLoss
	breaker *Breaker

	// Corrupt ledger with no valid backup: keep running exits-free and
	// entry-free until an operator fixes the file. Never treated as
	// "all positions closed".
	halted bool

	buyDay    string
	buysToday map[string]int
}

func New(d Deps, breakerPath string) (*Engine, error) {
	e := &Engine{
		cfg:       d.Cfg,
		api:       d.API,
		md:        d.Market,
		sent:      d.Sentiment,
		notifier:  d.Notifier,
		store:     d.Store,
		jnl:       d.Journal,
		met:       d.Metrics,
		clock:     d.Clock,
		buysToday: make(map[string]int),
	}
	if e.clock == nil {
		e.clock = NewClock()
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}

	book, err := d.Store.Load()
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			log.Error().Err(err).Msg("ledger corrupt with no backup, trading halted until resolved")
			e.notifier.Send(context.Background(), "Ledger corrupt", "trading halted, manual intervention required")
			e.halted = true
			e.book = ledger.NewBook()
		} else {
			return nil, err
		}
	} else {
		e.book = book
	}

	e.exec = NewExecutor(d.API, d.Cfg.Orders, d.Metrics, e.clock, d.Cfg.DryRun)
	e.budget = NewAllocator(d.Cfg.Budget)
	e.entry = NewEntryEngine(d.Cfg)
	e.exit = NewExitEngine(d.Cfg)
	e.stop = NewStopLoss(d.Cfg)
	e.breaker = NewBreaker(d.Cfg.Emergency, breakerPath, e.notifier)
	return e, nil
}

// Book exposes the ledger for reporting. Callers must not mutate it.
func (e *Engine) Book() *ledger.Book { return e.book }

// RunCycle executes one full decision pass over every instrument.
func (e *Engine) RunCycle(ctx context.Context) error {
	if e.halted {
		log.Warn().Msg("engine halted, skipping cycle")
		return nil
	}
	start := e.clock.Now()
	defer func() {
		e.met.CycleDuration.Observe(time.Since(start).Seconds())
		e.met.CyclesTotal.Inc()
	}()

	open, err := e.api.IsMarketOpen(ctx)
	if err != nil {
		return fmt.Errorf("market status: %w", err)
	}
	if !open && !e.cfg.DryRun {
		log.Debug().Msg("market closed, skipping cycle")
		return nil
	}

	now := e.clock.Now()
	e.rollBuyDay(now)

	bal, err := e.api.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	snaps := make(map[string]marketdata.Snapshot, len(e.cfg.Instruments))
	for _, code := range e.cfg.Instruments {
		snap, serr := e.md.GetSnapshot(ctx, code)
		if serr != nil {
			log.Warn().Err(serr).Str("instrument", code).Msg("snapshot unavailable")
			e.met.CycleErrors.Inc()
			continue
		}
		snaps[code] = snap
	}

	realized, unrealized, invested := e.portfolioPnL(snaps)
	perf := 0.0
	if e.cfg.Budget.BaseBudget > 0 {
		perf = (realized + unrealized) / e.cfg.Budget.BaseBudget
	}
	regime := marketRegime(snaps)
	deployable := e.budget.Deployable(perf, bal, regime)
	e.met.DeployableBudget.Set(deployable)

	e.updateBreaker(ctx, realized, unrealized, invested, snaps, regime, now)

	globalCap := e.breaker.AllowedTranches(e.cfg.MaxTranches * len(e.cfg.Instruments))
	for _, code := range e.cfg.Instruments {
		snap, ok := snaps[code]
		if !ok {
			continue
		}
		if perr := e.processInstrument(ctx, code, snap, deployable, globalCap, now); perr != nil {
			log.Error().Err(perr).Str("instrument", code).Msg("instrument cycle failed")
			e.met.CycleErrors.Inc()
		}
	}

	e.met.OpenTranches.Set(float64(e.book.OpenTrancheCount()))
	e.met.RealizedPnL.Set(realized)
	return e.saveBook()
}

func (e *Engine) rollBuyDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day != e.buyDay {
		e.buyDay = day
		e.buysToday = make(map[string]int)
	}
}

func (e *Engine) portfolioPnL(snaps map[string]marketdata.Snapshot) (realized, unrealized, invested float64) {
	for code, p := range e.book.Positions {
		realized += p.RealizedPnL
		invested += p.InvestedCost()
		if snap, ok := snaps[code]; ok && snap.Price > 0 {
			for _, t := range p.OpenTranches() {
				unrealized += (snap.Price - t.EntryPrice) * t.CurrentQty
			}
		}
	}
	return realized, unrealized, invested
}

// marketRegime votes across instrument trends to classify the overall
// market for budget sizing.
func marketRegime(snaps map[string]marketdata.Snapshot) marketdata.Trend {
	up, down := 0, 0
	for _, s := range snaps {
		if s.Trend.Uptrend() {
			up++
		}
		if s.Trend.Downtrend() {
			down++
		}
	}
	switch {
	case down > len(snaps)/2 && down >= 2:
		return marketdata.TrendStrongDown
	case down > up:
		return marketdata.TrendDown
	case up > down:
		return marketdata.TrendUp
	default:
		return marketdata.TrendSideways
	}
}

func (e *Engine) updateBreaker(ctx context.Context, realized, unrealized, invested float64, snaps map[string]marketdata.Snapshot, regime marketdata.Trend, now time.Time) {
	pnl := realized + unrealized
	lossRatio := 0.0
	if pnl < 0 && invested > 0 {
		lossRatio = -pnl / invested
	}

	losing, err := e.jnl.LosingClosesSince(now.Add(-e.cfg.Emergency.LosingCloseWindow))
	if err != nil {
		log.Warn().Err(err).Msg("losing-close count unavailable")
	}

	e.breaker.CheckTrigger(ctx, lossRatio, invested, losing, now)
	if !e.breaker.Active() {
		e.met.EmergencyActive.Set(0)
		e.met.RecoveryLevel.Set(0)
		return
	}

	// Recovery loss is measured against the invested base frozen at
	// trigger time, not the moving base.
	currentLoss := 0.0
	if base := e.breaker.BaseInvested(); pnl < 0 && base > 0 {
		currentLoss = -pnl / base
	}
	recovering := 0
	for _, s := range snaps {
		if s.Price > s.MAShort && !s.Trend.Downtrend() {
			recovering++
		}
	}
	hasOpen := e.book.OpenTrancheCount() > 0
	e.breaker.UpdateRecovery(ctx, currentLoss, regime.Uptrend(), recovering, hasOpen, now)

	if st, ok := e.breaker.State(); ok {
		e.met.EmergencyActive.Set(1)
		e.met.RecoveryLevel.Set(float64(st.Level))
	} else {
		e.met.EmergencyActive.Set(0)
		e.met.RecoveryLevel.Set(0)
	}
}

func (e *Engine) processInstrument(ctx context.Context, code string, snap marketdata.Snapshot, deployable float64, globalCap int, now time.Time) error {
	pos := e.book.Position(code)

	// Settle any order left pending by an earlier cycle before making
	// new decisions.
	if fill, ok, err := e.exec.CheckPending(ctx, code); err != nil {
		if !broker.IsTransient(err) {
			return err
		}
		log.Warn().Err(err).Str("instrument", code).Msg("pending check failed, retrying next cycle")
		return nil
	} else if ok {
		if err := e.applyFill(ctx, fill, "pending_fill", now); err != nil {
			return err
		}
	}

	if err := e.reconcile(ctx, pos, snap.Price, now); err != nil {
		return err
	}

	e.maintainMarks(code, pos, snap, now)

	// An order still working at the broker holds all new decisions for
	// this instrument until it settles or expires. Not an error.
	if e.exec.HasPending(code) {
		log.Debug().Str("instrument", code).Msg("order pending, instrument on hold")
		return nil
	}

	if dec := e.stop.Evaluate(pos, snap, now); dec.Trigger {
		return e.liquidate(ctx, pos, snap.Price, dec, now)
	}

	for _, act := range e.exit.Evaluate(pos, snap.Price) {
		if err := e.executeSell(ctx, pos, act, snap.Price, now); err != nil {
			if errors.Is(err, ErrFillTimeout) {
				return nil // stays pending, blocks further action this cycle
			}
			return err
		}
	}

	return e.tryEntry(ctx, pos, snap, deployable, globalCap, now)
}

// maintainMarks updates gap-detection state and high-water-marks for
// every open tranche, running the once-per-day gap recalibration first
// so the later HWM raise cannot undo it.
func (e *Engine) maintainMarks(code string, pos *ledger.Position, snap marketdata.Snapshot, now time.Time) {
	ic := e.cfg.ForInstrument(code)
	day := now.Format("2006-01-02")
	for _, t := range pos.OpenTranches() {
		ret := t.Return(snap.Price)
		if t.PrevRefClose > 0 && ret > 0 {
			gapPct := (t.PrevRefClose - snap.Price) / t.PrevRefClose * 100
			if gapPct > ic.GapThreshold {
				target := GapRecalTarget(ret, gapPct, t.HighWaterMark)
				if e.book.RecalibrateHWM(code, t.Slice, target, day) {
					log.Info().Str("instrument", code).Int("slice", t.Slice).
						Float64("gap_pct", gapPct).Float64("new_hwm", t.HighWaterMark).
						Msg("high-water-mark recalibrated after gap-down")
				}
			}
		}
		e.book.UpdateHWM(code, t.Slice, snap.Price)
	}
	e.book.SetRefClose(code, snap.PrevClose)
}

func (e *Engine) liquidate(ctx context.Context, pos *ledger.Position, price float64, dec StopDecision, now time.Time) error {
	total := pos.TotalQty()
	if total <= 0 {
		return nil
	}
	fill, err := e.exec.Submit(ctx, pos.Instrument, broker.SideSell, 0, total, price)
	if err != nil {
		if errors.Is(err, ErrFillTimeout) {
			return nil
		}
		return fmt.Errorf("liquidation order: %w", err)
	}

	first, err := e.jnl.MarkFill(fill.DedupKey())
	if err != nil {
		log.Warn().Err(err).Msg("fill dedup unavailable")
	} else if !first {
		e.met.DuplicateFills.Inc()
		return nil
	}

	before := len(pos.ExitHistory)
	realized, err := e.book.CloseAll(pos.Instrument, fill.Price, dec.Reason, now)
	if err != nil {
		return err
	}
	for _, rec := range pos.ExitHistory[before:] {
		e.journalExit(pos.Instrument, rec)
	}
	e.notifier.Send(ctx, "Stop-loss liquidation",
		fmt.Sprintf("%s closed at %.2f (%s, %.1f%% vs threshold %.1f%%), realized %.0f",
			pos.Instrument, fill.Price, dec.Reason, dec.LossPct, dec.Threshold, realized))
	return e.saveBook()
}

func (e *Engine) executeSell(ctx context.Context, pos *ledger.Position, act ExitAction, price float64, now time.Time) error {
	fill, err := e.exec.Submit(ctx, pos.Instrument, broker.SideSell, act.Slice, act.Qty, price)
	if err != nil {
		return err
	}

	first, err := e.jnl.MarkFill(fill.DedupKey())
	if err != nil {
		log.Warn().Err(err).Msg("fill dedup unavailable")
	} else if !first {
		e.met.DuplicateFills.Inc()
		return nil
	}

	qty := math.Min(fill.Qty, act.Qty)
	realized, err := e.book.PartialSell(pos.Instrument, act.Slice, qty, fill.Price, act.NextStage, act.Reason, now)
	if err != nil {
		return err
	}
	e.journalExit(pos.Instrument, ledger.ExitRecord{
		Slice: act.Slice, Price: fill.Price, Quantity: qty,
		Time: now, Reason: act.Reason, RealizedPnL: realized,
	})
	e.notifier.Send(ctx, "Position reduced",
		fmt.Sprintf("%s slice %d: sold %.0f at %.2f (%s), realized %.0f",
			pos.Instrument, act.Slice, qty, fill.Price, act.Reason, realized))
	return e.saveBook()
}

func (e *Engine) tryEntry(ctx context.Context, pos *ledger.Position, snap marketdata.Snapshot, deployable float64, globalCap int, now time.Time) error {
	code := pos.Instrument
	if e.exec.HasPending(code) {
		return nil
	}
	if e.book.OpenTrancheCount() >= globalCap {
		return nil
	}
	if e.buysToday[code] >= e.cfg.Entry.MaxDailyBuys {
		return nil
	}

	open := pos.OpenTranches()
	k := 1
	if len(open) > 0 {
		k = open[len(open)-1].Slice + 1
	}
	if k > e.cfg.MaxTranches {
		return nil
	}

	sig := sentiment.Signal{Decision: sentiment.Neutral}
	if e.sent != nil {
		if s, err := e.sent.GetSignal(ctx, code); err == nil {
			sig = s
		} else {
			log.Debug().Err(err).Str("instrument", code).Msg("sentiment unavailable, neutral")
		}
	}

	dec := e.entry.Evaluate(code, k, snap, sig, pos, now)
	if !dec.Allow {
		log.Debug().Str("instrument", code).Int("slice", k).Str("reason", dec.Reason).Msg("entry refused")
		return nil
	}

	ic := e.cfg.ForInstrument(code)
	trancheBudget := deployable * ic.Weight / float64(e.cfg.MaxTranches)
	unitCost := snap.Price * (1 + e.cfg.Orders.LimitOffset) * (1 + e.cfg.Fees.CommissionRate)
	qty := math.Floor(trancheBudget / unitCost)
	if qty < 1 {
		log.Debug().Str("instrument", code).Float64("budget", trancheBudget).Msg("tranche budget below one share")
		return nil
	}

	fill, err := e.exec.Submit(ctx, code, broker.SideBuy, k, qty, snap.Price)
	if err != nil {
		if errors.Is(err, ErrFillTimeout) {
			return nil
		}
		return fmt.Errorf("entry order: %w", err)
	}
	return e.applyBuy(ctx, fill, snap.PrevClose, now)
}

func (e *Engine) applyBuy(ctx context.Context, fill Fill, prevClose float64, now time.Time) error {
	first, err := e.jnl.MarkFill(fill.DedupKey())
	if err != nil {
		log.Warn().Err(err).Msg("fill dedup unavailable")
	} else if !first {
		e.met.DuplicateFills.Inc()
		return nil
	}

	pos := e.book.Position(fill.Instrument)
	if t := pos.Tranche(fill.Slice); t != nil && t.Open {
		if err := e.book.ApplyBuyFill(fill.Instrument, fill.Slice, fill.Price, fill.Qty); err != nil {
			return err
		}
	} else {
		if _, err := e.book.OpenTranche(fill.Instrument, fill.Slice, fill.Price, fill.Qty, prevClose, now); err != nil {
			return err
		}
	}
	e.buysToday[fill.Instrument]++
	if err := e.jnl.Append(journal.Record{
		Time: now, Instrument: fill.Instrument, Side: string(broker.SideBuy),
		Slice: fill.Slice, Quantity: fill.Qty, Price: fill.Price, Reason: "entry",
	}); err != nil {
		log.Warn().Err(err).Msg("journal append failed")
	}
	e.notifier.Send(ctx, "Tranche opened",
		fmt.Sprintf("%s slice %d: bought %.0f at %.2f", fill.Instrument, fill.Slice, fill.Qty, fill.Price))
	return e.saveBook()
}

// applyFill settles a fill confirmed after its submitting cycle. Buy
// fills open or extend the tranche; sell fills reduce it, closing when
// the whole remainder went.
func (e *Engine) applyFill(ctx context.Context, fill Fill, reason string, now time.Time) error {
	if fill.Side == broker.SideBuy {
		return e.applyBuy(ctx, fill, 0, now)
	}

	first, err := e.jnl.MarkFill(fill.DedupKey())
	if err != nil {
		log.Warn().Err(err).Msg("fill dedup unavailable")
	} else if !first {
		e.met.DuplicateFills.Inc()
		return nil
	}

	pos := e.book.Position(fill.Instrument)
	t := pos.Tranche(fill.Slice)
	if t == nil || !t.Open {
		log.Warn().Str("instrument", fill.Instrument).Int("slice", fill.Slice).
			Msg("sell fill for unknown tranche, leaving to reconciliation")
		return nil
	}
	qty := math.Min(fill.Qty, t.CurrentQty)
	nextStage := t.Stage + 1
	if qty >= t.CurrentQty {
		nextStage = ledger.StageClosed
	}
	realized, err := e.book.PartialSell(fill.Instrument, fill.Slice, qty, fill.Price, nextStage, reason, now)
	if err != nil {
		return err
	}
	e.journalExit(fill.Instrument, ledger.ExitRecord{
		Slice: fill.Slice, Price: fill.Price, Quantity: qty,
		Time: now, Reason: reason, RealizedPnL: realized,
	})
	return e.saveBook()
}

// journalExit appends a sell record with fee-adjusted realized P&L.
func (e *Engine) journalExit(instrument string, rec ledger.ExitRecord) {
	gross := rec.Price * rec.Quantity
	fees := gross * (e.cfg.Fees.CommissionRate + e.cfg.Fees.SellTaxRate)
	if err := e.jnl.Append(journal.Record{
		Time:        rec.Time,
		Instrument:  instrument,
		Side:        string(broker.SideSell),
		Slice:       rec.Slice,
		Quantity:    rec.Quantity,
		Price:       rec.Price,
		Reason:      rec.Reason,
		RealizedPnL: rec.RealizedPnL - fees,
	}); err != nil {
		log.Warn().Err(err).Msg("journal append failed")
	}
}

// reconcile aligns the ledger with the broker's holdings report. A
// broker-zero against an open ledger needs consecutive confirmations;
// a broker position against an empty ledger is restored immediately.
func (e *Engine) reconcile(ctx context.Context, pos *ledger.Position, price float64, now time.Time) error {
	h, err := e.api.GetHoldings(ctx, pos.Instrument)
	if err != nil {
		if broker.IsTransient(err) {
			log.Warn().Err(err).Str("instrument", pos.Instrument).Msg("holdings unavailable, skipping reconciliation")
			return nil
		}
		return err
	}
	e.book.RecordBrokerView(pos.Instrument, h.Quantity, h.AvgPrice)

	ledgerQty := pos.TotalQty()
	const eps = 1e-9
	switch {
	case h.Quantity <= eps && ledgerQty > eps:
		streak := e.book.RecordZeroObservation(pos.Instrument)
		e.met.ReconcileMismatch.Inc()
		log.Warn().Str("instrument", pos.Instrument).Int("streak", streak).
			Float64("ledger_qty", ledgerQty).Msg("broker reports zero against open ledger")
		if streak >= e.cfg.Orders.ZeroConfirms {
			if _, err := e.book.CloseAll(pos.Instrument, price, "reconcile_flat", now); err != nil {
				return err
			}
			e.book.ResetZeroStreak(pos.Instrument)
			e.notifier.Send(ctx, "Ledger corrected to flat",
				fmt.Sprintf("%s: broker reported zero on %d consecutive checks", pos.Instrument, e.cfg.Orders.ZeroConfirms))
			return e.saveBook()
		}
		return nil

	case h.Quantity > eps && ledgerQty <= eps:
		// Unlike the zero case this is restored on a single read: an
		// untracked live position is the more dangerous direction.
		e.met.ReconcileMismatch.Inc()
		entryPrice := h.AvgPrice
		if entryPrice <= 0 {
			entryPrice = price
		}
		if _, err := e.book.OpenTranche(pos.Instrument, 1, entryPrice, h.Quantity, price, now); err != nil {
			return err
		}
		e.book.ResetZeroStreak(pos.Instrument)
		e.notifier.Send(ctx, "Untracked position restored",
			fmt.Sprintf("%s: %.0f at %.2f adopted into slice 1", pos.Instrument, h.Quantity, entryPrice))
		return e.saveBook()

	case math.Abs(h.Quantity-ledgerQty) > eps:
		e.met.ReconcileMismatch.Inc()
		e.book.ResetZeroStreak(pos.Instrument)
		return e.adjustQuantity(pos, h, price, now)

	default:
		e.book.ResetZeroStreak(pos.Instrument)
		return nil
	}
}

// adjustQuantity resolves a both-nonzero quantity mismatch: shrink from
// the newest tranche down, or grow the newest tranche, until the ledger
// matches the broker.
func (e *Engine) adjustQuantity(pos *ledger.Position, h broker.Holdings, price float64, now time.Time) error {
	ledgerQty := pos.TotalQty()
	diff := h.Quantity - ledgerQty
	log.Warn().Str("instrument", pos.Instrument).
		Float64("broker_qty", h.Quantity).Float64("ledger_qty", ledgerQty).
		Msg("quantity mismatch, adjusting ledger")

	if diff > 0 {
		open := pos.OpenTranches()
		newest := open[len(open)-1]
		fillPrice := h.AvgPrice
		if fillPrice <= 0 {
			fillPrice = price
		}
		if err := e.book.ApplyBuyFill(pos.Instrument, newest.Slice, fillPrice, diff); err != nil {
			return err
		}
		return e.saveBook()
	}

	excess := -diff
	open := pos.OpenTranches()
	for i := len(open) - 1; i >= 0 && excess > 0; i-- {
		t := open[i]
		take := math.Min(excess, t.CurrentQty)
		if _, err := e.book.PartialSell(pos.Instrument, t.Slice, take, price, t.Stage, "reconcile_trim", now); err != nil {
			return err
		}
		excess -= take
	}
	return e.saveBook()
}

func (e *Engine) saveBook() error {
	if err := e.store.Save(e.book); err != nil {
		// The mutation stays in memory and is surfaced; the on-disk
		// copy is still the last known-good state.
		log.Error().Err(err).Msg("ledger persist failed")
		return err
	}
	return nil
}

// DailyReport summarizes the day's trades and current exposure to the
// notification sink.
func (e *Engine) DailyReport(ctx context.Context) {
	now := e.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	trades, err := e.jnl.TradesSince(midnight)
	if err != nil {
		log.Warn().Err(err).Msg("daily report: journal unavailable")
		return
	}
	buys, sells, realized := 0, 0, 0.0
	for _, t := range trades {
		if t.Side == string(broker.SideBuy) {
			buys++
		} else {
			sells++
			realized += t.RealizedPnL
		}
	}
	body := fmt.Sprintf("trades: %d buys, %d sells; realized today: %.0f; open tranches: %d",
		buys, sells, realized, e.book.OpenTrancheCount())
	if st, ok := e.breaker.State(); ok {
		body += fmt.Sprintf("; circuit breaker active at level %d", st.Level)
	}
	e.notifier.Send(ctx, "Daily trading report", body)
}
