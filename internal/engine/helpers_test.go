package engine

import (
	"context"
	"fmt"
	"time"

	"splitbot/internal/broker"
	"splitbot/internal/cfg"
	"splitbot/internal/marketdata"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func testSettings() *cfg.Settings {
	return &cfg.Settings{
		Instruments: []string{"005930"},
		MaxTranches: 5,
		Budget: cfg.BudgetConfig{
			BaseBudget:      1_000_000,
			SafetyCashRatio: 0.8,
			EquityFraction:  0.5,
		},
		Entry: cfg.EntryConfig{
			BaseDrops:       map[int]float64{2: 0.045, 3: 0.055, 4: 0.070, 5: 0.085},
			ScoreThresholds: map[int]float64{1: 0.55, 2: 0.45, 3: 0.45, 4: 0.40, 5: 0.40},
			RSIFloor:        30,
			RSICeiling:      78,
			HighVolRSICut:   70,
			CooldownHours:   6,
			MaxDailyBuys:    2,
		},
		Exit: cfg.ExitConfig{
			FirstThreshold:  12,
			FirstRatio:      0.4,
			SecondThreshold: 20,
			SecondRatio:     0.3,
			FinalThreshold:  30,
			MinTrailProfit:  5,
			MinKeepProfit:   2,
			BreakEvenBand:   2,
			GapThreshold:    5,
		},
		StopLoss: cfg.StopLossConfig{
			ThresholdOneOpen:   -18,
			ThresholdTwoOpen:   -22,
			ThresholdManyOpen:  -28,
			HighVolAdjust:      -4,
			MediumVolAdjust:    -2,
			HighVolThreshold:   6,
			MediumVolThreshold: 3.5,
			StaleDaysSoft:      60,
			StaleLossSoft:      -12,
			StaleDaysHard:      120,
			StaleLossHard:      -8,
		},
		Emergency: cfg.EmergencyConfig{
			LossCeiling:        0.20,
			LosingCloseLimit:   4,
			LosingCloseWindow:  24 * time.Hour,
			RecoveryThresholds: []float64{0.10, 0.15, 0.25, 0.35, 0.40},
			FallbackAfter:      24 * time.Hour,
		},
		Orders: cfg.OrderConfig{
			LimitOffset:     0.01,
			FillTimeout:     90 * time.Second,
			PollInterval:    3 * time.Second,
			PendingExpiry:   20 * time.Minute,
			MaxPriceLookups: 3,
			ChaseLimit:      0.03,
			ZeroConfirms:    3,
			MaxRetries:      3,
		},
		Fees: cfg.FeeConfig{
			CommissionRate: 0.00015,
			SellTaxRate:    0.0023,
		},
		Instrument: map[string]cfg.InstrumentConfig{},
	}
}

// goodSnap is a snapshot that comfortably clears slice-1 scoring.
func goodSnap(price float64) marketdata.Snapshot {
	return marketdata.Snapshot{
		Instrument:    "005930",
		Price:         price,
		PrevClose:     price,
		MAShort:       price * 0.99,
		MAMid:         price * 0.97,
		MALong:        price * 0.95,
		MAShortPrev:   price * 0.98,
		RSI:           28,
		Trend:         marketdata.TrendUp,
		PullbackPct:   9,
		VolatilityPct: 2,
	}
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.t = f.t.Add(d)
	return nil
}

type placedOrder struct {
	Instrument string
	Side       broker.Side
	Qty        float64
	Price      float64
}

// fakeBroker is an in-memory broker.API. Orders fill after
// fillAfterPolls status queries; -1 never fills.
type fakeBroker struct {
	holdings      map[string]broker.Holdings
	balance       broker.Balance
	prices        map[string]float64
	placed        []placedOrder
	fillAfterPoll int
	polls         map[string]int
	marketOpen    bool
	nextID        int
	holdingsErr   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		holdings:   make(map[string]broker.Holdings),
		prices:     make(map[string]float64),
		polls:      make(map[string]int),
		balance:    broker.Balance{TotalEquity: 10_000_000, FreeCash: 5_000_000},
		marketOpen: true,
	}
}

func (f *fakeBroker) GetHoldings(_ context.Context, instrument string) (broker.Holdings, error) {
	if f.holdingsErr != nil {
		return broker.Holdings{}, f.holdingsErr
	}
	h := f.holdings[instrument]
	h.Instrument = instrument
	return h, nil
}

func (f *fakeBroker) GetBalance(context.Context) (broker.Balance, error) {
	return f.balance, nil
}

func (f *fakeBroker) GetCurrentPrice(_ context.Context, instrument string) (float64, error) {
	return f.prices[instrument], nil
}

func (f *fakeBroker) PlaceLimitOrder(_ context.Context, instrument string, side broker.Side, qty, price float64) (string, error) {
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	f.placed = append(f.placed, placedOrder{Instrument: instrument, Side: side, Qty: qty, Price: price})
	f.polls[id] = 0

	// Maintain the holdings the fill will settle to.
	h := f.holdings[instrument]
	if side == broker.SideBuy {
		h.AvgPrice = (h.AvgPrice*h.Quantity + price*qty) / (h.Quantity + qty)
		h.Quantity += qty
	} else {
		h.Quantity -= qty
	}
	f.holdings[instrument] = h
	return id, nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, orderID string) (broker.OrderStatus, error) {
	f.polls[orderID]++
	if f.fillAfterPoll < 0 || f.polls[orderID] <= f.fillAfterPoll {
		return broker.OrderStatus{OrderID: orderID, State: broker.OrderPending}, nil
	}
	last := f.placed[len(f.placed)-1]
	return broker.OrderStatus{
		OrderID:   orderID,
		State:     broker.OrderFilled,
		FillPrice: last.Price,
		FillQty:   last.Qty,
	}, nil
}

func (f *fakeBroker) GetDailyCandles(context.Context, string, int) ([]broker.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) IsMarketOpen(context.Context) (bool, error) {
	return f.marketOpen, nil
}
