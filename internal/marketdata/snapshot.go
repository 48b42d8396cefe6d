// Package marketdata builds the per-instrument indicator snapshot the
// engine decides on: price, moving averages, RSI, ATR, trend class,
// pullback from the recent high and a volatility estimate.
package marketdata

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"splitbot/internal/broker"
)

// Trend classifies the instrument's moving-average structure.
type Trend string

const (
	TrendStrongUp   Trend = "strong_up"
	TrendUp         Trend = "up"
	TrendSideways   Trend = "sideways"
	TrendDown       Trend = "down"
	TrendStrongDown Trend = "strong_down"
)

// Snapshot is a point-in-time indicator view of one instrument.
type Snapshot struct {
	Instrument    string
	Price         float64
	PrevClose     float64
	MAShort       float64
	MAMid         float64
	MALong        float64
	MAShortPrev   float64
	RSI           float64
	ATR           float64
	Trend         Trend
	PullbackPct   float64 // drop from the recent high, percent
	VolatilityPct float64 // std dev of daily returns, percent
}

// Provider computes snapshots. Satisfied by Service and by test fakes.
type Provider interface {
	GetSnapshot(ctx context.Context, instrument string) (Snapshot, error)
}

const (
	maShortPeriod = 5
	maMidPeriod   = 20
	maLongPeriod  = 60
	rsiPeriod     = 14
	atrPeriod     = 14
	recentHighWin = 30
	candleDays    = 120
)

// Service derives snapshots from the broker's daily candles. A live
// quote stream, when attached, overrides the candle close with the last
// streamed price.
type Service struct {
	candles CandleSource
	stream  *QuoteStream // optional
}

// CandleSource is the slice of the broker API the provider needs.
type CandleSource interface {
	GetDailyCandles(ctx context.Context, instrument string, days int) ([]broker.Candle, error)
	GetCurrentPrice(ctx context.Context, instrument string) (float64, error)
}

func NewService(candles CandleSource, stream *QuoteStream) *Service {
	return &Service{candles: candles, stream: stream}
}

func (s *Service) GetSnapshot(ctx context.Context, instrument string) (Snapshot, error) {
	candles, err := s.candles.GetDailyCandles(ctx, instrument, candleDays)
	if err != nil {
		return Snapshot{}, fmt.Errorf("candles for %s: %w", instrument, err)
	}
	if len(candles) < maLongPeriod+1 {
		return Snapshot{}, fmt.Errorf("not enough candles for %s: have %d, need %d", instrument, len(candles), maLongPeriod+1)
	}

	price := 0.0
	if s.stream != nil {
		price = s.stream.LastPrice(instrument)
	}
	if price <= 0 {
		price, err = s.candles.GetCurrentPrice(ctx, instrument)
		if err != nil {
			log.Warn().Err(err).Str("instrument", instrument).Msg("current price lookup failed")
			return Snapshot{}, fmt.Errorf("price for %s: %w", instrument, err)
		}
	}

	return Build(instrument, price, candles)
}

// Build computes a snapshot from a known price and candle history. Split
// out so tests can feed synthetic candles without a broker.
func Build(instrument string, price float64, candles []broker.Candle) (Snapshot, error) {
	n := len(candles)
	if n < maLongPeriod+1 {
		return Snapshot{}, fmt.Errorf("not enough candles: %d", n)
	}
	if price <= 0 {
		return Snapshot{}, fmt.Errorf("no price")
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	maShort := talib.Sma(closes, maShortPeriod)
	maMid := talib.Sma(closes, maMidPeriod)
	maLong := talib.Sma(closes, maLongPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)
	atr := talib.Atr(highs, lows, closes, atrPeriod)

	last := n - 1
	snap := Snapshot{
		Instrument:  instrument,
		Price:       price,
		PrevClose:   closes[last],
		MAShort:     maShort[last],
		MAMid:       maMid[last],
		MALong:      maLong[last],
		MAShortPrev: maShort[last-1],
		RSI:         rsi[last],
		ATR:         atr[last],
	}

	// Pullback from the recent-window high.
	high := highs[last]
	for i := n - recentHighWin; i < n; i++ {
		if i >= 0 && highs[i] > high {
			high = highs[i]
		}
	}
	if high > 0 {
		snap.PullbackPct = (high - price) / high * 100
	}

	// Volatility: std dev of daily close-to-close returns over the
	// recent window, in percent.
	returns := make([]float64, 0, recentHighWin)
	start := n - recentHighWin
	if start < 1 {
		start = 1
	}
	for i := start; i < n; i++ {
		if closes[i-1] > 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) > 1 {
		snap.VolatilityPct = stat.StdDev(returns, nil) * 100
	}

	snap.Trend = classifyTrend(snap)
	return snap, nil
}

func classifyTrend(s Snapshot) Trend {
	rising := s.MAShort > s.MAShortPrev
	switch {
	case s.MAShort > s.MAMid && s.MAMid > s.MALong && rising:
		return TrendStrongUp
	case s.MAShort < s.MAMid && s.MAMid < s.MALong && !rising:
		return TrendStrongDown
	case s.MAShort > s.MAMid && rising:
		return TrendUp
	case s.MAShort < s.MAMid && !rising:
		return TrendDown
	}
	return TrendSideways
}

// Downtrend reports whether the trend class is one of the two falling
// regimes.
func (t Trend) Downtrend() bool {
	return t == TrendDown || t == TrendStrongDown
}

// Uptrend reports whether the trend class is one of the two rising
// regimes.
func (t Trend) Uptrend() bool {
	return t == TrendUp || t == TrendStrongUp
}
