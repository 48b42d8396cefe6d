package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Quote is one streamed price tick.
type Quote struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Ts         int64   `json:"ts"`
}

// QuoteStream keeps the last streamed price per instrument. The engine's
// decision cadence is minutes, so the stream is an optional freshness
// improvement over candle closes, never a requirement.
type QuoteStream struct {
	url  string
	mu   sync.RWMutex
	last map[string]float64

	// OnReconnect is invoked once per reconnect attempt, before the
	// backoff wait. Set before Run; may be nil.
	OnReconnect func()
}

func NewQuoteStream(url string) *QuoteStream {
	return &QuoteStream{url: url, last: make(map[string]float64)}
}

// LastPrice returns the most recent streamed price for the instrument, or
// 0 when none has been seen.
func (q *QuoteStream) LastPrice(instrument string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.last[instrument]
}

func (q *QuoteStream) store(instrument string, price float64) {
	if price <= 0 {
		return
	}
	q.mu.Lock()
	q.last[instrument] = price
	q.mu.Unlock()
}

// Run connects and consumes quotes until ctx is cancelled, reconnecting
// with exponential backoff.
func (q *QuoteStream) Run(ctx context.Context, instruments []string) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := q.streamOnce(ctx, instruments); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("quote stream disconnected, reconnecting")
				if q.OnReconnect != nil {
					q.OnReconnect()
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (q *QuoteStream) streamOnce(ctx context.Context, instruments []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, q.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(256 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var args []map[string]string
	for _, code := range instruments {
		args = append(args, map[string]string{"instrument": code, "ch": "quote"})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			var quote Quote
			if err := conn.ReadJSON(&quote); err != nil {
				done <- err
				return
			}
			q.store(quote.Instrument, quote.Price)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}
