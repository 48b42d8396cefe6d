// Package journal keeps an append-only trade log and the processed-fill
// index in a local bbolt database. The fill index is what makes fill
// application idempotent: a confirmation replayed after a crash is
// detected and skipped instead of double-applied.
package journal

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTrades = []byte("trades")
	bucketFills  = []byte("fills")
)

// Record is one executed trade.
type Record struct {
	Time        time.Time `msgpack:"time"`
	Instrument  string    `msgpack:"instrument"`
	Side        string    `msgpack:"side"`
	Slice       int       `msgpack:"slice"`
	Quantity    float64   `msgpack:"quantity"`
	Price       float64   `msgpack:"price"`
	Reason      string    `msgpack:"reason"`
	RealizedPnL float64   `msgpack:"realizedPnl"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrades, bucketFills} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append writes one trade record, keyed by timestamp so iteration is
// chronological.
func (s *Store) Append(rec Record) error {
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := []byte(fmt.Sprintf("%d-%s-%d", rec.Time.UnixNano(), rec.Instrument, rec.Slice))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrades).Put(key, raw)
	})
}

// MarkFill records a fill key as processed. Returns true if the key was
// new, false if it had already been applied.
func (s *Store) MarkFill(key string) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFills)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		first = true
		return b.Put([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return first, err
}

// SeenFill reports whether the fill key has been processed.
func (s *Store) SeenFill(key string) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketFills).Get([]byte(key)) != nil
		return nil
	})
	return seen, err
}

// LosingClosesSince counts sell records with negative realized P&L after
// the cutoff. The circuit breaker uses this for its rolling-window
// trigger.
func (s *Store) LosingClosesSince(cutoff time.Time) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrades).ForEach(func(_, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil // skip undecodable rows, never fail the scan
			}
			if rec.Side == "SELL" && rec.RealizedPnL < 0 && rec.Time.After(cutoff) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// TradesSince returns records after the cutoff in chronological order.
// Used by the daily report.
func (s *Store) TradesSince(cutoff time.Time) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrades).ForEach(func(_, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Time.After(cutoff) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}
