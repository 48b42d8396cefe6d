package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkFillIdempotent(t *testing.T) {
	s := openTest(t)

	first, err := s.MarkFill("fill:005930:abc123")
	require.NoError(t, err)
	assert.True(t, first, "first mark should report new")

	again, err := s.MarkFill("fill:005930:abc123")
	require.NoError(t, err)
	assert.False(t, again, "replayed mark must report already-applied")

	seen, err := s.SeenFill("fill:005930:abc123")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.SeenFill("fill:005930:other")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLosingClosesSince(t *testing.T) {
	s := openTest(t)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	recs := []Record{
		{Time: now.Add(-30 * time.Hour), Instrument: "A", Side: "SELL", RealizedPnL: -50}, // outside window
		{Time: now.Add(-2 * time.Hour), Instrument: "A", Side: "SELL", RealizedPnL: -10},
		{Time: now.Add(-1 * time.Hour), Instrument: "B", Side: "SELL", RealizedPnL: 30}, // winner
		{Time: now.Add(-1 * time.Hour), Instrument: "B", Slice: 2, Side: "SELL", RealizedPnL: -5},
		{Time: now.Add(-10 * time.Minute), Instrument: "C", Side: "BUY"}, // buys never count
	}
	for _, r := range recs {
		require.NoError(t, s.Append(r))
	}

	n, err := s.LosingClosesSince(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTradesSince(t *testing.T) {
	s := openTest(t)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(Record{Time: now.Add(-48 * time.Hour), Instrument: "A", Side: "BUY"}))
	require.NoError(t, s.Append(Record{Time: now.Add(-1 * time.Hour), Instrument: "A", Side: "SELL", RealizedPnL: 12}))

	trades, err := s.TradesSince(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "SELL", trades[0].Side)
	assert.InDelta(t, 12, trades[0].RealizedPnL, 1e-9)
}
