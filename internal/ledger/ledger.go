// Package ledger is the durable record of split-position state: one
// book, one position per instrument, up to N tranches per position.
// All mutation goes through Book methods so the quantity and stage
// invariants hold at every step; nothing outside this package writes
// tranche fields directly.
package ledger

import (
	"fmt"
	"sort"
	"time"
)

// Partial-sell stages. A tranche walks 0 -> 1 -> 2 -> 3, or jumps
// straight to 3 on a full exit.
const (
	StageHolding  = 0
	StagePartialA = 1
	StagePartialB = 2
	StageClosed   = 3
)

// ExitRecord is one completed sell against a tranche.
type ExitRecord struct {
	Slice       int       `json:"slice"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	Time        time.Time `json:"time"`
	Reason      string    `json:"reason"`
	RealizedPnL float64   `json:"realizedPnl"`
}

// Tranche is one sequential entry into an instrument.
type Tranche struct {
	Slice         int          `json:"slice"`
	EntryPrice    float64      `json:"entryPrice"`
	OriginalQty   float64      `json:"originalQty"`
	CurrentQty    float64      `json:"currentQty"`
	EntryTime     time.Time    `json:"entryTime"`
	Stage         int          `json:"stage"`
	HighWaterMark float64      `json:"highWaterMark"` // best unrealized return pct since entry
	PrevRefClose  float64      `json:"prevRefClose"`  // reference close for gap detection
	RecalDay      string       `json:"recalDay,omitempty"` // last day a gap recalibration ran
	Open          bool         `json:"open"`
	Exits         []ExitRecord `json:"exits,omitempty"`
}

// Return is the unrealized return percent at the given price.
func (t *Tranche) Return(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * 100
}

func (t *Tranche) validate() error {
	if t.CurrentQty < 0 || t.CurrentQty > t.OriginalQty {
		return fmt.Errorf("slice %d: quantity %v outside [0, %v]", t.Slice, t.CurrentQty, t.OriginalQty)
	}
	if t.Stage < StageHolding || t.Stage > StageClosed {
		return fmt.Errorf("slice %d: stage %d out of range", t.Slice, t.Stage)
	}
	if t.CurrentQty == 0 && t.Open {
		return fmt.Errorf("slice %d: open with zero quantity", t.Slice)
	}
	return nil
}

// Position is the per-instrument ledger record. ExitHistory outlives
// tranche-slot reuse so re-entry cooldowns can look past a cleared slot.
type Position struct {
	Instrument     string       `json:"instrument"`
	Tranches       []*Tranche   `json:"tranches"`
	RealizedPnL    float64      `json:"realizedPnl"`
	BrokerQty      float64      `json:"brokerQty"`
	BrokerAvgPrice float64      `json:"brokerAvgPrice"`
	ZeroStreak     int          `json:"zeroStreak"` // consecutive broker-zero reads against an open ledger
	ExitHistory    []ExitRecord `json:"exitHistory,omitempty"`
}

// OpenTranches returns the open tranches ordered by slice index.
func (p *Position) OpenTranches() []*Tranche {
	var out []*Tranche
	for _, t := range p.Tranches {
		if t.Open {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slice < out[j].Slice })
	return out
}

// Tranche returns the tranche at the given slice index, or nil.
func (p *Position) Tranche(slice int) *Tranche {
	for _, t := range p.Tranches {
		if t.Slice == slice {
			return t
		}
	}
	return nil
}

// TotalQty sums current quantity across open tranches.
func (p *Position) TotalQty() float64 {
	var q float64
	for _, t := range p.OpenTranches() {
		q += t.CurrentQty
	}
	return q
}

// AvgEntryPrice is the quantity-weighted average entry price over open
// tranches, the reference the whole-position stop computes against.
func (p *Position) AvgEntryPrice() float64 {
	var qty, cost float64
	for _, t := range p.OpenTranches() {
		qty += t.CurrentQty
		cost += t.CurrentQty * t.EntryPrice
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

// OldestOpenEntry returns the entry time of the earliest open tranche.
func (p *Position) OldestOpenEntry() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, t := range p.OpenTranches() {
		if !found || t.EntryTime.Before(oldest) {
			oldest = t.EntryTime
			found = true
		}
	}
	return oldest, found
}

// InvestedCost is the remaining cost basis over open tranches.
func (p *Position) InvestedCost() float64 {
	var cost float64
	for _, t := range p.OpenTranches() {
		cost += t.CurrentQty * t.EntryPrice
	}
	return cost
}

// LastExitFor returns the most recent exit record touching the given
// slice, searching the preserved history.
func (p *Position) LastExitFor(slice int) (ExitRecord, bool) {
	for i := len(p.ExitHistory) - 1; i >= 0; i-- {
		if p.ExitHistory[i].Slice == slice {
			return p.ExitHistory[i], true
		}
	}
	return ExitRecord{}, false
}

// Book is the whole persisted ledger.
type Book struct {
	Version   int                  `json:"version"`
	Positions map[string]*Position `json:"positions"`
}

const CurrentVersion = 2

func NewBook() *Book {
	return &Book{Version: CurrentVersion, Positions: make(map[string]*Position)}
}

// Position returns the record for the instrument, creating it on first
// use. The record is never deleted afterwards.
func (b *Book) Position(instrument string) *Position {
	p, ok := b.Positions[instrument]
	if !ok {
		p = &Position{Instrument: instrument}
		b.Positions[instrument] = p
	}
	return p
}

// OpenTrancheCount counts open tranches across all instruments.
func (b *Book) OpenTrancheCount() int {
	n := 0
	for _, p := range b.Positions {
		n += len(p.OpenTranches())
	}
	return n
}

// OpenTranche records a fresh entry at the given slice. Reusing a
// closed slot replaces it with a stage-0 record; the slot's exit
// history stays in the position's preserved log.
func (b *Book) OpenTranche(instrument string, slice int, price, qty, prevClose float64, now time.Time) (*Tranche, error) {
	if price <= 0 || qty <= 0 {
		return nil, fmt.Errorf("open %s slice %d: invalid price=%v qty=%v", instrument, slice, price, qty)
	}
	p := b.Position(instrument)
	if cur := p.Tranche(slice); cur != nil && cur.Open {
		return nil, fmt.Errorf("open %s slice %d: already open", instrument, slice)
	}
	t := &Tranche{
		Slice:        slice,
		EntryPrice:   price,
		OriginalQty:  qty,
		CurrentQty:   qty,
		EntryTime:    now,
		Stage:        StageHolding,
		PrevRefClose: prevClose,
		Open:         true,
	}
	replaced := false
	for i, old := range p.Tranches {
		if old.Slice == slice {
			p.Tranches[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		p.Tranches = append(p.Tranches, t)
	}
	return t, t.validate()
}

// ApplyBuyFill folds an additional fill into an already-open tranche,
// averaging the entry price. Used when a pending buy confirms after the
// tranche was provisionally recorded.
func (b *Book) ApplyBuyFill(instrument string, slice int, price, qty float64) error {
	p := b.Position(instrument)
	t := p.Tranche(slice)
	if t == nil || !t.Open {
		return fmt.Errorf("buy fill %s slice %d: no open tranche", instrument, slice)
	}
	if price <= 0 || qty <= 0 {
		return fmt.Errorf("buy fill %s slice %d: invalid price=%v qty=%v", instrument, slice, price, qty)
	}
	total := t.CurrentQty + qty
	t.EntryPrice = (t.EntryPrice*t.CurrentQty + price*qty) / total
	t.CurrentQty = total
	t.OriginalQty += qty
	return t.validate()
}

// PartialSell removes qty from the tranche at the given fill price,
// records the exit, advances the stage and returns the realized P&L.
// Selling the full remaining quantity closes the tranche.
func (b *Book) PartialSell(instrument string, slice int, qty, price float64, nextStage int, reason string, now time.Time) (float64, error) {
	p := b.Position(instrument)
	t := p.Tranche(slice)
	if t == nil || !t.Open {
		return 0, fmt.Errorf("sell %s slice %d: no open tranche", instrument, slice)
	}
	if qty <= 0 || qty > t.CurrentQty {
		return 0, fmt.Errorf("sell %s slice %d: qty %v exceeds held %v", instrument, slice, qty, t.CurrentQty)
	}
	if nextStage < t.Stage {
		return 0, fmt.Errorf("sell %s slice %d: stage cannot go back from %d to %d", instrument, slice, t.Stage, nextStage)
	}
	realized := (price - t.EntryPrice) * qty
	t.CurrentQty -= qty
	t.Stage = nextStage
	if t.CurrentQty == 0 {
		t.Stage = StageClosed
		t.Open = false
		t.HighWaterMark = 0
	}
	rec := ExitRecord{
		Slice:       slice,
		Price:       price,
		Quantity:    qty,
		Time:        now,
		Reason:      reason,
		RealizedPnL: realized,
	}
	t.Exits = append(t.Exits, rec)
	p.ExitHistory = append(p.ExitHistory, rec)
	p.RealizedPnL += realized
	return realized, t.validate()
}

// CloseTranche sells the tranche's full remaining quantity.
func (b *Book) CloseTranche(instrument string, slice int, price float64, reason string, now time.Time) (float64, error) {
	p := b.Position(instrument)
	t := p.Tranche(slice)
	if t == nil || !t.Open {
		return 0, fmt.Errorf("close %s slice %d: no open tranche", instrument, slice)
	}
	return b.PartialSell(instrument, slice, t.CurrentQty, price, StageClosed, reason, now)
}

// CloseAll liquidates every open tranche of the instrument at the given
// price, recording each tranche's realized P&L independently, and
// clears all trailing state. Returns the total realized P&L.
func (b *Book) CloseAll(instrument string, price float64, reason string, now time.Time) (float64, error) {
	p := b.Position(instrument)
	var total float64
	for _, t := range p.OpenTranches() {
		realized, err := b.PartialSell(instrument, t.Slice, t.CurrentQty, price, StageClosed, reason, now)
		if err != nil {
			return total, err
		}
		total += realized
	}
	return total, nil
}

// UpdateHWM raises the tranche's high-water-mark if the current return
// exceeds it. Never lowers it; lowering is only done by RecalibrateHWM.
func (b *Book) UpdateHWM(instrument string, slice int, price float64) {
	t := b.Position(instrument).Tranche(slice)
	if t == nil || !t.Open {
		return
	}
	if r := t.Return(price); r > t.HighWaterMark {
		t.HighWaterMark = r
	}
}

// RecalibrateHWM lowers the high-water-mark after an overnight gap so a
// single gap does not fire the trailing stop. At most once per calendar
// day per tranche; reports whether it ran.
func (b *Book) RecalibrateHWM(instrument string, slice int, newHWM float64, day string) bool {
	t := b.Position(instrument).Tranche(slice)
	if t == nil || !t.Open || t.RecalDay == day {
		return false
	}
	if newHWM < t.HighWaterMark {
		t.HighWaterMark = newHWM
	}
	t.RecalDay = day
	return true
}

// SetRefClose updates the gap-detection reference close for all open
// tranches of the instrument. Called once per day with the prior close.
func (b *Book) SetRefClose(instrument string, close float64) {
	for _, t := range b.Position(instrument).OpenTranches() {
		t.PrevRefClose = close
	}
}

// RecordZeroObservation counts one broker-zero read against an open
// ledger position and returns the streak length.
func (b *Book) RecordZeroObservation(instrument string) int {
	p := b.Position(instrument)
	p.ZeroStreak++
	return p.ZeroStreak
}

// ResetZeroStreak clears the broker-zero streak once broker and ledger
// agree again.
func (b *Book) ResetZeroStreak(instrument string) {
	b.Position(instrument).ZeroStreak = 0
}

// RecordBrokerView stores the latest authoritative holdings read.
func (b *Book) RecordBrokerView(instrument string, qty, avgPrice float64) {
	p := b.Position(instrument)
	p.BrokerQty = qty
	p.BrokerAvgPrice = avgPrice
}

// Validate checks every invariant across the book. Run before any
// persisted write and after every load.
func (b *Book) Validate() error {
	if b.Positions == nil {
		return fmt.Errorf("nil positions map")
	}
	for code, p := range b.Positions {
		seen := make(map[int]bool)
		for _, t := range p.Tranches {
			if seen[t.Slice] {
				return fmt.Errorf("%s: duplicate slice %d", code, t.Slice)
			}
			seen[t.Slice] = true
			if err := t.validate(); err != nil {
				return fmt.Errorf("%s: %w", code, err)
			}
		}
	}
	return nil
}
