package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, limits Limits) *Ledger {
	t.Helper()
	clock, err := NewDayClock("UTC")
	require.NoError(t, err)
	return NewLedger(limits, clock, day0)
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDayClock(t *testing.T) {
	clock, err := NewDayClock("Europe/Moscow")
	require.NoError(t, err)

	// 20:59 UTC = 23:59 MSK, 21:00 UTC = 00:00 MSK следующего дня
	before := time.Date(2024, 3, 10, 20, 59, 0, 0, time.UTC)
	after := time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC)
	assert.False(t, clock.SameDay(before, after))
	assert.True(t, clock.SameDay(before, time.Date(2024, 3, 9, 21, 0, 0, 0, time.UTC)))
	assert.True(t, clock.NextBoundary(before).Equal(after))

	_, err = NewDayClock("Nowhere/Land")
	require.Error(t, err)
}

func TestLedgerCanOpen(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 1})
	assert.True(t, l.CanOpen())

	l.RecordOpen()
	assert.False(t, l.CanOpen())

	require.NoError(t, l.RecordClose(dec("5")))
	assert.True(t, l.CanOpen())
	assert.ErrorIs(t, l.RecordClose(decimal.Zero), ErrNoOpenPositions)
}

func TestLedgerTradeCap(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 2, MaxPositions: 5})

	l.RecordOpen()
	assert.True(t, l.CanTrade())
	l.RecordOpen()
	assert.False(t, l.CanTrade())

	c := l.Counters()
	assert.Equal(t, 2, c.TradeCount)
	assert.Equal(t, 2, c.OpenPositions)
}

func TestLedgerLossCapInclusive(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 5})
	l.RecordOpen()
	l.RecordOpen()

	require.NoError(t, l.RecordClose(dec("-99.99")))
	assert.False(t, l.LossCapReached())
	assert.True(t, l.CanTrade())

	require.NoError(t, l.RecordClose(dec("-0.01")))
	assert.True(t, l.Counters().RealizedPnL.Equal(dec("-100")))
	assert.True(t, l.LossCapReached())
	assert.False(t, l.CanTrade())
}

func TestLedgerRebase(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 5})
	l.RecordOpen()
	require.NoError(t, l.RecordClose(dec("-150")))
	require.True(t, l.LossCapReached())

	l.Rebase()
	assert.False(t, l.LossCapReached())
	assert.True(t, l.Counters().RealizedPnL.Equal(dec("-150")), "реализованный P&L не меняется")

	l.RecordOpen()
	require.NoError(t, l.RecordClose(dec("-100")))
	assert.True(t, l.LossCapReached())
}

func TestLedgerAdoptedIsNotTrade(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 1, MaxPositions: 1})
	l.RecordAdopted()

	c := l.Counters()
	assert.Equal(t, 1, c.OpenPositions)
	assert.Zero(t, c.TradeCount)
	assert.True(t, l.CanTrade())
	assert.False(t, l.CanOpen())
	require.NoError(t, l.RecordClose(dec("5")))
}

func TestLedgerRollDay(t *testing.T) {
	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 2, MaxPositions: 5})
	l.RecordOpen()
	l.RecordOpen()
	require.NoError(t, l.RecordClose(dec("-30")))

	assert.False(t, l.RollDayIfNeeded(day0.Add(time.Hour)))

	next := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	assert.True(t, l.NextRollover().Equal(next))
	require.True(t, l.RollDayIfNeeded(next))
	assert.True(t, l.NextRollover().Equal(next.AddDate(0, 0, 1)))
	c := l.Counters()
	assert.Zero(t, c.TradeCount)
	assert.True(t, c.RealizedPnL.IsZero())
	assert.Equal(t, 1, c.OpenPositions)
	assert.True(t, c.TradingDay.Equal(next))
	assert.True(t, l.CanTrade())

	assert.False(t, l.RollDayIfNeeded(next.Add(time.Minute)), "сброс ровно один раз за день")
	assert.False(t, l.RollDayIfNeeded(day0), "время назад не откатывает день")
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "day.json")
	store := NewSnapshotStore(path)

	_, err := store.Load()
	require.True(t, IsMissing(err))

	l := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 5})
	l.RecordOpen()
	require.NoError(t, l.RecordClose(dec("-42.5")))
	require.NoError(t, store.Save(l.Snapshot()))

	snap, err := store.Load()
	require.NoError(t, err)

	restored := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 5})
	require.True(t, restored.Restore(snap, day0.Add(3*time.Hour)))
	assert.Equal(t, 1, restored.Counters().TradeCount)
	assert.True(t, restored.Counters().RealizedPnL.Equal(dec("-42.5")))
	assert.Zero(t, restored.Counters().OpenPositions)

	fresh := newTestLedger(t, Limits{MaxDailyLoss: dec("100"), MaxDailyTrades: 10, MaxPositions: 5})
	assert.False(t, fresh.Restore(snap, day0.Add(24*time.Hour)), "снимок прошлого дня игнорируется")
}

func TestSnapshotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "day.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewSnapshotStore(path).Load()
	require.Error(t, err)
	assert.False(t, IsMissing(err))
}
