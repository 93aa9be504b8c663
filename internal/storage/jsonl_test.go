package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/pkg/models"
)

func TestJSONFileRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	r, err := NewJSONFileRecorder(dir)
	require.NoError(t, err)
	ctx := context.Background()

	trades, err := r.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "BTCUSDT"} {
		require.NoError(t, r.WriteTrade(ctx, models.TradeRecord{
			PositionID: string(rune('a' + i)),
			Symbol:     sym,
			PnL:        decimal.NewFromInt(int64(i)),
		}))
	}
	require.NoError(t, r.WriteDecision(ctx, models.TickSummary{Symbol: "BTCUSDT", Trigger: models.TriggerBar}))

	trades, err = r.RecentTrades(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "d", trades[0].PositionID, "новые первыми")
	assert.Equal(t, "c", trades[1].PositionID)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromInt(3)))

	all, err := r.RecentTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, decisionsFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"trigger":"bar"`)
}

func TestJSONFileRecorderSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tradesFile), []byte(`{"position_id":"x","symbol":"BTCUSDT"}`+"\n"+`{"position_id":"y","sym`), 0o644))

	r, err := NewJSONFileRecorder(dir)
	require.NoError(t, err)
	defer r.Close()

	trades, err := r.RecentTrades(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "x", trades[0].PositionID)
}
