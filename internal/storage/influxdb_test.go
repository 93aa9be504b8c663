package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/pkg/models"
)

type fakeInflux struct {
	mu     sync.Mutex
	status string
	writes []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"name":"influxdb","message":"ready for queries and writes","status":"`+f.status+`","checks":[],"version":"2.7.1"}`)
	case r.URL.Path == "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newInflux(t *testing.T, status string) (*fakeInflux, config.StorageConfig) {
	t.Helper()
	f := &fakeInflux{status: status}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, config.StorageConfig{Type: "influxdb", URL: srv.URL, Token: "t", Organization: "org", Bucket: "atrbot"}
}

func TestInfluxWritesTicksEventsAndTrades(t *testing.T) {
	f, cfg := newInflux(t, "pass")
	s, err := NewInfluxDBStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = s.WriteDecision(context.Background(), models.TickSummary{
		Time:    now,
		Symbol:  "BTCUSDT",
		Trigger: models.TriggerBar,
		Bar:     &models.Candle{Close: decimal.NewFromInt(101), High: decimal.NewFromInt(102), Low: decimal.NewFromInt(99)},
		ATR:     decimal.NewFromInt(2),
		Events: []models.Event{
			{Kind: models.EventDispatched, Action: "open", Side: models.SideLong, Price: decimal.NewFromInt(101)},
			{Kind: models.EventRollover},
		},
	})
	require.NoError(t, err)

	err = s.WriteTrade(context.Background(), models.TradeRecord{
		PositionID: "p1", Symbol: "BTCUSDT", Side: models.SideShort, Reason: models.ExitStopLoss,
		PnL: decimal.RequireFromString("-12.5"), ClosedAt: now,
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.writes, 2)
	lines := strings.Split(strings.TrimSpace(f.writes[0]), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ticks,symbol=BTCUSDT,trigger=bar "))
	assert.Contains(t, lines[0], "close=101")
	assert.Contains(t, lines[1], "side=long")
	assert.NotContains(t, lines[2], "side=")
	assert.True(t, strings.HasPrefix(f.writes[1], "trades,reason=stop_loss,side=short,symbol=BTCUSDT "))
	assert.Contains(t, f.writes[1], `pnl="-12.5"`)
}

func TestInfluxHealthCheckFails(t *testing.T) {
	_, cfg := newInflux(t, "fail")
	_, err := NewInfluxDBStorage(context.Background(), cfg)
	require.Error(t, err)
}
