package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/pkg/models"
)

var hourStart = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

// klinesJSON три часовых бара, последний еще не закрыт на момент hourStart+2h30m
func klinesJSON() string {
	row := func(i int, o, h, l, c string) string {
		open := hourStart.Add(time.Duration(i) * time.Hour)
		return fmt.Sprintf(`[%d,"%s","%s","%s","%s","10.5",%d,"1000",42,"5","500","0"]`,
			open.UnixMilli(), o, h, l, c, open.Add(time.Hour).UnixMilli()-1)
	}
	return "[" + row(0, "100", "102", "99", "101") + "," +
		row(1, "101", "104", "100", "103") + "," +
		row(2, "103", "105", "102", "104") + "]"
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg config.BinanceConfig) *BinanceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.APIKey, cfg.APISecret = "key", "secret"
	c := NewBinanceClient(cfg)
	c.futures.BaseURL = srv.URL
	c.now = func() time.Time { return hourStart.Add(150 * time.Minute) }
	return c
}

func TestFetchBarsDropsOpenBar(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, klinesJSON())
	}, config.BinanceConfig{RequestsPerSec: 100})

	bars, err := c.FetchBars(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].OpenTime.Equal(hourStart))
	assert.True(t, bars[1].Close.Equal(decimal.NewFromInt(103)))

	latest, err := c.FetchLatestBar(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, latest.OpenTime.Equal(hourStart.Add(time.Hour)))
	assert.True(t, latest.High.Equal(decimal.NewFromInt(104)))
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":-1001,"msg":"Internal error"}`)
			return
		}
		fmt.Fprint(w, klinesJSON())
	}, config.BinanceConfig{RequestsPerSec: 100, FetchRetries: 2})

	_, err := c.FetchLatestBar(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchGivesUpAsDataUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, config.BinanceConfig{RequestsPerSec: 100})

	_, err := c.FetchLatestBar(context.Background(), "BTCUSDT", "1h")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestSubmitOrderParsesFill(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "LONG", r.Form.Get("positionSide"))
		assert.Equal(t, "client-1", r.Form.Get("newClientOrderId"))
		fmt.Fprintf(w, `{"orderId":987,"symbol":"BTCUSDT","status":"FILLED","clientOrderId":"client-1",
			"avgPrice":"101.25","origQty":"0.5","executedQty":"0.5","type":"MARKET","side":"BUY",
			"positionSide":"LONG","updateTime":%d}`, hourStart.UnixMilli())
	}, config.BinanceConfig{RequestsPerSec: 100, HedgeMode: true})

	res, err := c.SubmitOrder(context.Background(), models.OrderRequest{
		ClientID: "client-1", Symbol: "BTCUSDT", Side: models.SideLong, Quantity: decimal.RequireFromString("0.5"), Leverage: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "987", res.OrderID)
	assert.True(t, res.FilledPrice.Equal(decimal.RequireFromString("101.25")))
	assert.True(t, res.FilledQty.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, res.FilledAt.Equal(hourStart))
}

func TestOrderRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"ошибка API", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`},
		{"не исполнено", http.StatusOK, `{"orderId":1,"status":"EXPIRED","avgPrice":"0","executedQty":"0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, config.BinanceConfig{RequestsPerSec: 100})

			_, err := c.ClosePosition(context.Background(), models.Position{Symbol: "BTCUSDT", Side: models.SideShort, Size: decimal.NewFromInt(1)})
			assert.ErrorIs(t, err, ErrOrderRejected)
		})
	}
}

func TestRoundQtyToLotStep(t *testing.T) {
	c := NewBinanceClient(config.BinanceConfig{})
	c.steps["BTCUSDT"] = lotSize{step: decimal.RequireFromString("0.001"), minQty: decimal.RequireFromString("0.001")}

	q, err := c.roundQty("BTCUSDT", decimal.RequireFromString("0.12345678"))
	require.NoError(t, err)
	assert.True(t, q.Equal(decimal.RequireFromString("0.123")))

	_, err = c.roundQty("BTCUSDT", decimal.RequireFromString("0.0009"))
	assert.ErrorIs(t, err, ErrOrderRejected)

	q, err = c.roundQty("ETHUSDT", decimal.RequireFromString("0.12345678"))
	require.NoError(t, err)
	assert.True(t, q.Equal(decimal.RequireFromString("0.12345678")), "без шага объем не меняется")
}

func TestOpenPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"100","leverage":"5","positionSide":"LONG"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","leverage":"5","positionSide":"SHORT"},
			{"symbol":"BTCUSDT","positionAmt":"-0.25","entryPrice":"104","leverage":"5","positionSide":"BOTH"},
			{"symbol":"ETHUSDT","positionAmt":"3","entryPrice":"2000","leverage":"5","positionSide":"LONG"}
		]`)
	}, config.BinanceConfig{RequestsPerSec: 100})

	held, err := c.OpenPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, held, 2)

	assert.Equal(t, models.SideLong, held[0].Side)
	assert.Equal(t, "0.5", held[0].Size.String())
	assert.Equal(t, "10", held[0].Margin.String())
	assert.Equal(t, 5, held[0].Leverage)

	assert.Equal(t, models.SideShort, held[1].Side)
	assert.Equal(t, "0.25", held[1].Size.String())
	assert.True(t, held[1].EntryPrice.Equal(decimal.NewFromInt(104)))
}
