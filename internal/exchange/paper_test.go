package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/pkg/models"
)

type staticData struct {
	bars []models.Candle
	err  error
}

func (s *staticData) FetchLatestBar(_ context.Context, _, _ string) (models.Candle, error) {
	if s.err != nil {
		return models.Candle{}, s.err
	}
	return s.bars[len(s.bars)-1], nil
}

func (s *staticData) FetchBars(_ context.Context, _, _ string, limit int) ([]models.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.bars) {
		return s.bars[len(s.bars)-limit:], nil
	}
	return s.bars, nil
}

func candle(close string) models.Candle {
	c := decimal.RequireFromString(close)
	return models.Candle{Symbol: "BTCUSDT", Interval: "1h", OpenTime: time.Unix(0, 0), Open: c, High: c, Low: c, Close: c}
}

func TestPaperFillsAtLastCloseWithSlippage(t *testing.T) {
	p := NewPaper(&staticData{bars: []models.Candle{candle("100"), candle("200")}}, 10)
	ctx := context.Background()

	_, err := p.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrOrderRejected, "без наблюденной цены исполнение невозможно")

	_, err = p.FetchLatestBar(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)

	res, err := p.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.True(t, res.FilledPrice.Equal(decimal.RequireFromString("200.2")), "покупка: %s", res.FilledPrice)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "paper-2", res.OrderID)

	res, err = p.ClosePosition(ctx, models.Position{Symbol: "BTCUSDT", Side: models.SideLong, Size: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.True(t, res.FilledPrice.Equal(decimal.RequireFromString("199.8")), "продажа: %s", res.FilledPrice)

	res, err = p.ClosePosition(ctx, models.Position{Symbol: "BTCUSDT", Side: models.SideShort, Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.True(t, res.FilledPrice.Equal(decimal.RequireFromString("200.2")), "закрытие шорта покупкой")
}

func TestPaperFetchBarsTracksLastClose(t *testing.T) {
	p := NewPaper(&staticData{bars: []models.Candle{candle("100"), candle("150")}}, 0)
	bars, err := p.FetchBars(context.Background(), "BTCUSDT", "1h", 5)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	res, err := p.SubmitOrder(context.Background(), models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideShort, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.True(t, res.FilledPrice.Equal(decimal.NewFromInt(150)))
}

func TestPaperErrors(t *testing.T) {
	dataErr := errors.New("нет сети")
	p := NewPaper(&staticData{err: dataErr}, 0)
	_, err := p.FetchLatestBar(context.Background(), "BTCUSDT", "1h")
	assert.ErrorIs(t, err, dataErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrOrderTimeout)

	_, err = p.SubmitOrder(context.Background(), models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideLong})
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestPaperHasNoAccountPositions(t *testing.T) {
	var gw Gateway = NewPaper(&staticData{bars: []models.Candle{candle("100")}}, 0)
	_, ok := gw.(PositionReader)
	assert.False(t, ok, "бумажные позиции не переживают перезапуск, сверять нечего")

	_, ok = interface{}(&BinanceClient{}).(PositionReader)
	assert.True(t, ok)
}
