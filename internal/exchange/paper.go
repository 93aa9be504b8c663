package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

// Paper исполняет заявки по последней цене закрытия без отправки на биржу.
// Рыночные данные берутся из реального источника.
type Paper struct {
	data MarketData
	slip decimal.Decimal
	now  func() time.Time

	mu   sync.Mutex
	last map[string]decimal.Decimal
	seq  int64
}

// NewPaper создает бумажный шлюз с проскальзыванием slipBps базисных пунктов
func NewPaper(data MarketData, slipBps float64) *Paper {
	return &Paper{
		data: data,
		slip: decimal.NewFromFloat(slipBps).Div(decimal.NewFromInt(10000)),
		now:  time.Now,
		last: make(map[string]decimal.Decimal),
	}
}

func (p *Paper) FetchLatestBar(ctx context.Context, symbol, interval string) (models.Candle, error) {
	bar, err := p.data.FetchLatestBar(ctx, symbol, interval)
	if err != nil {
		return bar, err
	}
	p.observe(bar)
	return bar, nil
}

func (p *Paper) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	bars, err := p.data.FetchBars(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		p.observe(bars[len(bars)-1])
	}
	return bars, nil
}

func (p *Paper) observe(bar models.Candle) {
	p.mu.Lock()
	p.last[bar.Symbol] = bar.Close
	p.mu.Unlock()
}

// SubmitOrder покупка исполняется выше последней цены на проскальзывание, продажа ниже
func (p *Paper) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	return p.fill(ctx, req.Symbol, req.Side == models.SideLong, req.Quantity)
}

func (p *Paper) ClosePosition(ctx context.Context, pos models.Position) (models.OrderResult, error) {
	return p.fill(ctx, pos.Symbol, pos.Side == models.SideShort, pos.Size)
}

func (p *Paper) fill(ctx context.Context, symbol string, buy bool, qty decimal.Decimal) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", ErrOrderTimeout, err)
	}
	if !qty.IsPositive() {
		return models.OrderResult{}, fmt.Errorf("%w: объем %s", ErrOrderRejected, qty)
	}

	p.mu.Lock()
	price, ok := p.last[symbol]
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	if !ok {
		return models.OrderResult{}, fmt.Errorf("%w: нет цены для %s", ErrOrderRejected, symbol)
	}

	one := decimal.NewFromInt(1)
	if buy {
		price = price.Mul(one.Add(p.slip))
	} else {
		price = price.Mul(one.Sub(p.slip))
	}

	res := models.OrderResult{
		OrderID:     fmt.Sprintf("paper-%d", seq),
		FilledPrice: price,
		FilledQty:   qty,
		FilledAt:    p.now(),
	}
	logger.Debug("Бумажное исполнение",
		zap.String("symbol", symbol),
		zap.Bool("buy", buy),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()))
	return res, nil
}
