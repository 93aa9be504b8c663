package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

// код Binance "No need to change position side"
const codeNoNeedToChangeSide = -4059

// BinanceClient шлюз USDT-M фьючерсов Binance
type BinanceClient struct {
	futures *futures.Client
	limiter *rate.Limiter
	retries int
	hedge   bool
	now     func() time.Time

	mu    sync.RWMutex
	steps map[string]lotSize
}

type lotSize struct {
	step   decimal.Decimal
	minQty decimal.Decimal
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}

	return &BinanceClient{
		futures: futures.NewClient(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		retries: cfg.FetchRetries,
		hedge:   cfg.HedgeMode,
		now:     time.Now,
		steps:   make(map[string]lotSize),
	}
}

// Prepare выставляет режим позиций, плечо и загружает шаг лота
func (c *BinanceClient) Prepare(ctx context.Context, symbol string, leverage int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := c.futures.NewChangePositionModeService().DualSide(c.hedge).Do(ctx)
	var apiErr *common.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChangeSide) {
		return fmt.Errorf("ошибка установки режима позиций: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("ошибка установки плеча: %w", err)
	}

	if err := c.loadLotSize(ctx, symbol); err != nil {
		return err
	}
	logger.Info("Биржа подготовлена",
		zap.String("symbol", symbol),
		zap.Int("leverage", leverage),
		zap.Bool("hedge_mode", c.hedge))
	return nil
}

func (c *BinanceClient) loadLotSize(ctx context.Context, symbol string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения информации о бирже: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := s.LotSizeFilter()
		if f == nil {
			return fmt.Errorf("нет фильтра LOT_SIZE для %s", symbol)
		}
		step, err := decimal.NewFromString(f.StepSize)
		if err != nil {
			return fmt.Errorf("некорректный шаг лота %q: %w", f.StepSize, err)
		}
		minQty, _ := decimal.NewFromString(f.MinQuantity)
		c.mu.Lock()
		c.steps[symbol] = lotSize{step: step, minQty: minQty}
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("символ %s не найден на бирже", symbol)
}

// GetKlines получает свечи с ограничением частоты и повтором при сбое
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		klines, err := c.futures.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err == nil {
			return toCandles(symbol, interval, klines)
		}
		if attempt >= c.retries || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: ошибка получения свечей: %v", ErrDataUnavailable, err)
		}

		wait := b.Duration()
		logger.Warn("Повтор запроса свечей", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, ctx.Err())
		}
	}
}

func toCandles(symbol, interval string, klines []*futures.Kline) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candle := models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		}
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&candle.Open, k.Open},
			{&candle.High, k.High},
			{&candle.Low, k.Low},
			{&candle.Close, k.Close},
			{&candle.Volume, k.Volume},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("%w: некорректная цена %q: %v", ErrDataUnavailable, f.src, err)
			}
			*f.dst = v
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// FetchBars возвращает закрытые бары, незакрытый последний отбрасывается
func (c *BinanceClient) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	candles, err := c.GetKlines(ctx, symbol, interval, limit+1)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for len(candles) > 0 && !candles[len(candles)-1].CloseTime.Before(now) {
		candles = candles[:len(candles)-1]
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (c *BinanceClient) FetchLatestBar(ctx context.Context, symbol, interval string) (models.Candle, error) {
	candles, err := c.FetchBars(ctx, symbol, interval, 1)
	if err != nil {
		return models.Candle{}, err
	}
	if len(candles) == 0 {
		return models.Candle{}, fmt.Errorf("%w: нет закрытых свечей %s %s", ErrDataUnavailable, symbol, interval)
	}
	return candles[0], nil
}

// OpenPositions позиции символа с ненулевым объемом
func (c *BinanceClient) OpenPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения позиций: %w", err)
	}

	var out []models.Position
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("некорректный объем позиции %q: %w", r.PositionAmt, err)
		}
		if amt.IsZero() {
			continue
		}
		entry, err := decimal.NewFromString(r.EntryPrice)
		if err != nil {
			return nil, fmt.Errorf("некорректная цена входа %q: %w", r.EntryPrice, err)
		}
		// в одностороннем режиме positionSide BOTH, сторону задает знак объема
		side := models.SideLong
		switch {
		case r.PositionSide == string(futures.PositionSideTypeShort):
			side = models.SideShort
		case r.PositionSide != string(futures.PositionSideTypeLong) && amt.IsNegative():
			side = models.SideShort
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		if leverage < 1 {
			leverage = 1
		}
		size := amt.Abs()
		out = append(out, models.Position{
			Symbol:     symbol,
			Side:       side,
			EntryPrice: entry,
			Size:       size,
			Margin:     entry.Mul(size).Div(decimal.NewFromInt(int64(leverage))),
			Leverage:   leverage,
		})
	}
	return out, nil
}

// SubmitOrder открывает позицию рыночной заявкой
func (c *BinanceClient) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == models.SideShort {
		side = futures.SideTypeSell
	}
	return c.marketOrder(ctx, req.Symbol, side, req.Side, req.Quantity, req.ClientID, false)
}

// ClosePosition закрывает позицию встречной рыночной заявкой
func (c *BinanceClient) ClosePosition(ctx context.Context, p models.Position) (models.OrderResult, error) {
	side := futures.SideTypeSell
	if p.Side == models.SideShort {
		side = futures.SideTypeBuy
	}
	return c.marketOrder(ctx, p.Symbol, side, p.Side, p.Size, "", true)
}

func (c *BinanceClient) marketOrder(ctx context.Context, symbol string, side futures.SideType, posSide models.Side, qty decimal.Decimal, clientID string, closing bool) (models.OrderResult, error) {
	qty, err := c.roundQty(symbol, qty)
	if err != nil {
		return models.OrderResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %v", ErrOrderTimeout, err)
	}

	svc := c.futures.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if clientID != "" {
		svc = svc.NewClientOrderID(clientID)
	}
	if c.hedge {
		ps := futures.PositionSideTypeLong
		if posSide == models.SideShort {
			ps = futures.PositionSideTypeShort
		}
		svc = svc.PositionSide(ps)
	} else if closing {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return models.OrderResult{}, fmt.Errorf("%w: %v", ErrOrderTimeout, err)
		}
		return models.OrderResult{}, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	return parseOrder(res)
}

func parseOrder(res *futures.CreateOrderResponse) (models.OrderResult, error) {
	filled, _ := decimal.NewFromString(res.ExecutedQuantity)
	price, _ := decimal.NewFromString(res.AvgPrice)
	if !filled.IsPositive() || !price.IsPositive() {
		return models.OrderResult{}, fmt.Errorf("%w: статус %s, исполнено %q по %q", ErrOrderRejected, res.Status, res.ExecutedQuantity, res.AvgPrice)
	}
	if res.Status != futures.OrderStatusTypeFilled && res.Status != futures.OrderStatusTypePartiallyFilled {
		return models.OrderResult{}, fmt.Errorf("%w: статус %s", ErrOrderRejected, res.Status)
	}
	return models.OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		FilledPrice: price,
		FilledQty:   filled,
		FilledAt:    time.UnixMilli(res.UpdateTime).UTC(),
	}, nil
}

// roundQty округляет объем вниз до шага лота
func (c *BinanceClient) roundQty(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	c.mu.RLock()
	ls, ok := c.steps[symbol]
	c.mu.RUnlock()
	if !ok || !ls.step.IsPositive() {
		return qty, nil
	}
	rounded := qty.Div(ls.step).Floor().Mul(ls.step)
	if !rounded.IsPositive() || rounded.LessThan(ls.minQty) {
		return decimal.Zero, fmt.Errorf("%w: объем %s меньше минимального %s", ErrOrderRejected, qty, ls.minQty)
	}
	return rounded, nil
}
