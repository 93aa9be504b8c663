package volatility

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/skalibog/atrbot/pkg/models"
)

var (
	// ErrOutOfOrder бар не новее последнего принятого
	ErrOutOfOrder = errors.New("бар не новее последнего наблюдения")
	// ErrInvalidBar максимум ниже минимума или неположительные цены
	ErrInvalidBar = errors.New("некорректный бар")
)

// ATR значение волатильности. Ready ложно, пока не накоплено atr_period баров.
type ATR struct {
	Value decimal.Decimal
	Ready bool
}

func (a ATR) String() string {
	if !a.Ready {
		return "n/a"
	}
	return a.Value.StringFixed(8)
}

// Estimator считает ATR Уайлдера инкрементально по закрытым барам
type Estimator struct {
	period  int
	periodD decimal.Decimal

	window    []decimal.Decimal
	observed  int
	prevClose decimal.Decimal
	lastTime  int64
	atr       ATR
}

// NewEstimator создает оценщик волатильности с периодом period
func NewEstimator(period int) (*Estimator, error) {
	if period < 1 {
		return nil, fmt.Errorf("период ATR должен быть не меньше 1, получено %d", period)
	}
	return &Estimator{
		period:  period,
		periodD: decimal.NewFromInt(int64(period)),
		window:  make([]decimal.Decimal, 0, period),
	}, nil
}

// Observe принимает следующий закрытый бар и возвращает текущий ATR.
// Отклоненный бар не меняет состояние.
func (e *Estimator) Observe(bar models.Candle) (ATR, error) {
	if bar.High.LessThan(bar.Low) || !bar.Low.IsPositive() {
		return e.atr, fmt.Errorf("%w: high=%s low=%s", ErrInvalidBar, bar.High, bar.Low)
	}
	ts := bar.OpenTime.UnixNano()
	if e.observed > 0 && ts <= e.lastTime {
		return e.atr, fmt.Errorf("%w: %s", ErrOutOfOrder, bar.OpenTime)
	}

	tr := e.trueRange(bar)
	e.push(tr)
	e.observed++
	e.prevClose = bar.Close
	e.lastTime = ts

	switch {
	case e.observed < e.period:
	case e.observed == e.period:
		sum := decimal.Zero
		for _, v := range e.window {
			sum = sum.Add(v)
		}
		e.atr = ATR{Value: sum.Div(e.periodD), Ready: true}
	default:
		next := e.atr.Value.Add(tr.Sub(e.atr.Value).Div(e.periodD))
		e.atr = ATR{Value: next, Ready: true}
	}
	return e.atr, nil
}

// trueRange для первого бара равен high-low
func (e *Estimator) trueRange(bar models.Candle) decimal.Decimal {
	tr := bar.High.Sub(bar.Low)
	if e.observed == 0 {
		return tr
	}
	return decimal.Max(tr, bar.High.Sub(e.prevClose).Abs(), bar.Low.Sub(e.prevClose).Abs())
}

func (e *Estimator) push(tr decimal.Decimal) {
	if len(e.window) == e.period {
		copy(e.window, e.window[1:])
		e.window = e.window[:e.period-1]
	}
	e.window = append(e.window, tr)
}

// Current текущий ATR без нового наблюдения
func (e *Estimator) Current() ATR {
	return e.atr
}

func (e *Estimator) Period() int {
	return e.period
}

// Observed количество принятых баров
func (e *Estimator) Observed() int {
	return e.observed
}
