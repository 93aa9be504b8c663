package threshold

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/atrbot/internal/analysis/volatility"
	"github.com/skalibog/atrbot/pkg/models"
)

var (
	// ErrNotReady режим atr выбран, но ATR еще не определен
	ErrNotReady = errors.New("ATR еще не готов")
	// ErrInvalidPrice опорная цена или цена входа не положительна
	ErrInvalidPrice = errors.New("цена должна быть положительной")
)

// Kind режим расчета уровня
type Kind string

const (
	KindATR   Kind = "atr"
	KindFixed Kind = "fixed"
)

// Rule правило смещения уровня от цены: доля цены или множитель ATR
type Rule struct {
	Kind       Kind            `json:"kind"`
	Ratio      decimal.Decimal `json:"ratio"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// NewRule собирает правило из значений конфигурации
func NewRule(kind string, ratio, multiplier float64) (Rule, error) {
	switch Kind(kind) {
	case KindFixed:
		if ratio <= 0 {
			return Rule{}, fmt.Errorf("доля для режима fixed должна быть больше 0, получено %v", ratio)
		}
		return Rule{Kind: KindFixed, Ratio: decimal.NewFromFloat(ratio)}, nil
	case KindATR:
		if multiplier <= 0 {
			return Rule{}, fmt.Errorf("множитель для режима atr должен быть больше 0, получено %v", multiplier)
		}
		return Rule{Kind: KindATR, Multiplier: decimal.NewFromFloat(multiplier)}, nil
	}
	return Rule{}, fmt.Errorf("неизвестный режим порога %q", kind)
}

// Offset абсолютное смещение уровня от price.
// Для atr смещение равно multiplier*atr, что совпадает с price*(multiplier*atr/price).
func (r Rule) Offset(price decimal.Decimal, atr volatility.ATR) (decimal.Decimal, error) {
	if r.Kind == KindATR {
		if !atr.Ready {
			return decimal.Zero, ErrNotReady
		}
		return r.Multiplier.Mul(atr.Value), nil
	}
	return price.Mul(r.Ratio), nil
}

func (r Rule) NeedsATR() bool {
	return r.Kind == KindATR
}

func (r Rule) String() string {
	if r.Kind == KindATR {
		return fmt.Sprintf("atr×%s", r.Multiplier)
	}
	return fmt.Sprintf("fixed %s", r.Ratio)
}

// Engine пересчитывает уровни пробоя и выхода
type Engine struct {
	up         Rule
	down       Rule
	stop       Rule
	takeProfit bool
}

// NewEngine создает движок порогов. Тейк-профит лонга считается по правилу up,
// шорта по правилу down.
func NewEngine(up, down, stop Rule, takeProfit bool) *Engine {
	return &Engine{up: up, down: down, stop: stop, takeProfit: takeProfit}
}

// Compute рассчитывает уровни от опорной цены
func (e *Engine) Compute(ref decimal.Decimal, atr volatility.ATR, now time.Time) (models.ThresholdSet, error) {
	if !ref.IsPositive() {
		return models.ThresholdSet{}, ErrInvalidPrice
	}
	upOff, err := e.up.Offset(ref, atr)
	if err != nil {
		return models.ThresholdSet{}, fmt.Errorf("верхний уровень: %w", err)
	}
	downOff, err := e.down.Offset(ref, atr)
	if err != nil {
		return models.ThresholdSet{}, fmt.Errorf("нижний уровень: %w", err)
	}
	stopOff, err := e.stop.Offset(ref, atr)
	if err != nil {
		return models.ThresholdSet{}, fmt.Errorf("стоп-лосс: %w", err)
	}

	return models.ThresholdSet{
		Reference:  ref,
		Upper:      ref.Add(upOff),
		Lower:      ref.Sub(downOff),
		StopLong:   ref.Sub(stopOff),
		StopShort:  ref.Add(stopOff),
		ComputedAt: now,
	}, nil
}

// Exits возвращает стоп-лосс и тейк-профит от цены входа.
// При выключенном тейк-профите второй уровень нулевой.
func (e *Engine) Exits(side models.Side, entry decimal.Decimal, atr volatility.ATR) (stop, takeProfit decimal.Decimal, err error) {
	if !entry.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidPrice
	}
	stopOff, err := e.stop.Offset(entry, atr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("стоп-лосс: %w", err)
	}

	tpRule := e.up
	if side == models.SideShort {
		tpRule = e.down
	}
	var tpOff decimal.Decimal
	if e.takeProfit {
		if tpOff, err = tpRule.Offset(entry, atr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("тейк-профит: %w", err)
		}
	}

	if side == models.SideShort {
		stop = entry.Add(stopOff)
		if e.takeProfit {
			takeProfit = entry.Sub(tpOff)
		}
		return stop, takeProfit, nil
	}
	stop = entry.Sub(stopOff)
	if e.takeProfit {
		takeProfit = entry.Add(tpOff)
	}
	return stop, takeProfit, nil
}

// ExitsReady проверяет, что уровни выхода вычислимы при данном ATR
func (e *Engine) ExitsReady(atr volatility.ATR) bool {
	if atr.Ready {
		return true
	}
	if e.stop.NeedsATR() {
		return false
	}
	return !e.takeProfit || (!e.up.NeedsATR() && !e.down.NeedsATR())
}

// NeedsATR хотя бы одно правило зависит от ATR
func (e *Engine) NeedsATR() bool {
	return e.up.NeedsATR() || e.down.NeedsATR() || e.stop.NeedsATR()
}
