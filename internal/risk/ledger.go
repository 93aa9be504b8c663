package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/atrbot/pkg/models"
)

// ErrNoOpenPositions закрытие без открытой позиции нарушает счетчики
var ErrNoOpenPositions = errors.New("нет открытых позиций для закрытия")

// Limits жесткие лимиты на торговый день
type Limits struct {
	MaxDailyLoss   decimal.Decimal
	MaxDailyTrades int
	MaxPositions   int
}

// Ledger ведет дневные счетчики риска.
// Не потокобезопасен: им владеет единственный исполнитель цикла управления.
type Ledger struct {
	limits Limits
	clock  *DayClock

	day      time.Time
	realized decimal.Decimal
	// lossBase сдвигает базу дневного убытка после ручного снятия остановки
	lossBase decimal.Decimal
	trades   int
	open     int
}

// NewLedger создает журнал риска для торгового дня, содержащего now
func NewLedger(limits Limits, clock *DayClock, now time.Time) *Ledger {
	return &Ledger{
		limits: limits,
		clock:  clock,
		day:    clock.DayOf(now),
	}
}

// CanOpen ложно, когда достигнут лимит одновременных позиций
func (l *Ledger) CanOpen() bool {
	return l.open < l.limits.MaxPositions
}

// CanTrade ложно при исчерпании лимита сделок или дневного убытка
func (l *Ledger) CanTrade() bool {
	return l.trades < l.limits.MaxDailyTrades && !l.LossCapReached()
}

// LossCapReached проверяет realized_pnl_today <= -max_daily_loss
func (l *Ledger) LossCapReached() bool {
	return l.realized.Sub(l.lossBase).LessThanOrEqual(l.limits.MaxDailyLoss.Neg())
}

// RecordTrade учитывает сделку и изменение P&L
func (l *Ledger) RecordTrade(pnl decimal.Decimal) {
	l.trades++
	l.realized = l.realized.Add(pnl)
}

// RecordOpen учитывает подтвержденный вход: сделка плюс открытая позиция
func (l *Ledger) RecordOpen() {
	l.RecordTrade(decimal.Zero)
	l.open++
}

// RecordAdopted учитывает позицию, найденную на бирже при запуске. Сделкой не считается.
func (l *Ledger) RecordAdopted() {
	l.open++
}

// RecordClose учитывает подтвержденное закрытие с реализованным P&L
func (l *Ledger) RecordClose(pnl decimal.Decimal) error {
	if l.open == 0 {
		return ErrNoOpenPositions
	}
	l.open--
	l.realized = l.realized.Add(pnl)
	return nil
}

// RecordPartialClose учитывает P&L частичного закрытия, позиция остается открытой
func (l *Ledger) RecordPartialClose(pnl decimal.Decimal) {
	l.realized = l.realized.Add(pnl)
}

// RollDayIfNeeded сбрасывает дневные счетчики при смене торгового дня.
// Количество открытых позиций переносится в новый день.
func (l *Ledger) RollDayIfNeeded(now time.Time) bool {
	if l.clock.SameDay(l.day, now) || now.Before(l.day) {
		return false
	}
	l.day = l.clock.DayOf(now)
	l.realized = decimal.Zero
	l.lossBase = decimal.Zero
	l.trades = 0
	return true
}

// Rebase переносит базу дневного убытка на текущий реализованный P&L
func (l *Ledger) Rebase() {
	l.lossBase = l.realized
}

// Counters возвращает копию счетчиков
func (l *Ledger) Counters() models.RiskCounters {
	return models.RiskCounters{
		TradingDay:    l.day,
		RealizedPnL:   l.realized,
		TradeCount:    l.trades,
		OpenPositions: l.open,
	}
}

// NextRollover начало следующего торгового дня
func (l *Ledger) NextRollover() time.Time {
	return l.clock.NextBoundary(l.day)
}

func (l *Ledger) Limits() Limits {
	return l.limits
}

// Snapshot возвращает переживающую перезапуск часть счетчиков
func (l *Ledger) Snapshot() DaySnapshot {
	return DaySnapshot{
		DayOpen:     l.day.UTC().Format(time.RFC3339),
		Timezone:    l.clock.Location().String(),
		RealizedPnL: l.realized,
		LossBase:    l.lossBase,
		TradeCount:  l.trades,
	}
}

// Restore применяет снимок, если он относится к текущему торговому дню
func (l *Ledger) Restore(snap DaySnapshot, now time.Time) bool {
	day, err := time.Parse(time.RFC3339, snap.DayOpen)
	if err != nil || !l.clock.SameDay(day, now) {
		return false
	}
	l.day = l.clock.DayOf(now)
	l.realized = snap.RealizedPnL
	l.lossBase = snap.LossBase
	l.trades = snap.TradeCount
	return true
}
