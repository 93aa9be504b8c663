package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/atrbot/internal/analysis/threshold"
	"github.com/skalibog/atrbot/internal/analysis/volatility"
	"github.com/skalibog/atrbot/internal/risk"
	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

// Причины подавления и пропуска действий
const (
	ReasonHalted       = "halted"
	ReasonPaused       = "paused"
	ReasonEntryPending = "entry_pending"
	ReasonDailyTrades  = "max_daily_trades"
	ReasonDailyLoss    = "max_daily_loss"
	ReasonMaxPositions = "max_positions"
	ReasonConflict     = "conflict"
	ReasonATRNotReady  = "atr_not_ready"
	ReasonNoPrice      = "no_price"
	ReasonNoPositions  = "no_positions"
	ReasonSizeTooSmall = "size_too_small"
)

var (
	// ErrUnknownAction подтверждение или отказ для действия, которого машина не ждет
	ErrUnknownAction = errors.New("неизвестное действие")
	// ErrInvalidFill исполнение без цены или объема
	ErrInvalidFill = errors.New("некорректное исполнение")
)

// Config параметры машины состояний
type Config struct {
	Symbol        string
	Investment    decimal.Decimal
	PositionRatio decimal.Decimal
	Leverage      int
	FeeRate       decimal.Decimal
	AllowHedge    bool
	// ManualHaltRelease разрешает команде resume снимать остановку до смены дня
	ManualHaltRelease bool
}

// Market рыночный контекст одного тика
type Market struct {
	Time time.Time
	// Bar время открытия текущего бара
	Bar   time.Time
	Price decimal.Decimal
	ATR   volatility.ATR
	// Levels nil, пока пороги не рассчитаны
	Levels *models.ThresholdSet
}

// ActionKind тип действия
type ActionKind string

const (
	ActionOpen  ActionKind = "open"
	ActionClose ActionKind = "close"
)

// Action запрос к бирже. Состояние меняется только после Confirm.
type Action struct {
	ID         string               `json:"id"`
	Kind       ActionKind           `json:"kind"`
	Side       models.Side          `json:"side"`
	PositionID string               `json:"position_id,omitempty"`
	Quantity   decimal.Decimal      `json:"quantity"`
	Margin     decimal.Decimal      `json:"margin"`
	Leverage   int                  `json:"leverage"`
	Price      decimal.Decimal      `json:"price"`
	Reason     models.ExitReason    `json:"reason,omitempty"`
	Source     models.CommandSource `json:"source"`
	ATR        volatility.ATR       `json:"-"`
	Bar        time.Time            `json:"bar"`
}

// Order заявка на открытие для шлюза
func (a Action) Order(symbol string) models.OrderRequest {
	return models.OrderRequest{
		ClientID: a.ID,
		Symbol:   symbol,
		Side:     a.Side,
		Quantity: a.Quantity,
		Leverage: a.Leverage,
	}
}

// Stats статистика закрытых сделок
type Stats struct {
	TotalTrades int             `json:"total_trades"`
	LongWins    int             `json:"long_wins"`
	LongLosses  int             `json:"long_losses"`
	ShortWins   int             `json:"short_wins"`
	ShortLosses int             `json:"short_losses"`
	GrossProfit decimal.Decimal `json:"gross_profit"`
	GrossLoss   decimal.Decimal `json:"gross_loss"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

// NetPnL итог всех закрытых сделок
func (s Stats) NetPnL() decimal.Decimal {
	return s.GrossProfit.Sub(s.GrossLoss)
}

// WinRate доля прибыльных сделок в процентах
func (s Stats) WinRate() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	wins := decimal.NewFromInt(int64(s.LongWins + s.ShortWins))
	return wins.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(s.TotalTrades)))
}

// Machine владеет позициями и принимает решения о входе и выходе.
// Вызывается только из одного исполнителя.
type Machine struct {
	cfg        Config
	thresholds *threshold.Engine
	ledger     *risk.Ledger

	positions []*models.Position
	pending   *Action
	paused    bool
	halted    bool
	stats     Stats
}

// NewMachine создает машину состояний
func NewMachine(cfg Config, thresholds *threshold.Engine, ledger *risk.Ledger) *Machine {
	return &Machine{
		cfg:        cfg,
		thresholds: thresholds,
		ledger:     ledger,
	}
}

// Exits проверяет стоп-лоссы, затем тейк-профиты открытых позиций.
// Выходы разрешены при остановке и паузе.
func (m *Machine) Exits(mk Market) ([]Action, []models.Event) {
	if !mk.Price.IsPositive() {
		return nil, nil
	}

	var stops, takes []Action
	for _, p := range m.positions {
		if p.Status != models.StatusOpen {
			continue
		}
		switch {
		case stopHit(p, mk.Price):
			stops = append(stops, m.closeAction(p, mk, models.ExitStopLoss, models.SourceAuto))
		case takeProfitHit(p, mk.Price):
			takes = append(takes, m.closeAction(p, mk, models.ExitTakeProfit, models.SourceAuto))
		}
	}
	actions := append(stops, takes...)
	events := make([]models.Event, 0, len(actions))
	for _, a := range actions {
		events = append(events, dispatched(a))
	}
	return actions, events
}

func stopHit(p *models.Position, price decimal.Decimal) bool {
	if p.Side == models.SideLong {
		return price.LessThanOrEqual(p.StopLoss)
	}
	return price.GreaterThanOrEqual(p.StopLoss)
}

func takeProfitHit(p *models.Position, price decimal.Decimal) bool {
	if p.TakeProfit.IsZero() {
		return false
	}
	if p.Side == models.SideLong {
		return price.GreaterThanOrEqual(p.TakeProfit)
	}
	return price.LessThanOrEqual(p.TakeProfit)
}

// Entry проверяет пробой уровней и возвращает не больше одного действия на вход
func (m *Machine) Entry(mk Market) (*Action, []models.Event) {
	if mk.Levels == nil || !mk.Price.IsPositive() {
		return nil, nil
	}

	var side models.Side
	switch {
	case mk.Price.GreaterThanOrEqual(mk.Levels.Upper):
		side = models.SideLong
	case mk.Price.LessThanOrEqual(mk.Levels.Lower):
		side = models.SideShort
	default:
		return nil, nil
	}

	if m.halted {
		return nil, []models.Event{suppressed(side, mk.Price, ReasonHalted)}
	}
	if m.paused {
		return nil, []models.Event{suppressed(side, mk.Price, ReasonPaused)}
	}
	return m.open(side, mk, models.SourceAuto)
}

// open общие проверки для автоматического и ручного входа
func (m *Machine) open(side models.Side, mk Market, source models.CommandSource) (*Action, []models.Event) {
	if !mk.Price.IsPositive() {
		return nil, []models.Event{skipped(side, mk.Price, ReasonNoPrice)}
	}
	if m.pending != nil {
		return nil, []models.Event{suppressed(side, mk.Price, ReasonEntryPending)}
	}
	if reason := m.riskBlock(); reason != "" {
		return nil, []models.Event{suppressed(side, mk.Price, reason)}
	}
	if m.conflict(side, mk.Bar, source) {
		return nil, []models.Event{suppressed(side, mk.Price, ReasonConflict)}
	}
	if !m.thresholds.ExitsReady(mk.ATR) {
		return nil, []models.Event{skipped(side, mk.Price, ReasonATRNotReady)}
	}

	margin := m.cfg.Investment.Mul(m.cfg.PositionRatio)
	qty := margin.Mul(decimal.NewFromInt(int64(m.cfg.Leverage))).Div(mk.Price).Truncate(8)
	if !qty.IsPositive() {
		return nil, []models.Event{skipped(side, mk.Price, ReasonSizeTooSmall)}
	}

	a := &Action{
		ID:       uuid.NewString(),
		Kind:     ActionOpen,
		Side:     side,
		Quantity: qty,
		Margin:   margin,
		Leverage: m.cfg.Leverage,
		Price:    mk.Price,
		Source:   source,
		ATR:      mk.ATR,
		Bar:      mk.Bar,
	}
	m.pending = a
	return a, []models.Event{dispatched(*a)}
}

// riskBlock возвращает причину, по которой лимиты запрещают вход
func (m *Machine) riskBlock() string {
	if !m.ledger.CanTrade() {
		if m.ledger.LossCapReached() {
			return ReasonDailyLoss
		}
		return ReasonDailyTrades
	}
	if !m.ledger.CanOpen() {
		return ReasonMaxPositions
	}
	return ""
}

// conflict: позиция той же стороны, открытая на текущем баре,
// или любая встречная позиция, когда хедж запрещен
func (m *Machine) conflict(side models.Side, bar time.Time, source models.CommandSource) bool {
	for _, p := range m.positions {
		if p.Side == side && source == models.SourceAuto && p.EntryBar.Equal(bar) {
			return true
		}
		if p.Side != side && !m.cfg.AllowHedge {
			return true
		}
	}
	return false
}

// Apply применяет команду управления
func (m *Machine) Apply(cmd models.Command, mk Market) ([]Action, []models.Event) {
	switch cmd.Kind {
	case models.CommandOpenLong, models.CommandOpenShort:
		side := models.SideLong
		if cmd.Kind == models.CommandOpenShort {
			side = models.SideShort
		}
		if m.halted {
			return nil, []models.Event{suppressed(side, mk.Price, ReasonHalted)}
		}
		a, events := m.open(side, mk, cmd.Source)
		if a == nil {
			return nil, events
		}
		return []Action{*a}, events

	case models.CommandCloseAll:
		var actions []Action
		var events []models.Event
		for _, p := range m.positions {
			if p.Status != models.StatusOpen {
				continue
			}
			a := m.closeAction(p, mk, models.ExitManual, cmd.Source)
			actions = append(actions, a)
			events = append(events, dispatched(a))
		}
		if len(actions) == 0 {
			events = append(events, models.Event{Kind: models.EventSkipped, Action: string(ActionClose), Price: mk.Price, Reason: ReasonNoPositions})
		}
		return actions, events

	case models.CommandPause:
		m.paused = true
		logger.Info("Автоматические входы приостановлены", zap.String("source", string(cmd.Source)))
		return nil, []models.Event{{Kind: models.EventPaused, Price: mk.Price}}

	case models.CommandResume:
		m.paused = false
		ev := models.Event{Kind: models.EventResumed, Price: mk.Price}
		if m.halted {
			if m.cfg.ManualHaltRelease {
				m.halted = false
				m.ledger.Rebase()
				logger.Warn("Остановка по дневному убытку снята вручную",
					zap.String("realized_pnl", m.ledger.Counters().RealizedPnL.String()))
			} else {
				ev.Reason = ReasonHalted
			}
		}
		logger.Info("Автоматические входы возобновлены", zap.Bool("halted", m.halted))
		return nil, []models.Event{ev}
	}

	return nil, []models.Event{{Kind: models.EventSkipped, Reason: fmt.Sprintf("unknown command %q", cmd.Kind)}}
}

// CloseAll закрывает все открытые позиции при остановке
func (m *Machine) CloseAll(mk Market, reason models.ExitReason) ([]Action, []models.Event) {
	var actions []Action
	var events []models.Event
	for _, p := range m.positions {
		if p.Status == models.StatusOpen {
			a := m.closeAction(p, mk, reason, models.SourceAuto)
			actions = append(actions, a)
			events = append(events, dispatched(a))
		}
	}
	return actions, events
}

func (m *Machine) closeAction(p *models.Position, mk Market, reason models.ExitReason, source models.CommandSource) Action {
	p.Status = models.StatusClosing
	return Action{
		ID:         uuid.NewString(),
		Kind:       ActionClose,
		Side:       p.Side,
		PositionID: p.ID,
		Quantity:   p.Size,
		Margin:     p.Margin,
		Leverage:   p.Leverage,
		Price:      mk.Price,
		Reason:     reason,
		Source:     source,
		ATR:        mk.ATR,
		Bar:        mk.Bar,
	}
}

// Confirm фиксирует подтвержденное исполнение. Для закрытия возвращает сделку.
func (m *Machine) Confirm(a Action, res models.OrderResult, now time.Time) (*models.TradeRecord, []models.Event, error) {
	if !res.FilledPrice.IsPositive() || !res.FilledQty.IsPositive() {
		return nil, nil, fmt.Errorf("%w: price=%s qty=%s", ErrInvalidFill, res.FilledPrice, res.FilledQty)
	}
	if a.Kind == ActionOpen {
		return nil, m.confirmOpen(a, res, now), nil
	}
	return m.confirmClose(a, res, now)
}

func (m *Machine) confirmOpen(a Action, res models.OrderResult, now time.Time) []models.Event {
	if m.pending != nil && m.pending.ID == a.ID {
		m.pending = nil
	}

	stop, tp, err := m.thresholds.Exits(a.Side, res.FilledPrice, a.ATR)
	if err != nil {
		// уровни проверялись при создании действия, сюда попадаем только при сбое
		logger.Error("Не удалось рассчитать уровни выхода", zap.String("action", a.ID), zap.Error(err))
	}

	p := &models.Position{
		ID:         uuid.NewString(),
		Symbol:     m.cfg.Symbol,
		Side:       a.Side,
		EntryPrice: res.FilledPrice,
		Size:       res.FilledQty,
		Margin:     res.FilledPrice.Mul(res.FilledQty).Div(decimal.NewFromInt(int64(a.Leverage))),
		Leverage:   a.Leverage,
		StopLoss:   stop,
		TakeProfit: tp,
		OrderID:    res.OrderID,
		OpenedAt:   res.FilledAt,
		EntryBar:   a.Bar,
		Status:     models.StatusOpen,
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	m.positions = append(m.positions, p)
	m.ledger.RecordOpen()

	logger.Info("Позиция открыта",
		zap.String("id", p.ID),
		zap.String("side", string(p.Side)),
		zap.String("entry", p.EntryPrice.String()),
		zap.String("size", p.Size.String()),
		zap.String("stop_loss", p.StopLoss.String()),
		zap.String("take_profit", p.TakeProfit.String()),
		zap.String("source", string(a.Source)))

	return []models.Event{{Kind: models.EventFilled, Action: string(ActionOpen), Side: a.Side, PositionID: p.ID, Price: res.FilledPrice}}
}

func (m *Machine) confirmClose(a Action, res models.OrderResult, now time.Time) (*models.TradeRecord, []models.Event, error) {
	idx := m.indexOf(a.PositionID)
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: позиция %s", ErrUnknownAction, a.PositionID)
	}
	p := m.positions[idx]

	size := p.Size
	if res.FilledQty.LessThan(size) {
		size = res.FilledQty
	}
	gross := res.FilledPrice.Sub(p.EntryPrice).Mul(size).Mul(p.Side.Sign())
	fee := m.cfg.FeeRate.Mul(p.EntryPrice.Mul(size).Add(res.FilledPrice.Mul(size)))
	pnl := gross.Sub(fee)

	if size.Equal(p.Size) {
		if err := m.ledger.RecordClose(pnl); err != nil {
			return nil, nil, err
		}
		m.positions = append(m.positions[:idx], m.positions[idx+1:]...)
	} else {
		// частичное исполнение: позиция остается открытой с остатком
		m.ledger.RecordPartialClose(pnl)
		p.Size = p.Size.Sub(size)
		p.Margin = p.EntryPrice.Mul(p.Size).Div(decimal.NewFromInt(int64(p.Leverage)))
		p.Status = models.StatusOpen
	}
	m.recordStats(p.Side, pnl, fee)

	closedAt := res.FilledAt
	if closedAt.IsZero() {
		closedAt = now
	}
	trade := &models.TradeRecord{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   res.FilledPrice,
		Size:        size,
		Fee:         fee,
		PnL:         pnl,
		Reason:      a.Reason,
		OpenOrder:   p.OrderID,
		CloseOrder:  res.OrderID,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closedAt,
		RealizedDay: m.ledger.Counters().RealizedPnL,
	}

	logger.Info("Позиция закрыта",
		zap.String("id", p.ID),
		zap.String("side", string(p.Side)),
		zap.String("reason", string(a.Reason)),
		zap.String("exit", res.FilledPrice.String()),
		zap.String("pnl", pnl.String()),
		zap.String("realized_today", trade.RealizedDay.String()))

	events := []models.Event{{Kind: models.EventFilled, Action: string(ActionClose), Side: p.Side, PositionID: p.ID, Price: res.FilledPrice, Reason: string(a.Reason)}}
	if !m.halted && m.ledger.LossCapReached() {
		m.halted = true
		logger.Warn("Достигнут дневной лимит убытка, автоматические входы остановлены",
			zap.String("realized_today", trade.RealizedDay.String()),
			zap.String("max_daily_loss", m.ledger.Limits().MaxDailyLoss.String()))
		events = append(events, models.Event{Kind: models.EventHalted, Price: res.FilledPrice, Reason: ReasonDailyLoss})
	}
	return trade, events, nil
}

func (m *Machine) recordStats(side models.Side, pnl, fee decimal.Decimal) {
	m.stats.TotalTrades++
	m.stats.TotalFees = m.stats.TotalFees.Add(fee)
	win := pnl.IsPositive()
	switch {
	case side == models.SideLong && win:
		m.stats.LongWins++
	case side == models.SideLong:
		m.stats.LongLosses++
	case win:
		m.stats.ShortWins++
	default:
		m.stats.ShortLosses++
	}
	if win {
		m.stats.GrossProfit = m.stats.GrossProfit.Add(pnl)
	} else {
		m.stats.GrossLoss = m.stats.GrossLoss.Add(pnl.Neg())
	}
}

// Reject отменяет ожидающее действие без изменения счетчиков
func (m *Machine) Reject(a Action, err error, timedOut bool) models.Event {
	kind := models.EventRejected
	if timedOut {
		kind = models.EventTimeout
	}
	ev := models.Event{Kind: kind, Action: string(a.Kind), Side: a.Side, PositionID: a.PositionID, Price: a.Price}
	if err != nil {
		ev.Reason = err.Error()
	}

	switch a.Kind {
	case ActionOpen:
		if m.pending != nil && m.pending.ID == a.ID {
			m.pending = nil
		}
	case ActionClose:
		if idx := m.indexOf(a.PositionID); idx >= 0 {
			m.positions[idx].Status = models.StatusOpen
		}
	}

	logger.Warn("Действие не исполнено",
		zap.String("action", string(a.Kind)),
		zap.String("side", string(a.Side)),
		zap.Bool("timeout", timedOut),
		zap.Error(err))
	return ev
}

// Adopt берет под контроль позицию, уже открытую на бирже. Стоп и тейк-профит
// считаются от цены входа по текущим правилам.
func (m *Machine) Adopt(p models.Position, atr volatility.ATR) (models.Position, error) {
	if p.Side != models.SideLong && p.Side != models.SideShort {
		return models.Position{}, fmt.Errorf("%w: сторона %q", ErrInvalidFill, p.Side)
	}
	if !p.Size.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: объем %s", ErrInvalidFill, p.Size)
	}
	stop, tp, err := m.thresholds.Exits(p.Side, p.EntryPrice, atr)
	if err != nil {
		return models.Position{}, err
	}

	p.ID = uuid.NewString()
	p.StopLoss = stop
	p.TakeProfit = tp
	p.Status = models.StatusOpen
	m.positions = append(m.positions, &p)
	m.ledger.RecordAdopted()

	logger.Info("Позиция с биржи взята под контроль",
		zap.String("id", p.ID),
		zap.String("side", string(p.Side)),
		zap.String("entry", p.EntryPrice.String()),
		zap.String("size", p.Size.String()),
		zap.String("stop_loss", p.StopLoss.String()),
		zap.String("take_profit", p.TakeProfit.String()))
	return p, nil
}

// RollDay сбрасывает дневные счетчики на границе торгового дня и снимает остановку
func (m *Machine) RollDay(now time.Time) []models.Event {
	if !m.ledger.RollDayIfNeeded(now) {
		return nil
	}
	wasHalted := m.halted
	m.halted = false
	logger.Info("Новый торговый день",
		zap.Time("day", m.ledger.Counters().TradingDay),
		zap.Int("open_positions", m.ledger.Counters().OpenPositions),
		zap.Bool("halt_cleared", wasHalted))
	return []models.Event{{Kind: models.EventRollover}}
}

// RestoreDay восстанавливает счетчики дня после перезапуска
func (m *Machine) RestoreDay(snap risk.DaySnapshot, now time.Time) bool {
	if !m.ledger.Restore(snap, now) {
		return false
	}
	m.halted = m.ledger.LossCapReached()
	return true
}

func (m *Machine) indexOf(id string) int {
	for i, p := range m.positions {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Positions копии открытых и закрывающихся позиций
func (m *Machine) Positions() []models.Position {
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Position копия позиции по идентификатору
func (m *Machine) Position(id string) (models.Position, bool) {
	if idx := m.indexOf(id); idx >= 0 {
		return *m.positions[idx], true
	}
	return models.Position{}, false
}

func (m *Machine) Paused() bool { return m.paused }

func (m *Machine) Halted() bool { return m.halted }

func (m *Machine) Stats() Stats { return m.stats }

func (m *Machine) Counters() models.RiskCounters { return m.ledger.Counters() }

func (m *Machine) DaySnapshot() risk.DaySnapshot { return m.ledger.Snapshot() }

func (m *Machine) NextRollover() time.Time { return m.ledger.NextRollover() }

// EntryPending есть ли вход в полете
func (m *Machine) EntryPending() bool { return m.pending != nil }

func suppressed(side models.Side, price decimal.Decimal, reason string) models.Event {
	return models.Event{Kind: models.EventSuppressed, Action: string(ActionOpen), Side: side, Price: price, Reason: reason}
}

func skipped(side models.Side, price decimal.Decimal, reason string) models.Event {
	return models.Event{Kind: models.EventSkipped, Action: string(ActionOpen), Side: side, Price: price, Reason: reason}
}

func dispatched(a Action) models.Event {
	return models.Event{Kind: models.EventDispatched, Action: string(a.Kind), Side: a.Side, PositionID: a.PositionID, Price: a.Price, Reason: string(a.Reason)}
}
