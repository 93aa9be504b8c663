package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle представляет закрытую свечу (ценовой бар)
type Candle struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// Side направление позиции
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign возвращает +1 для лонга и -1 для шорта
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus статус жизненного цикла позиции
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// Position представляет позицию, открытую подтвержденным исполнением
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   int             `json:"leverage"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	// TakeProfit равен нулю, если тейк-профит выключен
	TakeProfit decimal.Decimal `json:"take_profit"`
	OrderID    string          `json:"order_id"`
	OpenedAt   time.Time       `json:"opened_at"`
	EntryBar   time.Time       `json:"entry_bar"`
	Status     PositionStatus  `json:"status"`
}

// ThresholdSet уровни пробоя, пересчитываемые на каждом тике
type ThresholdSet struct {
	Reference  decimal.Decimal `json:"reference"`
	Upper      decimal.Decimal `json:"upper"`
	Lower      decimal.Decimal `json:"lower"`
	StopLong   decimal.Decimal `json:"stop_long"`
	StopShort  decimal.Decimal `json:"stop_short"`
	ComputedAt time.Time       `json:"computed_at"`
}

// CommandKind тип команды управления
type CommandKind string

const (
	CommandOpenLong  CommandKind = "open_long"
	CommandOpenShort CommandKind = "open_short"
	CommandCloseAll  CommandKind = "close_all"
	CommandPause     CommandKind = "pause"
	CommandResume    CommandKind = "resume"
)

// Valid проверяет, что тип команды известен
func (k CommandKind) Valid() bool {
	switch k {
	case CommandOpenLong, CommandOpenShort, CommandCloseAll, CommandPause, CommandResume:
		return true
	}
	return false
}

// CommandSource источник команды
type CommandSource string

const (
	SourceManual CommandSource = "manual"
	SourceAuto   CommandSource = "auto"
)

// Command команда, потребляемая машиной состояний ровно один раз
type Command struct {
	Kind     CommandKind   `json:"kind"`
	IssuedAt time.Time     `json:"issued_at"`
	Source   CommandSource `json:"source"`
}

// OrderRequest заявка на открытие позиции
type OrderRequest struct {
	ClientID string          `json:"client_id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Leverage int             `json:"leverage"`
}

// OrderResult подтвержденное исполнение заявки
type OrderResult struct {
	OrderID     string          `json:"order_id"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledAt    time.Time       `json:"filled_at"`
}

// ExitReason причина закрытия позиции
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitShutdown   ExitReason = "shutdown"
)

// TradeRecord закрытая сделка
type TradeRecord struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Size        decimal.Decimal `json:"size"`
	Fee         decimal.Decimal `json:"fee"`
	PnL         decimal.Decimal `json:"pnl"`
	Reason      ExitReason      `json:"reason"`
	OpenOrder   string          `json:"open_order_id"`
	CloseOrder  string          `json:"close_order_id"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
	RealizedDay decimal.Decimal `json:"realized_pnl_today"`
}

// RiskCounters дневные счетчики риска
type RiskCounters struct {
	TradingDay    time.Time       `json:"trading_day"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl_today"`
	TradeCount    int             `json:"trade_count_today"`
	OpenPositions int             `json:"open_position_count"`
}

// EventKind тип события тика
type EventKind string

const (
	EventDispatched EventKind = "dispatched"
	EventFilled     EventKind = "filled"
	EventRejected   EventKind = "rejected"
	EventTimeout    EventKind = "timeout"
	EventSuppressed EventKind = "suppressed"
	EventSkipped    EventKind = "skipped"
	EventHalted     EventKind = "halted"
	EventRollover   EventKind = "rollover"
	EventPaused     EventKind = "paused"
	EventResumed    EventKind = "resumed"
)

// Event запись о решении внутри тика
type Event struct {
	Kind       EventKind       `json:"kind"`
	Action     string          `json:"action,omitempty"`
	Side       Side            `json:"side,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Reason     string          `json:"reason,omitempty"`
}

// Trigger причина запуска тика
type Trigger string

const (
	TriggerBar      Trigger = "bar"
	TriggerCommand  Trigger = "command"
	TriggerShutdown Trigger = "shutdown"
)

// TickSummary итог одного тика для записи
type TickSummary struct {
	Time       time.Time       `json:"time"`
	Symbol     string          `json:"symbol"`
	Trigger    Trigger         `json:"trigger"`
	Command    *Command        `json:"command,omitempty"`
	Bar        *Candle         `json:"bar,omitempty"`
	ATR        decimal.Decimal `json:"atr"`
	ATRReady   bool            `json:"atr_ready"`
	Thresholds *ThresholdSet   `json:"thresholds,omitempty"`
	Paused     bool            `json:"paused"`
	Halted     bool            `json:"halted"`
	Counters   RiskCounters    `json:"counters"`
	Events     []Event         `json:"events"`
}
