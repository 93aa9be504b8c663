package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/atrbot/internal/strategy"
	"github.com/skalibog/atrbot/pkg/models"
)

// Limits лимиты риска для отображения
type Limits struct {
	MaxDailyLoss   decimal.Decimal `json:"max_daily_loss"`
	MaxDailyTrades int             `json:"max_daily_trades"`
	MaxPositions   int             `json:"max_positions"`
}

// Status неизменяемый снимок состояния ядра для канала управления
type Status struct {
	Symbol       string               `json:"symbol"`
	Interval     string               `json:"interval"`
	Running      bool                 `json:"running"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Price        decimal.Decimal      `json:"price"`
	LastBar      *models.Candle       `json:"last_bar,omitempty"`
	ATR          decimal.Decimal      `json:"atr"`
	ATRReady     bool                 `json:"atr_ready"`
	ATRBars      int                  `json:"atr_bars"`
	Thresholds   *models.ThresholdSet `json:"thresholds,omitempty"`
	Paused       bool                 `json:"paused"`
	Halted       bool                 `json:"halted"`
	EntryPending bool                 `json:"entry_pending"`
	Counters     models.RiskCounters  `json:"counters"`
	NextRollover time.Time            `json:"next_rollover"`
	Limits       Limits               `json:"limits"`
	Positions    []models.Position    `json:"positions"`
	Stats        strategy.Stats       `json:"stats"`
	NetPnL       decimal.Decimal      `json:"net_pnl"`
	WinRate      decimal.Decimal      `json:"win_rate"`
	RecentEvents []models.Event       `json:"recent_events"`
}

// Status последний опубликованный снимок, безопасен для вызова из любой горутины
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// publish собирает снимок из состояния горутины Run
func (e *Engine) publish() {
	atr := e.estimator.Current()
	stats := e.machine.Stats()
	st := &Status{
		Symbol:       e.symbol,
		Interval:     e.interval,
		Running:      e.running,
		UpdatedAt:    e.now(),
		ATR:          atr.Value,
		ATRReady:     atr.Ready,
		ATRBars:      e.estimator.Observed(),
		Paused:       e.machine.Paused(),
		Halted:       e.machine.Halted(),
		EntryPending: e.machine.EntryPending(),
		Counters:     e.machine.Counters(),
		NextRollover: e.machine.NextRollover(),
		Limits: Limits{
			MaxDailyLoss:   e.limits.MaxDailyLoss,
			MaxDailyTrades: e.limits.MaxDailyTrades,
			MaxPositions:   e.limits.MaxPositions,
		},
		Positions:    e.machine.Positions(),
		Stats:        stats,
		NetPnL:       stats.NetPnL(),
		WinRate:      stats.WinRate(),
		RecentEvents: append([]models.Event(nil), e.recent...),
	}
	if e.lastBar != nil {
		bar := *e.lastBar
		st.LastBar = &bar
		st.Price = bar.Close
	}
	if e.levels != nil {
		levels := *e.levels
		st.Thresholds = &levels
	}
	e.status.Store(st)
}
