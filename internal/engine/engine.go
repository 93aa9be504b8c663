package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/atrbot/internal/analysis/threshold"
	"github.com/skalibog/atrbot/internal/analysis/volatility"
	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/internal/exchange"
	"github.com/skalibog/atrbot/internal/metrics"
	"github.com/skalibog/atrbot/internal/risk"
	"github.com/skalibog/atrbot/internal/storage"
	"github.com/skalibog/atrbot/internal/strategy"
	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

var (
	// ErrStopped ядро останавливается и команды больше не принимаются
	ErrStopped = errors.New("ядро остановлено")
	// ErrQueueFull очередь команд переполнена
	ErrQueueFull = errors.New("очередь команд переполнена")
	// ErrUnknownCommand неизвестный тип команды
	ErrUnknownCommand = errors.New("неизвестная команда")
)

const (
	recentEventsLimit = 50
	// maxBackfill предел догрузки пропущенных баров за один тик
	maxBackfill = 1000
)

// Deps внешние зависимости цикла управления
type Deps struct {
	Gateway  exchange.Gateway
	Recorder storage.Recorder
	// Snapshots nil отключает сохранение дневных счетчиков
	Snapshots *risk.SnapshotStore
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Engine цикл управления. Бары и команды обрабатываются одной горутиной,
// поэтому машина состояний и журнал риска никогда не вызываются параллельно.
type Engine struct {
	symbol       string
	interval     string
	barLen       time.Duration
	pollInterval time.Duration
	orderTimeout time.Duration
	closeOnStop  bool
	limits       risk.Limits

	gateway   exchange.Gateway
	recorder  storage.Recorder
	snapshots *risk.SnapshotStore
	metrics   *metrics.Metrics
	now       func() time.Time

	estimator  *volatility.Estimator
	thresholds *threshold.Engine
	machine    *strategy.Machine

	// состояние ниже принадлежит горутине Run
	lastBar *models.Candle
	levels  *models.ThresholdSet
	recent  []models.Event
	running bool

	mu       sync.RWMutex
	stopped  bool
	commands chan models.Command
	done     chan struct{}

	status atomic.Pointer[Status]
}

// New собирает цикл управления из конфигурации
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("не задан шлюз биржи")
	}
	if deps.Recorder == nil {
		deps.Recorder = storage.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := cfg.Strategy
	up, err := threshold.NewRule(string(s.UpThresholdType), s.UpThreshold, s.UpATRMultiplier)
	if err != nil {
		return nil, fmt.Errorf("верхний порог: %w", err)
	}
	down, err := threshold.NewRule(string(s.DownThresholdType), s.DownThreshold, s.DownATRMultiplier)
	if err != nil {
		return nil, fmt.Errorf("нижний порог: %w", err)
	}
	stop, err := threshold.NewRule(string(s.StopLossType), s.StopLossRatio, s.StopLossATRMult)
	if err != nil {
		return nil, fmt.Errorf("стоп-лосс: %w", err)
	}
	estimator, err := volatility.NewEstimator(s.ATRPeriod)
	if err != nil {
		return nil, err
	}
	clock, err := risk.NewDayClock(cfg.Risk.Timezone)
	if err != nil {
		return nil, err
	}

	limits := risk.Limits{
		MaxDailyLoss:   decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		MaxDailyTrades: cfg.Risk.MaxDailyTrades,
		MaxPositions:   cfg.Risk.MaxPositions,
	}
	thresholds := threshold.NewEngine(up, down, stop, s.TakeProfitEnabled())
	machine := strategy.NewMachine(strategy.Config{
		Symbol:            s.Symbol,
		Investment:        decimal.NewFromFloat(s.Investment),
		PositionRatio:     decimal.NewFromFloat(s.PositionRatio),
		Leverage:          s.Leverage,
		FeeRate:           decimal.NewFromFloat(s.Fee()),
		AllowHedge:        s.HedgeAllowed(),
		ManualHaltRelease: cfg.Risk.HaltRelease == config.HaltReleaseManual,
	}, thresholds, risk.NewLedger(limits, clock, deps.Now()))

	barLen, _ := config.IntervalDuration(s.ATRTimeframe)
	e := &Engine{
		symbol:       s.Symbol,
		interval:     s.ATRTimeframe,
		barLen:       barLen,
		pollInterval: cfg.Engine.PollInterval,
		orderTimeout: cfg.Engine.OrderTimeout,
		closeOnStop:  cfg.Engine.CloseOnStop,
		limits:       limits,
		gateway:      deps.Gateway,
		recorder:     deps.Recorder,
		snapshots:    deps.Snapshots,
		metrics:      deps.Metrics,
		now:          deps.Now,
		estimator:    estimator,
		thresholds:   thresholds,
		machine:      machine,
		commands:     make(chan models.Command, cfg.Engine.QueueSize),
		done:         make(chan struct{}),
	}
	e.publish()
	return e, nil
}

// Submit ставит команду в очередь, не дожидаясь ее применения
func (e *Engine) Submit(cmd models.Command) error {
	if !cmd.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = e.now()
	}
	if cmd.Source == "" {
		cmd.Source = models.SourceManual
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	select {
	case e.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Done закрывается после завершения Run
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run обрабатывает бары и команды до отмены ctx
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.restoreDay()
	if err := e.warmup(ctx); err != nil {
		logger.Warn("Не удалось загрузить историю для ATR", zap.Error(err))
	}
	if err := e.reconcile(ctx); err != nil {
		logger.Error("Не удалось сверить позиции с биржей", zap.Error(err))
	}
	e.running = true
	e.publish()

	logger.Info("Цикл управления запущен",
		zap.String("symbol", e.symbol),
		zap.String("interval", e.interval),
		zap.Duration("poll_interval", e.pollInterval))

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return nil
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// restoreDay подхватывает счетчики текущего дня после перезапуска
func (e *Engine) restoreDay() {
	if e.snapshots == nil {
		return
	}
	snap, err := e.snapshots.Load()
	if err != nil {
		if !risk.IsMissing(err) {
			logger.Warn("Не удалось прочитать снимок дня", zap.Error(err))
		}
		return
	}
	if e.machine.RestoreDay(snap, e.now()) {
		c := e.machine.Counters()
		logger.Info("Счетчики дня восстановлены",
			zap.String("realized_pnl", c.RealizedPnL.String()),
			zap.Int("trade_count", c.TradeCount),
			zap.Bool("halted", e.machine.Halted()))
	}
}

// warmup прогревает ATR закрытыми барами, чтобы решения начались сразу
func (e *Engine) warmup(ctx context.Context) error {
	bars, err := e.gateway.FetchBars(ctx, e.symbol, e.interval, e.estimator.Period()+1)
	if err != nil {
		return err
	}
	var atr volatility.ATR
	var prev *models.Candle
	for i := range bars {
		bar := bars[i]
		if atr, err = e.estimator.Observe(bar); err != nil {
			return err
		}
		if prev != nil {
			e.levels = e.computeLevels(prev.Close, atr)
		}
		prev = &bar
	}
	e.lastBar = prev
	logger.Info("История для ATR загружена", zap.Int("bars", len(bars)), zap.Stringer("atr", atr))
	return nil
}

// reconcile берет под контроль позиции, уже открытые на счете
func (e *Engine) reconcile(ctx context.Context) error {
	reader, ok := e.gateway.(exchange.PositionReader)
	if !ok {
		return nil
	}
	held, err := reader.OpenPositions(ctx, e.symbol)
	if err != nil {
		return err
	}
	atr := e.estimator.Current()
	for _, p := range held {
		if _, err := e.machine.Adopt(p, atr); err != nil {
			logger.Error("Позиция на бирже осталась без контроля",
				zap.String("side", string(p.Side)),
				zap.String("size", p.Size.String()),
				zap.String("entry", p.EntryPrice.String()),
				zap.Error(err))
		}
	}
	return nil
}

// backfill пропускает через оценщик бары, пропущенные во время сбоя данных.
// Выходы и входы по ним не оцениваются, решение принимается по последнему бару.
func (e *Engine) backfill(ctx context.Context, latest models.Candle) {
	if e.barLen <= 0 {
		return
	}
	missing := int(latest.OpenTime.Sub(e.lastBar.OpenTime)/e.barLen) - 1
	if missing <= 0 {
		return
	}
	if missing > maxBackfill {
		logger.Warn("Разрыв данных больше окна догрузки, ATR продолжит расчет через разрыв",
			zap.Int("missing", missing), zap.Time("last_bar", e.lastBar.OpenTime))
		return
	}

	bars, err := e.gateway.FetchBars(ctx, e.symbol, e.interval, missing+1)
	if err != nil {
		logger.Warn("Не удалось догрузить пропущенные бары", zap.Int("missing", missing), zap.Error(err))
		return
	}
	observed := 0
	for i := range bars {
		b := bars[i]
		if !b.OpenTime.After(e.lastBar.OpenTime) || !b.OpenTime.Before(latest.OpenTime) {
			continue
		}
		if _, err := e.estimator.Observe(b); err != nil {
			logger.Warn("Пропущенный бар отклонен оценщиком волатильности", zap.Time("open_time", b.OpenTime), zap.Error(err))
			break
		}
		e.lastBar = &b
		observed++
	}
	if observed < missing {
		logger.Warn("Догружены не все пропущенные бары", zap.Int("missing", missing), zap.Int("observed", observed))
		return
	}
	logger.Info("Пропущенные бары догружены", zap.Int("bars", observed))
}

// tick один проход по новому бару
func (e *Engine) tick(ctx context.Context) {
	now := e.now()
	events := e.machine.RollDay(now)

	bar, err := e.gateway.FetchLatestBar(ctx, e.symbol, e.interval)
	if err != nil {
		logger.Warn("Нет рыночных данных, тик пропущен", zap.Error(err))
		e.finishIfAny(models.TriggerBar, events)
		return
	}
	if e.lastBar != nil && !bar.OpenTime.After(e.lastBar.OpenTime) {
		e.finishIfAny(models.TriggerBar, events)
		return
	}

	if e.lastBar != nil {
		e.backfill(ctx, bar)
	}

	atr, err := e.estimator.Observe(bar)
	if err != nil {
		logger.Warn("Бар отклонен оценщиком волатильности", zap.Time("open_time", bar.OpenTime), zap.Error(err))
		e.finishIfAny(models.TriggerBar, events)
		return
	}

	var ref decimal.Decimal
	if e.lastBar != nil {
		ref = e.lastBar.Close
	}
	e.lastBar = &bar
	e.levels = nil
	if ref.IsPositive() {
		e.levels = e.computeLevels(ref, atr)
	}
	if e.levels == nil {
		events = append(events, models.Event{Kind: models.EventSkipped, Action: string(strategy.ActionOpen), Price: bar.Close, Reason: strategy.ReasonATRNotReady})
	}

	mk := e.market(now)
	exits, evs := e.machine.Exits(mk)
	events = append(events, evs...)
	for _, a := range exits {
		events = append(events, e.dispatch(ctx, a)...)
	}

	entry, evs := e.machine.Entry(mk)
	events = append(events, evs...)
	if entry != nil {
		events = append(events, e.dispatch(ctx, *entry)...)
	}

	logger.Debug("Тик обработан",
		zap.Time("bar", bar.OpenTime),
		zap.String("close", bar.Close.String()),
		zap.Stringer("atr", atr),
		zap.Int("events", len(events)))
	e.finish(models.TriggerBar, &bar, nil, events)
}

func (e *Engine) computeLevels(ref decimal.Decimal, atr volatility.ATR) *models.ThresholdSet {
	set, err := e.thresholds.Compute(ref, atr, e.now())
	if err != nil {
		if !errors.Is(err, threshold.ErrNotReady) {
			logger.Warn("Не удалось рассчитать пороги", zap.Error(err))
		}
		return nil
	}
	return &set
}

// market рыночный контекст по последнему наблюдаемому бару
func (e *Engine) market(now time.Time) strategy.Market {
	mk := strategy.Market{
		Time:   now,
		ATR:    e.estimator.Current(),
		Levels: e.levels,
	}
	if e.lastBar != nil {
		mk.Bar = e.lastBar.OpenTime
		mk.Price = e.lastBar.Close
	}
	return mk
}

func (e *Engine) handleCommand(ctx context.Context, cmd models.Command) {
	now := e.now()
	events := e.machine.RollDay(now)

	actions, evs := e.machine.Apply(cmd, e.market(now))
	events = append(events, evs...)
	for _, a := range actions {
		events = append(events, e.dispatch(ctx, a)...)
	}

	logger.Info("Команда применена",
		zap.String("command", string(cmd.Kind)),
		zap.String("source", string(cmd.Source)),
		zap.Int("actions", len(actions)))
	e.finish(models.TriggerCommand, nil, &cmd, events)
}

type orderReply struct {
	res models.OrderResult
	err error
}

// dispatch отправляет действие в шлюз и ждет ответа не дольше orderTimeout.
// Таймаут считается отказом.
func (e *Engine) dispatch(ctx context.Context, a strategy.Action) []models.Event {
	dctx, cancel := context.WithTimeout(ctx, e.orderTimeout)
	defer cancel()

	var pos models.Position
	if a.Kind == strategy.ActionClose {
		p, ok := e.machine.Position(a.PositionID)
		if !ok {
			return []models.Event{e.machine.Reject(a, fmt.Errorf("%w: позиция %s", strategy.ErrUnknownAction, a.PositionID), false)}
		}
		pos = p
	}

	started := time.Now()
	replies := make(chan orderReply, 1)
	go func() {
		var r orderReply
		if a.Kind == strategy.ActionOpen {
			r.res, r.err = e.gateway.SubmitOrder(dctx, a.Order(e.symbol))
		} else {
			r.res, r.err = e.gateway.ClosePosition(dctx, pos)
		}
		replies <- r
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			timedOut := errors.Is(r.err, exchange.ErrOrderTimeout) || errors.Is(r.err, context.DeadlineExceeded)
			e.metrics.ObserveOrder(string(a.Kind), outcome(timedOut), time.Since(started))
			return []models.Event{e.machine.Reject(a, r.err, timedOut)}
		}
		trade, events, err := e.machine.Confirm(a, r.res, e.now())
		if err != nil {
			e.metrics.ObserveOrder(string(a.Kind), "rejected", time.Since(started))
			return []models.Event{e.machine.Reject(a, err, false)}
		}
		e.metrics.ObserveOrder(string(a.Kind), "filled", time.Since(started))
		if trade != nil {
			e.recorder.RecordTrade(*trade)
		}
		return events

	case <-dctx.Done():
		e.metrics.ObserveOrder(string(a.Kind), "timeout", time.Since(started))
		go lateFill(a, replies)
		return []models.Event{e.machine.Reject(a, dctx.Err(), true)}
	}
}

// lateFill ответ шлюза после таймаута только логируется: состояние уже откатано
func lateFill(a strategy.Action, replies <-chan orderReply) {
	r := <-replies
	if r.err != nil {
		return
	}
	logger.Error("Исполнение пришло после таймаута и не учтено, требуется сверка с биржей",
		zap.String("action", string(a.Kind)),
		zap.String("side", string(a.Side)),
		zap.String("order_id", r.res.OrderID),
		zap.String("price", r.res.FilledPrice.String()),
		zap.String("qty", r.res.FilledQty.String()))
}

func outcome(timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	return "rejected"
}

// shutdown закрывает прием команд, отбрасывает очередь и при необходимости закрывает позиции
func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	dropped := 0
	for drained := false; !drained; {
		select {
		case cmd := <-e.commands:
			dropped++
			logger.Warn("Команда отброшена при остановке", zap.String("command", string(cmd.Kind)))
		default:
			drained = true
		}
	}

	if e.closeOnStop {
		// ctx уже отменен, заявки на закрытие получают собственный срок
		cctx := context.WithoutCancel(ctx)
		actions, events := e.machine.CloseAll(e.market(e.now()), models.ExitShutdown)
		for _, a := range actions {
			events = append(events, e.dispatch(cctx, a)...)
		}
		e.finishIfAny(models.TriggerShutdown, events)
	}

	e.running = false
	e.publish()
	logger.Info("Цикл управления остановлен",
		zap.Int("dropped_commands", dropped),
		zap.Int("open_positions", e.machine.Counters().OpenPositions))
}

func (e *Engine) finishIfAny(trigger models.Trigger, events []models.Event) {
	if len(events) > 0 {
		e.finish(trigger, nil, nil, events)
	}
}

// finish записывает итог тика, сохраняет снимок дня и публикует статус
func (e *Engine) finish(trigger models.Trigger, bar *models.Candle, cmd *models.Command, events []models.Event) {
	atr := e.estimator.Current()
	summary := models.TickSummary{
		Time:       e.now(),
		Symbol:     e.symbol,
		Trigger:    trigger,
		Command:    cmd,
		Bar:        bar,
		ATR:        atr.Value,
		ATRReady:   atr.Ready,
		Thresholds: e.levels,
		Paused:     e.machine.Paused(),
		Halted:     e.machine.Halted(),
		Counters:   e.machine.Counters(),
		Events:     events,
	}
	e.recorder.RecordDecision(summary)
	e.metrics.ObserveTick(summary)
	e.saveDay()

	e.recent = append(e.recent, events...)
	if n := len(e.recent) - recentEventsLimit; n > 0 {
		e.recent = append(e.recent[:0:0], e.recent[n:]...)
	}
	e.publish()
}

func (e *Engine) saveDay() {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Save(e.machine.DaySnapshot()); err != nil {
		logger.Error("Не удалось сохранить снимок дня", zap.Error(err))
	}
}
