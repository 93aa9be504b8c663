package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

// Sink место записи решений и сделок
type Sink interface {
	WriteDecision(ctx context.Context, summary models.TickSummary) error
	WriteTrade(ctx context.Context, trade models.TradeRecord) error
	Close() error
}

// TradeHistory чтение истории сделок
type TradeHistory interface {
	// RecentTrades возвращает до limit последних сделок, новые первыми
	RecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error)
}

// Recorder принимает записи без ожидания. Сбой записи не влияет на решение.
type Recorder interface {
	RecordDecision(summary models.TickSummary)
	RecordTrade(trade models.TradeRecord)
}

// Nop отбрасывает записи
type Nop struct{}

func (Nop) RecordDecision(models.TickSummary) {}
func (Nop) RecordTrade(models.TradeRecord)    {}

const writeTimeout = 5 * time.Second

type entry struct {
	summary *models.TickSummary
	trade   *models.TradeRecord
}

// Async буферизует записи и раздает их приемникам в отдельной горутине.
// При переполнении буфера запись отбрасывается.
type Async struct {
	sinks []Sink
	queue chan entry
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsync запускает асинхронную запись в sinks
func NewAsync(buffer int, sinks ...Sink) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		sinks: sinks,
		queue: make(chan entry, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) RecordDecision(summary models.TickSummary) {
	a.enqueue(entry{summary: &summary})
}

func (a *Async) RecordTrade(trade models.TradeRecord) {
	a.enqueue(entry{trade: &trade})
}

func (a *Async) enqueue(e entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1)%100 == 1 {
			logger.Warn("Буфер записи переполнен, записи отбрасываются", zap.Int64("dropped", a.dropped.Load()))
		}
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.queue {
		for _, s := range a.sinks {
			a.write(s, e)
		}
	}
}

func (a *Async) write(s Sink, e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if e.summary != nil {
		err = s.WriteDecision(ctx, *e.summary)
	} else {
		err = s.WriteTrade(ctx, *e.trade)
	}
	if err != nil {
		a.failed.Add(1)
		logger.Error("Ошибка записи", zap.Bool("trade", e.trade != nil), zap.Error(err))
	}
}

// Dropped количество отброшенных записей
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Failed количество неудачных записей в приемники
func (a *Async) Failed() int64 {
	return a.failed.Load()
}

// Close дописывает очередь и закрывает приемники
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	var err error
	for _, s := range a.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
