package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/atrbot/pkg/models"
)

type memorySink struct {
	mu        sync.Mutex
	decisions []models.TickSummary
	trades    []models.TradeRecord
	block     chan struct{}
	err       error
	closed    bool
}

func (s *memorySink) WriteDecision(_ context.Context, summary models.TickSummary) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, summary)
	return s.err
}

func (s *memorySink) WriteTrade(_ context.Context, trade models.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return s.err
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.err
}

func TestAsyncFansOutInOrder(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	rec := NewAsync(16, a, b)

	for i := 0; i < 5; i++ {
		rec.RecordDecision(models.TickSummary{Symbol: "BTCUSDT", Time: time.Unix(int64(i), 0)})
	}
	rec.RecordTrade(models.TradeRecord{PositionID: "p1", PnL: decimal.NewFromInt(3)})
	require.NoError(t, rec.Close())

	for _, s := range []*memorySink{a, b} {
		require.Len(t, s.decisions, 5)
		for i, d := range s.decisions {
			assert.Equal(t, int64(i), d.Time.Unix())
		}
		require.Len(t, s.trades, 1)
		assert.Equal(t, "p1", s.trades[0].PositionID)
		assert.True(t, s.closed)
	}
	assert.Zero(t, rec.Dropped())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	rec := NewAsync(1, sink)

	// первая запись висит в приемнике, вторая в буфере, остальные отбрасываются
	for i := 0; i < 10; i++ {
		rec.RecordDecision(models.TickSummary{})
	}
	assert.Eventually(t, func() bool { return rec.Dropped() >= 8 }, time.Second, 5*time.Millisecond)

	close(sink.block)
	require.NoError(t, rec.Close())
	assert.LessOrEqual(t, len(sink.decisions), 2)

	rec.RecordTrade(models.TradeRecord{})
	assert.GreaterOrEqual(t, rec.Dropped(), int64(9), "после закрытия записи отбрасываются")
}

func TestAsyncSinkErrorsDoNotStop(t *testing.T) {
	sink := &memorySink{err: errors.New("диск заполнен")}
	rec := NewAsync(4, sink)
	rec.RecordDecision(models.TickSummary{})
	rec.RecordDecision(models.TickSummary{})

	err := rec.Close()
	require.Error(t, err, "ошибка закрытия приемника возвращается")
	assert.Len(t, sink.decisions, 2)
	assert.Equal(t, int64(2), rec.Failed())
	assert.NoError(t, rec.Close(), "повторное закрытие безопасно")
}
