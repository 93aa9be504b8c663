package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/skalibog/atrbot/pkg/models"
)

func TestObserveTick(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTick(models.TickSummary{
		Trigger: models.TriggerBar,
		ATR:     decimal.RequireFromString("2.5"),
		Halted:  true,
		Counters: models.RiskCounters{
			RealizedPnL:   decimal.NewFromInt(-40),
			TradeCount:    3,
			OpenPositions: 1,
		},
		Events: []models.Event{
			{Kind: models.EventSuppressed, Reason: "max_daily_trades"},
			{Kind: models.EventSuppressed, Reason: "max_daily_trades"},
			{Kind: models.EventRejected, Action: "open", Reason: "Margin is insufficient"},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("bar")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("suppressed", "max_daily_trades")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("rejected", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, -40.0, testutil.ToFloat64(m.realizedPnL))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tradeCount))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.atr))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.paused))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(models.TickSummary{})
		m.ObserveOrder("open", "filled", time.Second)
	})
}

func TestObserveOrder(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOrder("close", "filled", 120*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.orderLatency))
}

type recorderStats struct{ dropped, failed int64 }

func (r recorderStats) Dropped() int64 { return r.dropped }
func (r recorderStats) Failed() int64  { return r.failed }

func TestRegisterRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterRecorder(reg, recorderStats{dropped: 7, failed: 2})

	expected := `
# HELP atrbot_recorder_dropped_total Records dropped on a full or closed queue
# TYPE atrbot_recorder_dropped_total counter
atrbot_recorder_dropped_total 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "atrbot_recorder_dropped_total"))
	count, err := testutil.GatherAndCount(reg, "atrbot_recorder_failed_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
