package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skalibog/atrbot/pkg/models"
)

// Metrics метрики цикла управления. Нулевой указатель допустим и ничего не пишет.
type Metrics struct {
	ticks         *prometheus.CounterVec
	events        *prometheus.CounterVec
	orderLatency  *prometheus.HistogramVec
	openPositions prometheus.Gauge
	realizedPnL   prometheus.Gauge
	tradeCount    prometheus.Gauge
	atr           prometheus.Gauge
	halted        prometheus.Gauge
	paused        prometheus.Gauge
}

// New регистрирует метрики в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atrbot_ticks_total", Help: "Processed ticks by trigger",
		}, []string{"trigger"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atrbot_events_total", Help: "Decision events by kind and reason",
		}, []string{"kind", "reason"}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atrbot_order_seconds",
			Help:    "Gateway order round trip by action and outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action", "outcome"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_open_positions", Help: "Open positions"}),
		realizedPnL:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_realized_pnl_today", Help: "Realized P&L of the trading day"}),
		tradeCount:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_trades_today", Help: "Confirmed entries of the trading day"}),
		atr:           prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_atr", Help: "Current ATR, 0 until warmed up"}),
		halted:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_halted", Help: "1 when the daily loss cap halted entries"}),
		paused:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "atrbot_paused", Help: "1 when entries are paused manually"}),
	}
	reg.MustRegister(
		m.ticks, m.events, m.orderLatency,
		m.openPositions, m.realizedPnL, m.tradeCount, m.atr, m.halted, m.paused,
	)
	return m
}

// RecorderStats счетчики асинхронной записи
type RecorderStats interface {
	Dropped() int64
	Failed() int64
}

// RegisterRecorder экспортирует потери записи решений и сделок
func RegisterRecorder(reg prometheus.Registerer, r RecorderStats) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atrbot_recorder_dropped_total", Help: "Records dropped on a full or closed queue",
		}, func() float64 { return float64(r.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atrbot_recorder_failed_total", Help: "Sink writes that returned an error",
		}, func() float64 { return float64(r.Failed()) }),
	)
}

// ObserveTick обновляет метрики по итогу тика
func (m *Metrics) ObserveTick(s models.TickSummary) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(s.Trigger)).Inc()
	for _, ev := range s.Events {
		m.events.WithLabelValues(string(ev.Kind), reasonLabel(ev)).Inc()
	}
	m.openPositions.Set(float64(s.Counters.OpenPositions))
	m.realizedPnL.Set(s.Counters.RealizedPnL.InexactFloat64())
	m.tradeCount.Set(float64(s.Counters.TradeCount))
	m.atr.Set(s.ATR.InexactFloat64())
	m.halted.Set(boolGauge(s.Halted))
	m.paused.Set(boolGauge(s.Paused))
}

// ObserveOrder учитывает время ответа шлюза
func (m *Metrics) ObserveOrder(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.orderLatency.WithLabelValues(action, outcome).Observe(d.Seconds())
}

// reasonLabel ограничивает кардинальность: текст ошибок шлюза не попадает в метку
func reasonLabel(ev models.Event) string {
	switch ev.Kind {
	case models.EventRejected, models.EventTimeout:
		return ev.Action
	}
	return ev.Reason
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
