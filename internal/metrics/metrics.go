package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"deposit-gateway/internal/gateway"
)

// Metrics groups the gateway's Prometheus collectors.
type Metrics struct {
	deposits      *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	legs          *prometheus.CounterVec
	depositUSD    prometheus.Counter
	windowUsedUSD prometheus.Gauge
	quoteAge      prometheus.Gauge
	quoteErrors   prometheus.Counter
	latency       *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// Default returns metrics registered with the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depositgw",
			Name:      "deposits_total",
			Help:      "Deposit calls segmented by classified type and result.",
		}, []string{"tx_type", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depositgw",
			Name:      "rejections_total",
			Help:      "Rejected deposit calls segmented by error code.",
		}, []string{"code"}),
		legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depositgw",
			Name:      "outcomes_total",
			Help:      "Committed outcomes segmented by leg type.",
		}, []string{"tx_type"}),
		depositUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositgw",
			Name:      "gas_deposit_usd_total",
			Help:      "USD value admitted through gas legs.",
		}),
		windowUsedUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depositgw",
			Subsystem: "window",
			Name:      "consumed_usd",
			Help:      "USD consumed in the current global rate window.",
		}),
		quoteAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depositgw",
			Subsystem: "oracle",
			Name:      "quote_age_seconds",
			Help:      "Age of the most recently used price quote.",
		}),
		quoteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositgw",
			Subsystem: "oracle",
			Name:      "fetch_errors_total",
			Help:      "Failed price quote fetches.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "depositgw",
			Name:      "operation_duration_seconds",
			Help:      "Latency of gateway operations including storage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.deposits,
			m.rejections,
			m.legs,
			m.depositUSD,
			m.windowUsedUSD,
			m.quoteAge,
			m.quoteErrors,
			m.latency,
		)
	}
	return m
}

// ObserveDeposit records a deposit call and its committed outcomes. txType
// is the classified type, or "unclassified" when classification failed.
func (m *Metrics) ObserveDeposit(txType string, outcomes []gateway.Outcome, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.deposits.WithLabelValues(txType, "rejected").Inc()
		code := gateway.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		m.rejections.WithLabelValues(string(code)).Inc()
		return
	}
	m.deposits.WithLabelValues(txType, "accepted").Inc()
	for _, o := range outcomes {
		m.legs.WithLabelValues(o.TxType.String()).Inc()
		if o.USDValue > 0 {
			f, _ := gateway.USDDecimal(o.USDValue).Float64()
			m.depositUSD.Add(f)
		}
	}
}

// SetWindow publishes the current window usage.
func (m *Metrics) SetWindow(w gateway.GlobalRateWindow) {
	if m == nil {
		return
	}
	f, _ := gateway.USDDecimal(w.ConsumedUSD).Float64()
	m.windowUsedUSD.Set(f)
}

// ObserveQuote records the age of a fetched quote, or a fetch failure.
func (m *Metrics) ObserveQuote(publishTime int64, now uint64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.quoteErrors.Inc()
		return
	}
	age := float64(0)
	if publishTime > 0 && now > uint64(publishTime) {
		age = float64(now - uint64(publishTime))
	}
	m.quoteAge.Set(age)
}

// ObserveLatency records how long operation took since start.
func (m *Metrics) ObserveLatency(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
