package metrics

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	trades       *prometheus.CounterVec
	tradeErrors  *prometheus.CounterVec
	tradeLatency *prometheus.HistogramVec
	price        prometheus.Gauge
	floor        prometheus.Gauge
	intercept    prometheus.Gauge
	worth        prometheus.Gauge
	supply       prometheus.Gauge
	fundingRatio prometheus.Gauge
	targets      *prometheus.GaugeVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised metrics registry for the curve
// market engine.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trades_total",
				Help: "Count of trade submissions by operation and outcome.",
			}, []string{"op", "outcome"}),
			tradeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trade_errors_total",
				Help: "Count of rejected trades by operation and reason.",
			}, []string{"op", "reason"}),
			tradeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "market_trade_duration_seconds",
				Help:    "Latency distribution of applied trades by operation.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			price: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_curve_price",
				Help: "Marginal price at the current supply, in whole stable units.",
			}),
			floor: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_curve_floor",
				Help: "Floor price of the curve, in whole stable units.",
			}),
			intercept: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_curve_intercept",
				Help: "Supply at which the sloped segment meets the floor, in whole tokens.",
			}),
			worth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_curve_worth",
				Help: "Accumulated stable backing, in whole stable units.",
			}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_token_supply",
				Help: "Circulating market token supply, in whole tokens.",
			}),
			fundingRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_funding_ratio_bps",
				Help: "Current funding ratio in basis points.",
			}),
			targets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "market_target_bps",
				Help: "Controller ratio targets in basis points by bound.",
			}, []string{"bound"}),
		}
		prometheus.MustRegister(
			marketRegistry.trades,
			marketRegistry.tradeErrors,
			marketRegistry.tradeLatency,
			marketRegistry.price,
			marketRegistry.floor,
			marketRegistry.intercept,
			marketRegistry.worth,
			marketRegistry.supply,
			marketRegistry.fundingRatio,
			marketRegistry.targets,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveTrade(op string, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.trades.WithLabelValues(op, "applied").Inc()
	m.tradeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *MarketMetrics) ObserveTradeError(op, reason string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.trades.WithLabelValues(op, "rejected").Inc()
	m.tradeErrors.WithLabelValues(op, reason).Inc()
}

// SetCurve records the post-trade curve state. Values are scaled from
// 18-decimal base units to whole units for dashboard readability.
func (m *MarketMetrics) SetCurve(price, floor, intercept, worth, supply *big.Int) {
	if m == nil {
		return
	}
	m.price.Set(wholeUnits(price))
	m.floor.Set(wholeUnits(floor))
	m.intercept.Set(wholeUnits(intercept))
	m.worth.Set(wholeUnits(worth))
	m.supply.Set(wholeUnits(supply))
}

func (m *MarketMetrics) SetFundingRatio(bps uint32) {
	if m == nil {
		return
	}
	m.fundingRatio.Set(float64(bps))
}

func (m *MarketMetrics) SetTargets(target, adjusted uint32) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues("base").Set(float64(target))
	m.targets.WithLabelValues("adjusted").Set(float64(adjusted))
}

var wholeUnitScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func wholeUnits(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	scaled, _ := new(big.Float).Quo(new(big.Float).SetInt(v), wholeUnitScale).Float64()
	return scaled
}
