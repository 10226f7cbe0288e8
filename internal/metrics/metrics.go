// Package metrics exposes the connector's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Prediction metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_signals_total",
			Help: "Total number of signals produced",
		},
		[]string{"symbol", "signal"},
	)

	signalConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connector_signal_confidence",
			Help: "Confidence of the latest signal",
		},
		[]string{"symbol"},
	)

	// Trading metrics
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_trades_total",
			Help: "Total number of positions opened",
		},
		[]string{"symbol", "side"},
	)

	tradeVolume = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_trade_volume_lots",
			Help:    "Distribution of opened position sizes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"symbol"},
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_positions_closed_total",
			Help: "Total number of reconciled positions by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	realizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connector_realized_profit",
			Help: "Cumulative realised profit in account currency",
		},
		[]string{"symbol"},
	)

	// Loop metrics
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connector_tick_duration_seconds",
			Help:    "Duration of one trading loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connector_loaded_models",
			Help: "Number of models currently loaded",
		},
	)

	bridgeCircuit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connector_bridge_circuit_state",
			Help: "Bridge circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(signalConfidence)
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(tradeVolume)
	prometheus.MustRegister(closesTotal)
	prometheus.MustRegister(realizedProfit)
	prometheus.MustRegister(tickDuration)
	prometheus.MustRegister(loadedModels)
	prometheus.MustRegister(bridgeCircuit)
	prometheus.MustRegister(errorsTotal)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSignal records a produced signal.
func RecordSignal(symbol, signal string, confidence float64) {
	signalsTotal.WithLabelValues(symbol, signal).Inc()
	signalConfidence.WithLabelValues(symbol).Set(confidence)
}

// RecordTrade records an opened position.
func RecordTrade(symbol, side string, volume float64) {
	tradesTotal.WithLabelValues(symbol, side).Inc()
	tradeVolume.WithLabelValues(symbol).Observe(volume)
}

// RecordClose records a reconciled position.
func RecordClose(symbol string, profit float64) {
	outcome := "breakeven"
	switch {
	case profit > 0:
		outcome = "win"
	case profit < 0:
		outcome = "loss"
	}
	closesTotal.WithLabelValues(symbol, outcome).Inc()
	realizedProfit.WithLabelValues(symbol).Add(profit)
}

// ObserveTick records the duration of a loop iteration.
func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// SetLoadedModels sets the loaded model gauge.
func SetLoadedModels(n int) {
	loadedModels.Set(float64(n))
}

// SetBridgeCircuit publishes the bridge breaker state.
func SetBridgeCircuit(state string) {
	switch state {
	case "OPEN":
		bridgeCircuit.Set(2)
	case "HALF_OPEN":
		bridgeCircuit.Set(1)
	default:
		bridgeCircuit.Set(0)
	}
}

// RecordError records an error metric
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
