/*
Package monitoring provides Prometheus metrics for capture activity.

	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.ExchangeCaptured(capture.SourceTransport)

Expose with promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).
*/
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/snaptap/internal/capture"
)

const namespace = "snaptap"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	captured   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	bufferSize prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_captured_total",
			Help:      "Exchanges appended to the capture sink, by interception path.",
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Matching exchanges that could not be captured, by interception path.",
		}, []string{"source"}),
		bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Exchanges currently held in the capture buffer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.captured, m.errors, m.bufferSize)
	}
	return m
}

func (m *Metrics) ExchangeCaptured(src capture.Source) {
	if m == nil {
		return
	}
	m.captured.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) CaptureFailed(src capture.Source) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.bufferSize.Set(float64(n))
}
