package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/raysh454/snaptap/internal/capture"
)

func TestMetrics_CountsBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ExchangeCaptured(capture.SourcePage)
	m.ExchangeCaptured(capture.SourcePage)
	m.ExchangeCaptured(capture.SourceCDP)
	m.CaptureFailed(capture.SourceTransport)
	m.SetBufferSize(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.captured.WithLabelValues("page")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.captured.WithLabelValues("cdp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("transport")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.bufferSize))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExchangeCaptured(capture.SourceCDP)
		m.CaptureFailed(capture.SourceCDP)
		m.SetBufferSize(1)
	})
}
