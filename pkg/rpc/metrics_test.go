package rpc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerMetricsObserve(t *testing.T) {

	m := newServerMetrics()
	req := NewRequest("add")

	m.observe("add", replyReturn(req, 3))
	m.observe("add", replyReturn(req, 4))
	m.observe("add", replyException(req, assert.AnError))
	m.observe("add", replyIllegalParamLength(req))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("add", outcomeReturn)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("add", outcomeException)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("add", outcomeIllegalParamLength)))
}

func TestServerMetricsRegister(t *testing.T) {

	reg := prometheus.NewRegistry()
	m := newServerMetrics()
	require.NoError(t, m.register(reg))

	m.connections.Inc()
	m.unrouted.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unrouted))

	// a second set with the same names collides
	assert.Error(t, newServerMetrics().register(reg))
}
