package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(orders.WithLabelValues("simulation", "SELL"))
	IncOrder("simulation", "SELL")
	assert.Equal(t, before+1, testutil.ToFloat64(orders.WithLabelValues("simulation", "SELL")))

	SetRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(running))
	SetRunning(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(running))

	SetOpenTrades(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(openTrades))
}
