package transport

import (
	"github.com/perch-labs/perch/metrics"
)

var (
	handshakesTotal = metrics.NewCounter(metrics.CounterOpts{
		Name: "perch_transport_handshakes_total",
		Help: "Total number of transport handshakes attempted",
	})
	pendingHandshakesGauge = metrics.NewGauge(metrics.GaugeOpts{
		Name: "perch_transport_pending_handshakes",
		Help: "Number of transport handshakes currently in flight",
	})
)
