package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quizroom_connected_clients",
		Help: "Live WebSocket connections.",
	})
	ActiveBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quizroom_active_buffers",
		Help: "Broadcast buffers awaiting acknowledgment.",
	})
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizroom_broadcasts_total",
		Help: "Room-wide broadcasts started.",
	})
	AcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizroom_acks_total",
		Help: "Acknowledgments accepted.",
	})
	BuffersDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizroom_buffers_delivered_total",
		Help: "Buffers fully acknowledged before their deadline.",
	})
	BuffersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizroom_buffers_expired_total",
		Help: "Buffers that timed out with receivers missing.",
	})
)

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
