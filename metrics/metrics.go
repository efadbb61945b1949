package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_allocations_total",
			Help: "Total game server allocation attempts",
		},
		[]string{"result"}, // allocated|waiting|failure
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "join_allocation_duration_seconds",
			Help:    "Duration of game server allocation calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_placements_total",
			Help: "Placement results returned to launching clients",
		},
		[]string{"status"}, // Joining|Waiting|Error
	)

	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_validations_total",
			Help: "Ticket validations requested by game servers",
		},
		[]string{"result", "reason"},
	)

	TicketDecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_ticket_decode_failures_total",
			Help: "Tickets that failed to decode",
		},
		[]string{"ticket", "kind"}, // join|server, malformed|tamper_detected|expired
	)

	PlayerActivityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_player_activity_total",
			Help: "Player join/leave reports applied to presence",
		},
		[]string{"source", "event"},
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(TicketDecodeFailures)
	prometheus.MustRegister(PlayerActivityTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
