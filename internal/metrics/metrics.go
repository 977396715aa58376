// Package metrics declares the controller's Prometheus instrumentation, grounded on the
// teacher's internal/v1/metrics/metrics.go: namespace_subsystem_name naming, gauges for
// current-state counts, counters for cumulative events, histograms for latency distributions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// ActiveRunners tracks the current number of runners with a live websocket connection.
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "runner", Name: "connections_active",
		Help: "Current number of active runner connections",
	})

	// ActiveRooms tracks the current number of signaling rooms with at least one participant.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "room", Name: "rooms_active",
		Help: "Current number of active rooms (including breakouts)",
	})

	// RoomParticipants tracks the participant count of each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "room", Name: "participants_count",
		Help: "Number of participants in each room",
	}, []string{"room_id"})

	// ModuleDispatchTotal counts every Event dispatched to a module, by namespace and outcome.
	ModuleDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "module", Name: "dispatch_total",
		Help: "Total events dispatched to a signaling module",
	}, []string{"namespace", "status"})

	// ModuleDispatchDuration tracks the time spent inside a single module's OnEvent call.
	ModuleDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling", Subsystem: "module", Name: "dispatch_seconds",
		Help:    "Time spent dispatching one event to one module",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"namespace"})

	// ExchangePublishTotal counts every message published to the cross-room exchange.
	ExchangePublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "exchange", Name: "publish_total",
		Help: "Total messages published to the exchange",
	}, []string{"status"})

	// CircuitBreakerState mirrors the gobreaker state guarding the SFU control plane: 0
	// closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "circuit_breaker", Name: "state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"service"})

	// TicketsIssuedTotal counts join tickets issued, by kind (member/guest).
	TicketsIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "ticket", Name: "issued_total",
		Help: "Total join tickets issued",
	}, []string{"kind"})

	// RateLimitExceededTotal counts requests rejected by a rate limiter.
	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "rate_limit", Name: "exceeded_total",
		Help: "Total requests rejected by a rate limiter",
	}, []string{"endpoint", "reason"})
)

// SFUBreakerObserver adapts a gobreaker.CircuitBreaker's OnStateChange callback into the
// CircuitBreakerState gauge, for use as a pkg/sfu.StateObserver.
func SFUBreakerObserver(from, to gobreaker.State) {
	CircuitBreakerState.WithLabelValues("sfu").Set(breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}
