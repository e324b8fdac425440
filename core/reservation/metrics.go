package reservation

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_outcomes_total",
			Help: "Number of reservation operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	swept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reservation_swept_total",
			Help: "Number of reservations expired by the background sweeper",
		},
	)
)

func observe(op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case IsValidation(err):
		outcome = "invalid"
	case IsStateConflict(err):
		outcome = "conflict"
	case errors.Is(err, ErrInsufficientStock):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	outcomes.WithLabelValues(op, outcome).Inc()
}

func init() {
	prometheus.MustRegister(outcomes)
	prometheus.MustRegister(swept)
}
