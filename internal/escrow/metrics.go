package escrow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EscrowOpsTotal counts contract operations by outcome.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_operations_total",
			Help:      "Total escrow contract operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// EscrowOpDuration observes operation latency.
	EscrowOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow contract operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// EscrowTransferFailures counts failed custody transfers.
	EscrowTransferFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transfer_failures_total",
			Help:      "Custody transfers that failed, by operation.",
		},
		[]string{"op"},
	)

	// EscrowValueMoved sums value moved through custody.
	EscrowValueMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_value_moved_total",
			Help:      "Token units moved into or out of custody, by direction.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		EscrowOpsTotal,
		EscrowOpDuration,
		EscrowTransferFailures,
		EscrowValueMoved,
	)
}

// Value directions.
const (
	directionLocked      = "locked"
	directionToPayee     = "to_beneficiary"
	directionToDepositor = "to_depositor"
)

// observeOp starts timing op and returns a function recording its outcome.
func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		EscrowOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		EscrowOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return "error"
}
