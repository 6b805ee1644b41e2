package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Record outcomes for RecordInbound.
const (
	OutcomeMerged       = "merged"
	OutcomeStale        = "stale"
	OutcomePaused       = "paused"
	OutcomeUnknownTitle = "unknown_title"
	OutcomeDecodeError  = "decode_error"
)

var (
	registerOnce sync.Once

	inboundRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emyzelium",
			Subsystem: "pubsub",
			Name:      "inbound_records_total",
			Help:      "Inbound data records by merge outcome.",
		},
		[]string{"outcome"},
	)
	emittedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emyzelium",
			Subsystem: "pubsub",
			Name:      "emitted_records_total",
			Help:      "Data records handed to the publish endpoint.",
		},
	)
	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emyzelium",
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Subscriber authorization decisions.",
		},
		[]string{"decision"},
	)
	inboundConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "emyzelium",
			Subsystem: "pubsub",
			Name:      "inbound_connections",
			Help:      "Currently accepted inbound subscriber sessions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(inboundRecords, emittedRecords, authDecisions, inboundConnections)
	})
}

func RecordInbound(outcome string) {
	RegisterMetrics()
	inboundRecords.WithLabelValues(outcome).Inc()
}

func RecordEmit() {
	RegisterMetrics()
	emittedRecords.Inc()
}

func RecordAuthDecision(accepted bool) {
	RegisterMetrics()
	decision := "reject"
	if accepted {
		decision = "accept"
	}
	authDecisions.WithLabelValues(decision).Inc()
}

func InboundConnOpened() {
	RegisterMetrics()
	inboundConnections.Inc()
}

func InboundConnClosed() {
	RegisterMetrics()
	inboundConnections.Dec()
}
