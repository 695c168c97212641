package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sleuth.dispatch")

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "dispatch_total",
		Help:      "Resolution dispatches by unit and outcome.",
	}, []string{"unit", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sleuth",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent invoking a unit and merging its result.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"unit"})

	dispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sleuth",
		Name:      "dispatch_in_flight",
		Help:      "Dispatches currently running.",
	})

	mergedEntities = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sleuth",
		Name:      "graph_entities_created_total",
		Help:      "Entities added to the project graph by merged results.",
	})
)
