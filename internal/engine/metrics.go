package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pivotcache.engine")

var (
	lookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pivotcache_cell_lookup_total",
		Help: "Cell lookups by result (hit, covered, miss)",
	}, []string{"result"})

	retrieveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pivotcache_backend_retrieve_duration_seconds",
		Help:    "Backend retrieval latency by plan kind",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"plan"})

	backendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pivotcache_backend_errors_total",
		Help: "Failed backend calls",
	})

	invalidationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pivotcache_invalidation_total",
		Help: "Cache invalidations by kind",
	}, []string{"kind"})
)

func recordLookup(result string) { lookupTotal.WithLabelValues(result).Inc() }

func recordInvalidation(kind string) { invalidationTotal.WithLabelValues(kind).Inc() }

// observeBackend starts timing a retrieval; call the result when it ends.
func observeBackend(kind PlanKind) func() {
	start := time.Now()
	return func() {
		retrieveDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func startRetrieveSpan(ctx context.Context, line *DataLine, plan Plan) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine.retrieve", trace.WithAttributes(
		attribute.String("space", line.space.key),
		attribute.String("measure", line.measure.Name),
		attribute.Int("mode", line.mode),
		attribute.String("plan", plan.Kind.String()),
	))
}

func recordBackendError(span trace.Span, err error) {
	backendErrors.Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
