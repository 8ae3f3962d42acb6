package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PersistenceReasonDeadlineExceeded     = "deadline_exceeded"
	PersistenceReasonLockTimeout          = "db_lock_timeout"
	PersistenceReasonSerializationFailure = "serialization_failure"
	PersistenceReasonUniqueViolation      = "unique_violation"
	PersistenceReasonUnknown              = "unknown"
)

// ProcessorMetrics captures payment event processor health signals.
type ProcessorMetrics struct {
	processDuration *prometheus.HistogramVec
	commitRetries   prometheus.Counter
	commitFailures  *prometheus.CounterVec
	staleEvents     *prometheus.CounterVec
	deferredDepth   prometheus.Gauge
	deferredDropped prometheus.Counter
}

var (
	processorMetricsOnce sync.Once
	processorMetrics     *ProcessorMetrics
)

// Processor returns the singleton processor metrics registry.
func Processor() *ProcessorMetrics {
	return ProcessorWithConfig(Config{})
}

// ProcessorWithConfig returns the singleton processor metrics registry using config labels.
func ProcessorWithConfig(cfg Config) *ProcessorMetrics {
	processorMetricsOnce.Do(func() {
		processorMetrics = newProcessorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return processorMetrics
}

// ResetProcessorMetricsForTest resets the processor metrics singleton for tests.
func ResetProcessorMetricsForTest() {
	processorMetricsOnce = sync.Once{}
	processorMetrics = nil
}

func newProcessorMetrics(registerer prometheus.Registerer, cfg Config) *ProcessorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := serviceLabels(cfg)

	processDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "storefront_payment_event_duration_seconds",
		Help:        "Time from receipt to acknowledgement of a payment notification.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	commitRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "storefront_order_commit_retries_total",
		Help:        "Order commits retried after a concurrent writer won the version check.",
		ConstLabels: constLabels,
	})
	commitFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "storefront_order_commit_failures_total",
		Help:        "Order commits that failed by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	staleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "storefront_payment_events_stale_total",
		Help:        "Notifications older than the last applied event for their order.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	deferredDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "storefront_side_effect_queue_depth",
		Help:        "Side effects waiting in the background queue.",
		ConstLabels: constLabels,
	})
	deferredDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "storefront_side_effect_queue_dropped_total",
		Help:        "Side effects dropped because the background queue was full.",
		ConstLabels: constLabels,
	})

	pm := &ProcessorMetrics{}
	pm.processDuration, _ = registerCollector(registerer, processDuration)
	pm.commitRetries, _ = registerCollector[prometheus.Counter](registerer, commitRetries)
	pm.commitFailures, _ = registerCollector(registerer, commitFailures)
	pm.staleEvents, _ = registerCollector(registerer, staleEvents)
	pm.deferredDepth, _ = registerCollector[prometheus.Gauge](registerer, deferredDepth)
	pm.deferredDropped, _ = registerCollector[prometheus.Counter](registerer, deferredDropped)
	return pm
}

func (m *ProcessorMetrics) ObserveEvent(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.processDuration.WithLabelValues(strings.TrimSpace(provider), strings.TrimSpace(outcome)).Observe(d.Seconds())
}

func (m *ProcessorMetrics) IncCommitRetry() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *ProcessorMetrics) IncCommitFailure(err error) {
	if m == nil {
		return
	}
	m.commitFailures.WithLabelValues(ClassifyPersistenceReason(err)).Inc()
}

func (m *ProcessorMetrics) IncStaleEvent(provider string) {
	if m == nil {
		return
	}
	m.staleEvents.WithLabelValues(strings.TrimSpace(provider)).Inc()
}

func (m *ProcessorMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.deferredDepth.Set(float64(n))
}

func (m *ProcessorMetrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.deferredDropped.Inc()
}

// ClassifyPersistenceReason maps a storage error to a metric label.
func ClassifyPersistenceReason(err error) string {
	if err == nil {
		return PersistenceReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PersistenceReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return PersistenceReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return PersistenceReasonLockTimeout
		case "40001":
			return PersistenceReasonSerializationFailure
		case "23505":
			return PersistenceReasonUniqueViolation
		}
	}
	return PersistenceReasonUnknown
}
