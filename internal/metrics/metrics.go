// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	eventsAppendedCounter    *prometheus.CounterVec
	messagesProcessedCounter *prometheus.CounterVec
	handlerDurationMetric    *prometheus.HistogramVec
	retriesScheduledCounter  *prometheus.CounterVec
	deadLettersCounter       *prometheus.CounterVec
	publishFailuresCounter   *prometheus.CounterVec
	stepTransitionsCounter   *prometheus.CounterVec
	feedbackCapturedCounter  *prometheus.CounterVec
	ledgerClaimLatencyMetric prometheus.Histogram
	httpRequestsCounter      *prometheus.CounterVec
	httpDurationMetric       *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_appended_total",
				Help: "Total number of events appended to the event log by type.",
			},
			[]string{"event_type"},
		)

		messagesProcessedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_processed_total",
				Help: "Total number of consumed messages by worker type and outcome.",
			},
			[]string{"worker_type", "outcome"},
		)

		handlerDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handler_duration_seconds",
				Help:    "Duration of stage handler calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker_type"},
		)

		retriesScheduledCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retries_scheduled_total",
				Help: "Total number of scheduled retries by worker type.",
			},
			[]string{"worker_type"},
		)

		deadLettersCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_letters_total",
				Help: "Total number of dead-lettered messages by worker type.",
			},
			[]string{"worker_type"},
		)

		publishFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_failures_total",
				Help: "Total number of publishes that exhausted their retries by topic.",
			},
			[]string{"topic"},
		)

		stepTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_step_transitions_total",
				Help: "Total number of playbook step transitions by status.",
			},
			[]string{"status"},
		)

		feedbackCapturedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_captured_total",
				Help: "Total number of captured feedback records by source event type and outcome.",
			},
			[]string{"source_event_type", "outcome"},
		)

		ledgerClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_claim_latency_seconds",
				Help:    "Latency of idempotency ledger claims in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		httpRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of api requests by route pattern, method and status code.",
			},
			[]string{"route", "method", "status"},
		)

		httpDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of api requests in seconds by route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)

		prometheus.MustRegister(
			httpRequestsCounter,
			httpDurationMetric,
			eventsAppendedCounter,
			messagesProcessedCounter,
			handlerDurationMetric,
			retriesScheduledCounter,
			deadLettersCounter,
			publishFailuresCounter,
			stepTransitionsCounter,
			feedbackCapturedCounter,
			ledgerClaimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, et := range domain.EventTypes() {
			eventsAppendedCounter.WithLabelValues(string(et))
		}
		for _, wt := range domain.WorkerTypes() {
			deadLettersCounter.WithLabelValues(string(wt))
			retriesScheduledCounter.WithLabelValues(string(wt))
		}
		for _, status := range []domain.StepStatus{
			domain.StepCompleted,
			domain.StepSkipped,
		} {
			stepTransitionsCounter.WithLabelValues(string(status))
		}
	})
}

func IncEventsAppended(eventType domain.EventType) {
	Init()
	eventsAppendedCounter.WithLabelValues(string(eventType)).Inc()
}

func IncMessagesProcessed(workerType domain.WorkerType, outcome string) {
	Init()
	messagesProcessedCounter.WithLabelValues(string(workerType), outcome).Inc()
}

func ObserveHandlerDuration(workerType domain.WorkerType, d time.Duration) {
	Init()
	handlerDurationMetric.WithLabelValues(string(workerType)).Observe(d.Seconds())
}

func IncRetriesScheduled(workerType domain.WorkerType) {
	Init()
	retriesScheduledCounter.WithLabelValues(string(workerType)).Inc()
}

func IncDeadLetters(workerType domain.WorkerType) {
	Init()
	deadLettersCounter.WithLabelValues(string(workerType)).Inc()
}

func IncPublishFailures(topic string) {
	Init()
	publishFailuresCounter.WithLabelValues(topic).Inc()
}

func IncStepTransition(status domain.StepStatus) {
	Init()
	stepTransitionsCounter.WithLabelValues(string(status)).Inc()
}

func IncFeedbackCaptured(sourceEventType domain.EventType, outcome string) {
	Init()
	feedbackCapturedCounter.WithLabelValues(string(sourceEventType), outcome).Inc()
}

func ObserveLedgerClaimLatency(d time.Duration) {
	Init()
	ledgerClaimLatencyMetric.Observe(d.Seconds())
}

// ObserveHTTPRequest records one api request. route is the matched pattern,
// never the raw path.
func ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	Init()
	httpRequestsCounter.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpDurationMetric.WithLabelValues(route).Observe(d.Seconds())
}
