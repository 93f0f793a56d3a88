package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики canceller.
var (
	CancellerTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conveyor_canceller_tracked_build_requests",
		Help: "Build requests currently tracked by the obsolete build canceller",
	}, []string{"canceller"})

	CancellerCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_canceller_cancelled_total",
		Help: "Build requests cancelled because a newer commit arrived",
	}, []string{"canceller"})

	CancellerIndexErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_canceller_index_errors_total",
		Help: "Branch activity index invariant violations",
	}, []string{"canceller"})
)

// Метрики timed schedulers.
var (
	SchedulerBuildsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_scheduler_builds_started_total",
		Help: "Buildsets started by timed schedulers",
	}, []string{"scheduler"})

	SchedulerStartErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_scheduler_build_start_errors_total",
		Help: "Failed build start attempts of timed schedulers",
	}, []string{"scheduler"})
)

// TriggerResults — итоги trigger step по результату.
var TriggerResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_trigger_results_total",
	Help: "Trigger step executions by aggregated result",
}, []string{"result"})

// BuildsetsCreated — созданные buildsets по scheduler.
var BuildsetsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_buildsets_created_total",
	Help: "Buildsets created with their build requests",
}, []string{"scheduler"})

// BuildsetsCompleted — завершённые buildsets по итогу.
var BuildsetsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_buildsets_completed_total",
	Help: "Buildsets completed after their last build request",
}, []string{"result"})

// MQConnected — 1, пока соединение с RabbitMQ открыто.
var MQConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "conveyor_mq_connected",
	Help: "Whether the RabbitMQ connection is open",
})

// MQMessages — обработанные сообщения по очереди и исходу
// (ack, requeue, reject, malformed).
var MQMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_mq_messages_total",
	Help: "Consumed RabbitMQ messages by queue and outcome",
}, []string{"queue", "outcome"})

// Метрики HTTP API master.
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_http_requests_total",
		Help: "HTTP API requests by route pattern and status code",
	}, []string{"route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_http_request_duration_seconds",
		Help:    "HTTP API request latency by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
