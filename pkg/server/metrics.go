package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/rest"
)

// Stage names observed into the stage histogram. Component stages are shared
// between the start and stop phases; the totals carry one phase each.
const (
	StageReporter        = "reporter"
	StageResponseHandler = "response_handler"
	StageStorage         = "storage"
	StageRequestHandler  = "request_handler"
	StageTransport       = "transport"
	StageRouterClose     = "router_close"
	StageTotalStartup    = "total_startup"
	StageTotalShutdown   = "total_shutdown"
)

const (
	phaseStart = "start"
	phaseStop  = "stop"
)

// Metrics is the orchestrator's instrument set. Everything lives on one
// explicit registry so multiple servers can coexist in a process without
// fighting over the default registry. Metrics doubles as the tracker sink
// for per-request measurements.
type Metrics struct {
	Registry *prometheus.Registry

	stageSeconds  *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	buildFailures prometheus.Counter

	roundTrip  *prometheus.HistogramVec
	queueTime  *prometheus.HistogramVec
	processing *prometheus.HistogramVec
	firstByte  *prometheus.HistogramVec
	bodyBytes  *prometheus.HistogramVec
	responses  *prometheus.CounterVec
}

var _ rest.TrackerSink = (*Metrics)(nil)

// NewMetrics registers the orchestrator instruments on reg. A nil reg gets
// a private registry, which keeps tests and embedded servers isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_stage_duration_seconds",
			Help:    "Time spent starting or stopping each lifecycle stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "phase"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobfront_stage_failures_total",
			Help: "Lifecycle stages that returned an error.",
		}, []string{"stage", "phase"}),
		buildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobfront_instantiation_failures_total",
			Help: "Server constructions or startups that failed.",
		}),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_request_round_trip_seconds",
			Help:    "Request lifetime from arrival to close.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		queueTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_request_queue_seconds",
			Help:    "Time a request waited for a scaling-unit worker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_request_processing_seconds",
			Help:    "Time a worker spent on the request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		firstByte: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_request_first_byte_seconds",
			Help:    "Time from arrival to the first response byte.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		bodyBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobfront_request_body_bytes",
			Help:    "Request body sizes as read by the storage service.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"op"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobfront_responses_total",
			Help: "Completed requests by operation and status code.",
		}, []string{"op", "status"}),
	}
	reg.MustRegister(
		m.stageSeconds, m.stageFailures, m.buildFailures,
		m.roundTrip, m.queueTime, m.processing, m.firstByte,
		m.bodyBytes, m.responses,
	)
	return m
}

// MarkConstructionFailure counts a failed build or startup.
func (m *Metrics) MarkConstructionFailure() {
	m.buildFailures.Inc()
}

// timeStage runs fn and observes its duration under the stage and phase
// labels. The error is recorded and passed through untouched.
func (m *Metrics) timeStage(stage, phase string, fn func() error) error {
	begin := time.Now()
	err := fn()
	m.stageSeconds.WithLabelValues(stage, phase).Observe(time.Since(begin).Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage, phase).Inc()
	}
	return err
}

func (m *Metrics) observeStage(stage, phase string, d time.Duration) {
	m.stageSeconds.WithLabelValues(stage, phase).Observe(d.Seconds())
}

// ObserveRequest folds one request's tracker snapshot into the per-operation
// histograms. Called by the request's tracker when the request closes.
func (m *Metrics) ObserveRequest(snap rest.TrackerSnapshot) {
	op := snap.Operation
	if op == "" {
		op = "unknown"
	}
	m.roundTrip.WithLabelValues(op).Observe(snap.RoundTrip.Seconds())
	m.queueTime.WithLabelValues(op).Observe(snap.QueueTime.Seconds())
	m.processing.WithLabelValues(op).Observe(snap.ProcessingTime.Seconds())
	if snap.TimeToFirstByte > 0 {
		m.firstByte.WithLabelValues(op).Observe(snap.TimeToFirstByte.Seconds())
	}
	if snap.BytesRead > 0 {
		m.bodyBytes.WithLabelValues(op).Observe(float64(snap.BytesRead))
	}
	m.responses.WithLabelValues(op, strconv.Itoa(snap.Status)).Inc()
}
