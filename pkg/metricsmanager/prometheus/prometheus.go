package metricsmanager

import (
	"errors"
	"net/http"
	"sync"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	traceLabel  = "trace"
	resultLabel = "result"
	reasonLabel = "reason"
)

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	address           string
	registry          *prometheus.Registry
	server            *http.Server
	eventCounter      *prometheus.CounterVec
	replayCounter     *prometheus.CounterVec
	checkpointCounter *prometheus.CounterVec
	failedCounter     *prometheus.CounterVec
	stepCounter       *prometheus.CounterVec
	requestCounter    *prometheus.CounterVec

	// Cache to avoid allocating Labels maps on every event
	eventCounterCache map[string]prometheus.Counter
	counterCacheMutex sync.RWMutex
}

// NewPrometheusMetric creates the engine metrics on a dedicated registry
// served on address by Start.
func NewPrometheusMetric(address string) *PrometheusMetric {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusMetric{
		address:  address,
		registry: reg,
		eventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_events_total",
			Help: "The total number of events delivered by the scheduler",
		}, []string{traceLabel}),
		replayCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_replayed_events_total",
			Help: "The total number of events replayed to reach a seek target",
		}, []string{traceLabel}),
		checkpointCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_checkpoints_total",
			Help: "The total number of state checkpoints created",
		}, []string{traceLabel}),
		failedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_trace_failures_total",
			Help: "The total number of traces disabled by a fatal state error",
		}, []string{traceLabel}),
		stepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_scheduler_steps_total",
			Help: "The total number of scheduler steps by result",
		}, []string{resultLabel}),
		requestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracestate_requests_done_total",
			Help: "The total number of event requests retired by reason",
		}, []string{reasonLabel}),

		eventCounterCache: make(map[string]prometheus.Counter),
	}
}

// Registry exposes the registry the metrics live in.
func (p *PrometheusMetric) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetric) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.server = &http.Server{Addr: p.address, Handler: mux}
	go func() {
		logger.L().Info("prometheus metrics server started", helpers.String("address", p.address), helpers.String("path", "/metrics"))
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Error("prometheus metrics server stopped", helpers.Error(err))
		}
	}()
}

func (p *PrometheusMetric) Destroy() {
	if p.server != nil {
		_ = p.server.Close()
	}
	p.registry.Unregister(p.eventCounter)
	p.registry.Unregister(p.replayCounter)
	p.registry.Unregister(p.checkpointCounter)
	p.registry.Unregister(p.failedCounter)
	p.registry.Unregister(p.stepCounter)
	p.registry.Unregister(p.requestCounter)
}

// getCachedEventCounter returns a cached counter for the given trace to avoid map allocations
func (p *PrometheusMetric) getCachedEventCounter(trace string) prometheus.Counter {
	p.counterCacheMutex.RLock()
	counter, exists := p.eventCounterCache[trace]
	p.counterCacheMutex.RUnlock()

	if exists {
		return counter
	}

	p.counterCacheMutex.Lock()
	defer p.counterCacheMutex.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := p.eventCounterCache[trace]; exists {
		return counter
	}

	counter = p.eventCounter.With(prometheus.Labels{traceLabel: trace})
	p.eventCounterCache[trace] = counter
	return counter
}

func (p *PrometheusMetric) ReportEvent(trace string) {
	p.getCachedEventCounter(trace).Inc()
}

func (p *PrometheusMetric) ReportReplay(trace string, events int) {
	p.replayCounter.With(prometheus.Labels{traceLabel: trace}).Add(float64(events))
}

func (p *PrometheusMetric) ReportCheckpoint(trace string) {
	p.checkpointCounter.With(prometheus.Labels{traceLabel: trace}).Inc()
}

func (p *PrometheusMetric) ReportTraceFailed(trace string) {
	p.failedCounter.With(prometheus.Labels{traceLabel: trace}).Inc()
}

func (p *PrometheusMetric) ReportStep(result string) {
	p.stepCounter.With(prometheus.Labels{resultLabel: result}).Inc()
}

func (p *PrometheusMetric) ReportRequestDone(reason string) {
	p.requestCounter.With(prometheus.Labels{reasonLabel: reason}).Inc()
}
