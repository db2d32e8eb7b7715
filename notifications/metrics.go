package notifications

import (
	"expvar"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianhq/image-registry/metrics"
)

const (
	subsystem         = "notifications"
	eventsCounterName = "events_total"
	pendingGaugeName  = "pending"
	statusCounterName = "status_total"
	httpLatencyName   = "http_latency_seconds"
	totalLatencyName  = "delivery_latency_seconds"
)

var (
	eventsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      eventsCounterName,
			Help:      "The number of total events, by endpoint and outcome.",
		},
		[]string{"type", "endpoint"},
	)

	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pendingGaugeName,
			Help:      "The number of pending events, by endpoint.",
		},
		[]string{"endpoint"},
	)

	statusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      statusCounterName,
			Help:      "The number of http responses received from the endpoint, by status code.",
		},
		[]string{"code", "endpoint"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      httpLatencyName,
			Help:      "The time taken by a single http delivery attempt, by endpoint.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	totalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      totalLatencyName,
			Help:      "The time between an event entering the queue and its delivery, by endpoint.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		},
		[]string{"endpoint"},
	)
)

func registerMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(eventsCounter, pendingGauge, statusCounter, httpLatency, totalLatency)
}

var registerOnce sync.Once

// EndpointMetrics track various actions taken by the endpoint, typically by
// number of events. The goal of this to export it via expvar but we may find
// some other future solution to be better.
type EndpointMetrics struct {
	Endpoint  string
	Pending   int64
	Events    int64
	Successes int64
	Failures  int64
	Errors    int64
	Retries   int64
	Delivered int64
	Dropped   int64
	Lost      int64
	Statuses  map[string]int64
}

// safeMetrics guards the metrics implementation with atomics, allowing safe
// concurrent updates from the sink goroutines.
type safeMetrics struct {
	endpoint string

	pending   atomic.Int64
	events    atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	errors    atomic.Int64
	retries   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	lost      atomic.Int64

	statuses sync.Map // status line -> *atomic.Int64
}

// newSafeMetrics returns safeMetrics with prometheus collectors registered.
func newSafeMetrics(endpoint string) *safeMetrics {
	registerOnce.Do(func() {
		registerMetrics(prometheus.DefaultRegisterer)
	})

	return &safeMetrics{endpoint: endpoint}
}

// httpStatusListener returns the listener for the http sink that updates the
// relevant counters.
func (sm *safeMetrics) httpStatusListener() httpStatusListener {
	return &endpointMetricsHTTPStatusListener{safeMetrics: sm}
}

// eventQueueListener returns a listener that maintains queue related counters.
func (sm *safeMetrics) eventQueueListener() eventQueueListener {
	return &endpointMetricsEventQueueListener{safeMetrics: sm}
}

// deliveryListener returns a listener that tracks terminal delivery outcomes.
func (sm *safeMetrics) deliveryListener() deliveryListener {
	return &endpointMetricsDeliveryListener{safeMetrics: sm}
}

// endpointMetricsHTTPStatusListener increments counters related to http sinks
// for the relevant events.
type endpointMetricsHTTPStatusListener struct {
	*safeMetrics
}

var _ httpStatusListener = &endpointMetricsHTTPStatusListener{}

func (emsl *endpointMetricsHTTPStatusListener) success(status int, _ *Event) {
	emsl.statusCount(status)
	emsl.successes.Add(1)
	eventsCounter.WithLabelValues("Successes", emsl.endpoint).Inc()
}

func (emsl *endpointMetricsHTTPStatusListener) failure(status int, _ *Event) {
	emsl.statusCount(status)
	emsl.failures.Add(1)
	eventsCounter.WithLabelValues("Failures", emsl.endpoint).Inc()
}

func (emsl *endpointMetricsHTTPStatusListener) err(_ *Event) {
	emsl.errors.Add(1)
	eventsCounter.WithLabelValues("Errors", emsl.endpoint).Inc()
}

func (emsl *endpointMetricsHTTPStatusListener) latency(d time.Duration) {
	httpLatency.WithLabelValues(emsl.endpoint).Observe(d.Seconds())
}

func (emsl *endpointMetricsHTTPStatusListener) statusCount(status int) {
	statusLine := fmt.Sprintf("%d %s", status, http.StatusText(status))
	v, _ := emsl.statuses.LoadOrStore(statusLine, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	statusCounter.WithLabelValues(fmt.Sprint(status), emsl.endpoint).Inc()
}

// endpointMetricsEventQueueListener maintains the queue size gauge and the
// end to end delivery latency histogram.
type endpointMetricsEventQueueListener struct {
	*safeMetrics
}

func (eqc *endpointMetricsEventQueueListener) ingress(_ *Event) {
	eqc.events.Add(1)
	eqc.pending.Add(1)
	eventsCounter.WithLabelValues("Events", eqc.endpoint).Inc()
	pendingGauge.WithLabelValues(eqc.endpoint).Inc()
}

func (eqc *endpointMetricsEventQueueListener) egress(event *Event) {
	eqc.pending.Add(-1)
	pendingGauge.WithLabelValues(eqc.endpoint).Dec()
	totalLatency.WithLabelValues(eqc.endpoint).Observe(time.Since(event.Timestamp).Seconds())
}

func (eqc *endpointMetricsEventQueueListener) drop(_ *Event) {
	eqc.dropped.Add(1)
	eqc.pending.Add(-1)
	eventsCounter.WithLabelValues("Dropped", eqc.endpoint).Inc()
	pendingGauge.WithLabelValues(eqc.endpoint).Dec()
}

// endpointMetricsDeliveryListener records whether an event ultimately made it
// to the endpoint and how many retries it took.
type endpointMetricsDeliveryListener struct {
	*safeMetrics
}

func (dml *endpointMetricsDeliveryListener) eventDelivered(retriesCount int64) {
	dml.delivered.Add(1)
	dml.retries.Add(retriesCount)
	eventsCounter.WithLabelValues("Delivered", dml.endpoint).Inc()
}

func (dml *endpointMetricsDeliveryListener) eventLost(retriesCount int64) {
	dml.lost.Add(1)
	dml.retries.Add(retriesCount)
	eventsCounter.WithLabelValues("Lost", dml.endpoint).Inc()
}

// endpoints is global registry of endpoints used to report metrics to expvar
var endpoints struct {
	registered []*Endpoint
	mu         sync.Mutex
}

// register places the endpoint into expvar so that stats are tracked.
func register(e *Endpoint) {
	endpoints.mu.Lock()
	defer endpoints.mu.Unlock()

	endpoints.registered = append(endpoints.registered, e)
}

func init() {
	registry := expvar.Get("registry")
	if registry == nil {
		registry = expvar.NewMap("registry")
	}

	var notifications expvar.Map
	notifications.Init()
	notifications.Set("endpoints", expvar.Func(func() any {
		endpoints.mu.Lock()
		defer endpoints.mu.Unlock()

		var names []any
		for _, v := range endpoints.registered {
			var epjson struct {
				Name string `json:"name"`
				URL  string `json:"url"`
				EndpointConfig

				Metrics EndpointMetrics
			}

			epjson.Name = v.Name()
			epjson.URL = v.URL()
			epjson.EndpointConfig = v.EndpointConfig

			v.ReadMetrics(&epjson.Metrics)

			names = append(names, epjson)
		}

		return names
	}))

	registry.(*expvar.Map).Set("notifications", &notifications)
}
