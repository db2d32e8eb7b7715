package notifications

import (
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridianhq/image-registry/configuration"
)

// DefaultQueueSizeLimit defines the default limit for the queue size. Once
// reached the events will start being dropped.
const DefaultQueueSizeLimit = 3000

// DefaultQueuePurgeTimeout is the default time the queue tries to deliver
// remaining notifications before shutting down. Kept short so a supervisor
// that escalates SIGINT to SIGKILL does not cut the purge off mid-flight.
// There is no delivery guarantee for notifications, this is best effort.
const DefaultQueuePurgeTimeout = 5 * time.Second

// EndpointConfig covers the optional configuration parameters for an active
// endpoint.
type EndpointConfig struct {
	Headers           http.Header
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	Transport         *http.Transport `json:"-"`
	Ignore            configuration.Ignore
	QueuePurgeTimeout time.Duration
	QueueSizeLimit    int
}

// defaults set any zero-valued fields to a reasonable default.
func (ec *EndpointConfig) defaults() {
	if ec.Timeout <= 0 {
		ec.Timeout = time.Second
	}

	if ec.Backoff <= 0 {
		ec.Backoff = time.Second
	}

	if ec.MaxRetries == 0 {
		log.Info("defaulting maxRetries parameter to 10")
		ec.MaxRetries = 10
	}

	if ec.QueuePurgeTimeout <= 0 {
		ec.QueuePurgeTimeout = DefaultQueuePurgeTimeout
	}

	if ec.QueueSizeLimit <= 0 {
		ec.QueueSizeLimit = DefaultQueueSizeLimit
	}

	if ec.Transport == nil {
		ec.Transport = http.DefaultTransport.(*http.Transport)
	}
}

// Endpoint is a reliable, queued, thread-safe sink that notify external http
// services when events are written. Writes are non-blocking and always
// succeed for callers but events may be queued internally.
type Endpoint struct {
	Sink
	url  string
	name string

	EndpointConfig

	metrics *safeMetrics
}

// NewEndpoint returns a running endpoint, ready to receive events.
func NewEndpoint(name, url string, config EndpointConfig) *Endpoint {
	var endpoint Endpoint
	endpoint.name = name
	endpoint.url = url
	endpoint.EndpointConfig = config
	endpoint.defaults()
	endpoint.metrics = newSafeMetrics(name)

	// Configures the inmemory queue, retry, http pipeline.
	endpoint.Sink = newHTTPSink(
		endpoint.url, endpoint.Timeout, endpoint.Headers, endpoint.Transport, endpoint.metrics.httpStatusListener(),
	)

	endpoint.Sink = newBackoffSink(
		endpoint.Sink, endpoint.Backoff, endpoint.MaxRetries, endpoint.metrics.deliveryListener(),
	)

	endpoint.Sink = newEventQueue(
		endpoint.Sink,
		endpoint.QueuePurgeTimeout,
		endpoint.QueueSizeLimit,
		endpoint.metrics.eventQueueListener(),
	)
	endpoint.Sink = newIgnoredSink(endpoint.Sink, config.Ignore.MediaTypes, config.Ignore.Actions)

	register(&endpoint)
	return &endpoint
}

// Name returns the name of the endpoint, generally used for debugging.
func (e *Endpoint) Name() string {
	return e.name
}

// URL returns the url of the endpoint.
func (e *Endpoint) URL() string {
	return e.url
}

// ReadMetrics populates em with metrics from the endpoint.
func (e *Endpoint) ReadMetrics(em *EndpointMetrics) {
	em.Endpoint = e.metrics.endpoint
	em.Pending = e.metrics.pending.Load()
	em.Events = e.metrics.events.Load()
	em.Successes = e.metrics.successes.Load()
	em.Failures = e.metrics.failures.Load()
	em.Errors = e.metrics.errors.Load()
	em.Retries = e.metrics.retries.Load()
	em.Delivered = e.metrics.delivered.Load()
	em.Dropped = e.metrics.dropped.Load()
	em.Lost = e.metrics.lost.Load()

	// Map still need to copied in a threadsafe manner.
	em.Statuses = make(map[string]int64)
	e.metrics.statuses.Range(func(k, v any) bool {
		em.Statuses[k.(string)] = v.(*atomic.Int64).Load()

		return true
	})
}
