package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// Collector owns the Prometheus registry for partnerd. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	pages         *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec
	continuations *prometheus.CounterVec
	itemFailures  *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector. When s is non-nil, run and message
// counts by status are read from the store at scrape time.
func NewCollector(s store.Store) *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		pages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_pages_total",
				Help: "Pages processed by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		pageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partnerbatch_page_duration_seconds",
				Help:    "Time spent processing one page",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_continuations_total",
				Help: "Follow-up pages enqueued",
			},
			[]string{"job"},
		),
		itemFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_item_failures_total",
				Help: "Items that failed inside best-effort pages",
			},
			[]string{"job"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_runs_finished_total",
				Help: "Runs that reached a terminal status",
			},
			[]string{"job", "status"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_queue_deliveries_total",
				Help: "Local queue delivery attempts by result",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnerbatch_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partnerbatch_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		c.pages,
		c.pageDuration,
		c.continuations,
		c.itemFailures,
		c.runsFinished,
		c.deliveries,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "partnerbatch_uptime_seconds",
			Help: "Time since partnerd started",
		}, func() float64 { return time.Since(c.startTime).Seconds() }),
	)
	if s != nil {
		c.registry.MustRegister(newStoreCollector(s))
	}

	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ServeHTTP serves the registry in the Prometheus exposition format
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// RecordPage records one processed page
func (c *Collector) RecordPage(job, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.pages.WithLabelValues(job, outcome).Inc()
	c.pageDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordContinuation records an enqueued follow-up page
func (c *Collector) RecordContinuation(job string) {
	if c == nil {
		return
	}
	c.continuations.WithLabelValues(job).Inc()
}

// RecordItemFailures adds best-effort item failures
func (c *Collector) RecordItemFailures(job string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.itemFailures.WithLabelValues(job).Add(float64(n))
}

// RecordRunFinished records a run reaching a terminal status
func (c *Collector) RecordRunFinished(job string, status models.RunStatus) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(job, string(status)).Inc()
}

// RecordDelivery records a local queue delivery attempt
func (c *Collector) RecordDelivery(result string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served request
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// storeCollector reports run and message counts read from the store
type storeCollector struct {
	store    store.Store
	runs     *prometheus.Desc
	messages *prometheus.Desc
}

func newStoreCollector(s store.Store) *storeCollector {
	return &storeCollector{
		store: s,
		runs: prometheus.NewDesc("partnerbatch_runs", "Runs by status",
			[]string{"status"}, nil),
		messages: prometheus.NewDesc("partnerbatch_queue_messages", "Local queue messages by status",
			[]string{"status"}, nil),
	}
}

func (sc *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.runs
	ch <- sc.messages
}

func (sc *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCanceled} {
		runs, err := sc.store.ListRuns(ctx, models.RunFilter{Status: status})
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(sc.runs, prometheus.GaugeValue, float64(len(runs)), string(status))
	}

	for _, status := range []models.MessageStatus{models.MessageStatusQueued, models.MessageStatusDelivering, models.MessageStatusRetrying, models.MessageStatusDelivered, models.MessageStatusFailed} {
		msgs, err := sc.store.ListMessages(ctx, status, 0)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(sc.messages, prometheus.GaugeValue, float64(len(msgs)), string(status))
	}
}
