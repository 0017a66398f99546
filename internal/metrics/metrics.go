package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RingSize bounds both the latency window and the recent-error buffer.
const RingSize = 100

// ErrorRecord is one entry in the recent-error ring.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Snapshot is a point-in-time copy of the collector state for the operator API.
type Snapshot struct {
	Queued          int64         `json:"queued"`
	Sent            int64         `json:"sent"`
	Failed          int64         `json:"failed"`
	Filtered        int64         `json:"filtered"`
	Retried         int64         `json:"retried"`
	DroppedCapacity int64         `json:"dropped_capacity"`
	QueueSize       int64         `json:"queue_size"`
	AvgSendLatency  time.Duration `json:"avg_send_latency_ns"`
	RecentErrors    []ErrorRecord `json:"recent_errors"`
}

// Collector accumulates delivery counters without affecting control flow.
// Counters only move forward; Reset is an explicit operator action.
// All methods are safe for concurrent use.
type Collector struct {
	queued   atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	filtered atomic.Int64
	retried  atomic.Int64
	dropped  atomic.Int64

	queueSize atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration // most recent RingSize send latencies
	errors    []ErrorRecord   // most recent RingSize errors

	prom *promSet
}

// New creates a collector. Prometheus mirroring is attached separately via
// Register so tests can run without a registry.
func New() *Collector {
	return &Collector{}
}

type promSet struct {
	queued   prometheus.Counter
	sent     prometheus.Counter
	failed   prometheus.Counter
	filtered prometheus.Counter
	retried  prometheus.Counter
	dropped  prometheus.Counter
	qsize    prometheus.Gauge
	latency  prometheus.Histogram
}

// Register creates the Prometheus collectors and registers them on reg.
// Counter movements after this call are mirrored into the registry.
func (c *Collector) Register(reg *prometheus.Registry) {
	p := &promSet{
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_queued_total",
			Help: "Total events accepted into the delivery queue.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_sent_total",
			Help: "Total events delivered to the backend.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_failed_total",
			Help: "Total events in failed delivery attempts.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_filtered_total",
			Help: "Total events rejected by validation or dropped by plugins.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_retried_total",
			Help: "Total events returned to the queue after a failed attempt.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_dropped_capacity_total",
			Help: "Total events evicted because the queue was at capacity.",
		}),
		qsize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_queue_size",
			Help: "Current number of events waiting for delivery.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_send_latency_seconds",
			Help:    "Latency of backend delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(p.queued, p.sent, p.failed, p.filtered, p.retried, p.dropped, p.qsize, p.latency)
	c.prom = p
}

// RecordQueued counts one event accepted into the queue.
func (c *Collector) RecordQueued() {
	c.queued.Add(1)
	if c.prom != nil {
		c.prom.queued.Inc()
	}
}

// RecordSent counts n delivered events and folds the attempt latency into the
// rolling window.
func (c *Collector) RecordSent(n int, latency time.Duration) {
	c.sent.Add(int64(n))
	if c.prom != nil {
		c.prom.sent.Add(float64(n))
		c.prom.latency.Observe(latency.Seconds())
	}
	c.mu.Lock()
	c.latencies = appendBounded(c.latencies, latency)
	c.mu.Unlock()
}

// RecordFailed counts n events in a failed attempt and stores the error in
// the recent-error ring.
func (c *Collector) RecordFailed(n int, err error) {
	c.failed.Add(int64(n))
	if c.prom != nil {
		c.prom.failed.Add(float64(n))
	}
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errors = appendBounded(c.errors, ErrorRecord{Time: time.Now().UTC(), Message: err.Error()})
	c.mu.Unlock()
}

// RecordFiltered counts one event rejected before enqueue.
func (c *Collector) RecordFiltered() {
	c.filtered.Add(1)
	if c.prom != nil {
		c.prom.filtered.Inc()
	}
}

// RecordRetried counts n events restored to the queue head.
func (c *Collector) RecordRetried(n int) {
	c.retried.Add(int64(n))
	if c.prom != nil {
		c.prom.retried.Add(float64(n))
	}
}

// RecordDroppedCapacity counts one event evicted under capacity pressure.
func (c *Collector) RecordDroppedCapacity() {
	c.dropped.Add(1)
	if c.prom != nil {
		c.prom.dropped.Inc()
	}
}

// SetQueueSize updates the queue-size gauge.
func (c *Collector) SetQueueSize(n int) {
	c.queueSize.Store(int64(n))
	if c.prom != nil {
		c.prom.qsize.Set(float64(n))
	}
}

// Snapshot returns a copy of all counters, the gauge, the rolling latency
// average, and the recent errors (oldest first).
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	var avg time.Duration
	if len(c.latencies) > 0 {
		var sum time.Duration
		for _, d := range c.latencies {
			sum += d
		}
		avg = sum / time.Duration(len(c.latencies))
	}
	errs := make([]ErrorRecord, len(c.errors))
	copy(errs, c.errors)
	c.mu.Unlock()

	return Snapshot{
		Queued:          c.queued.Load(),
		Sent:            c.sent.Load(),
		Failed:          c.failed.Load(),
		Filtered:        c.filtered.Load(),
		Retried:         c.retried.Load(),
		DroppedCapacity: c.dropped.Load(),
		QueueSize:       c.queueSize.Load(),
		AvgSendLatency:  avg,
		RecentErrors:    errs,
	}
}

// Reset zeroes every counter and empties both rings. The Prometheus mirror is
// monotonic by contract and is left untouched.
func (c *Collector) Reset() {
	c.queued.Store(0)
	c.sent.Store(0)
	c.failed.Store(0)
	c.filtered.Store(0)
	c.retried.Store(0)
	c.dropped.Store(0)
	c.mu.Lock()
	c.latencies = nil
	c.errors = nil
	c.mu.Unlock()
}

func appendBounded[T any](ring []T, v T) []T {
	ring = append(ring, v)
	if len(ring) > RingSize {
		ring = ring[len(ring)-RingSize:]
	}
	return ring
}
