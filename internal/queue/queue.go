package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/sched"
	"github.com/tinytelemetry/courier/internal/transport"
)

// SendFunc delivers one batch to the backend. The queue treats delivery as a
// black box; retry policy lives here, transport mechanics live in the caller.
type SendFunc func(ctx context.Context, events []*model.Event) error

// BeaconFunc dispatches one batch fire-and-forget at teardown. An error means
// the dispatch could not even be constructed.
type BeaconFunc func(events []*model.Event) error

// Config tunes the queue manager.
type Config struct {
	// BatchSize is the flush threshold and the maximum batch per attempt.
	BatchSize int
	// MaxSize bounds the queue; the oldest pending event is evicted when a
	// new one arrives at capacity.
	MaxSize int
	// SpillMaxAge drops persisted events older than this on restore.
	SpillMaxAge time.Duration
	// Backoff, when non-empty, gates automatic flushes after failures.
	// FlushNow ignores the gate.
	Backoff []time.Duration
	// JitterPct randomizes backoff delays, e.g. 0.25 for +/-25%.
	JitterPct float64
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = model.DefaultBatchSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = model.DefaultMaxQueueSize
	}
	if c.SpillMaxAge == 0 {
		c.SpillMaxAge = model.DefaultRetentionAge
	}
}

// Manager is a bounded FIFO delivery queue. Batches are removed from the head
// optimistically before a send attempt and reinserted at the head when the
// attempt fails, so ordering is preserved across retries. At most one flush
// runs at a time; overlapping triggers collapse into the running one.
type Manager struct {
	cfg    Config
	send   SendFunc
	beacon BeaconFunc
	spill  *Spill
	coll   *metrics.Collector
	log    *logging.Logger

	mu            sync.Mutex
	entries       []*model.QueuedEvent
	inFlight      bool
	inFlightBatch []*model.QueuedEvent
	failures      int
	notBefore     time.Time

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a manager and restores any persisted events. spill may be
// nil for a memory-only queue; a spill that later fails to write degrades to
// memory-only behavior with a logged warning.
func NewManager(cfg Config, send SendFunc, spill *Spill, coll *metrics.Collector, log *logging.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		send:    send,
		spill:   spill,
		coll:    coll,
		log:     log,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if spill != nil {
		restored, err := spill.Load(cfg.SpillMaxAge)
		if err != nil {
			log.Warnf("queue: restore failed, starting empty: %v", err)
		}
		if len(restored) > cfg.MaxSize {
			restored = restored[len(restored)-cfg.MaxSize:]
		}
		m.entries = restored
		if len(restored) > 0 {
			log.Infof("queue: restored %d pending events", len(restored))
		}
	}
	coll.SetQueueSize(len(m.entries))
	return m
}

// SetBeacon installs the teardown dispatcher used on terminate.
func (m *Manager) SetBeacon(fn BeaconFunc) { m.beacon = fn }

// Enqueue appends one event, evicting the oldest pending event if the queue
// is full, and requests a flush once the batch threshold is reached.
func (m *Manager) Enqueue(ev *model.Event) {
	qe := &model.QueuedEvent{
		EntryID:    uuid.NewString(),
		Event:      ev,
		EnqueuedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	for len(m.entries) >= m.cfg.MaxSize {
		dropped := m.entries[0]
		m.entries = m.entries[1:]
		m.coll.RecordDroppedCapacity()
		m.log.Warnf("queue: at capacity, dropped oldest event %s", dropped.EntryID)
	}
	m.entries = append(m.entries, qe)
	m.coll.RecordQueued()
	m.persistLocked()
	m.coll.SetQueueSize(len(m.entries))
	wantFlush := len(m.entries) >= m.cfg.BatchSize
	m.mu.Unlock()

	if wantFlush {
		m.requestFlush()
	}
}

// Len reports the number of pending events, excluding any batch in flight.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Pending returns a copy of the queued entries, head first.
func (m *Manager) Pending() []*model.QueuedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.QueuedEvent, len(m.entries))
	copy(out, m.entries)
	return out
}

// Flush attempts delivery of the head batch. It is a silent no-op when the
// queue is empty, another flush is in flight, or the backoff gate is closed.
func (m *Manager) Flush(ctx context.Context) error { return m.flush(ctx, false) }

// FlushNow is Flush without the backoff gate, for explicit operator requests.
func (m *Manager) FlushNow(ctx context.Context) error { return m.flush(ctx, true) }

func (m *Manager) flush(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.inFlight || len(m.entries) == 0 {
		m.mu.Unlock()
		return nil
	}
	if !force && time.Now().Before(m.notBefore) {
		m.mu.Unlock()
		return nil
	}
	n := m.cfg.BatchSize
	if n > len(m.entries) {
		n = len(m.entries)
	}
	batch := make([]*model.QueuedEvent, n)
	copy(batch, m.entries[:n])
	m.entries = append([]*model.QueuedEvent(nil), m.entries[n:]...)
	m.inFlight = true
	m.inFlightBatch = batch
	m.coll.SetQueueSize(len(m.entries))
	m.mu.Unlock()

	events := make([]*model.Event, n)
	for i, qe := range batch {
		qe.Attempts++
		events[i] = qe.Event
	}

	start := time.Now()
	err := m.send(ctx, events)
	elapsed := time.Since(start)

	m.mu.Lock()
	m.inFlight = false
	m.inFlightBatch = nil
	if err != nil {
		// Head reinsertion keeps delivery order stable across retries. The
		// batch stayed in the spill snapshot the whole time, so a crash
		// mid-attempt loses nothing.
		m.entries = append(batch, m.entries...)
		m.failures++
		if len(m.cfg.Backoff) > 0 {
			delay := transport.NextDelay(m.failures, m.cfg.Backoff, m.cfg.JitterPct)
			m.notBefore = time.Now().Add(delay)
		}
		m.coll.RecordFailed(n, err)
		m.coll.RecordRetried(n)
		m.persistLocked()
		m.coll.SetQueueSize(len(m.entries))
		m.mu.Unlock()
		m.log.Warnf("queue: send of %d events failed (attempt streak %d): %v", n, m.failures, err)
		return err
	}
	m.failures = 0
	m.notBefore = time.Time{}
	m.persistLocked()
	remaining := len(m.entries)
	m.mu.Unlock()

	m.coll.RecordSent(n, elapsed)
	m.log.Debugf("queue: sent %d events in %v, %d pending", n, elapsed, remaining)
	if remaining >= m.cfg.BatchSize {
		m.requestFlush()
	}
	return nil
}

// Destroy stops the signal loop without a final flush. Pending events stay in
// the spill for the next start.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Clear discards all pending events and the persisted snapshot.
func (m *Manager) Clear() {
	m.mu.Lock()
	dropped := len(m.entries)
	m.entries = nil
	m.failures = 0
	m.notBefore = time.Time{}
	m.mu.Unlock()

	if m.spill != nil {
		if err := m.spill.Clear(); err != nil {
			m.log.Warnf("queue: clear snapshot: %v", err)
		}
	}
	m.coll.SetQueueSize(0)
	if dropped > 0 {
		m.log.Infof("queue: cleared %d pending events", dropped)
	}
}

// Run consumes the scheduler stream until the context ends, the stream closes,
// or a terminate signal arrives. Ticks and suspends flush opportunistically;
// terminate fires the beacon path and returns.
func (m *Manager) Run(ctx context.Context, s sched.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.flushCh:
			_ = m.Flush(ctx) // failures are logged and retried on the next trigger
		case sig, ok := <-s.Signals():
			if !ok {
				return
			}
			switch sig {
			case sched.SignalTick, sched.SignalSuspend:
				_ = m.Flush(ctx)
			case sched.SignalTerminate:
				m.flushBeacon()
				return
			}
		}
	}
}

func (m *Manager) requestFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// flushBeacon hands the head batch to the beacon dispatcher. It ignores the
// in-flight guard: at terminate any overlapping flush is already doomed, and a
// duplicate delivery beats a lost one. If dispatch fails before the request
// leaves, the batch goes back so the spill retains it for the next start.
func (m *Manager) flushBeacon() {
	if m.beacon == nil {
		return
	}
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	n := m.cfg.BatchSize
	if n > len(m.entries) {
		n = len(m.entries)
	}
	batch := make([]*model.QueuedEvent, n)
	copy(batch, m.entries[:n])
	m.entries = append([]*model.QueuedEvent(nil), m.entries[n:]...)
	m.inFlightBatch = batch
	m.mu.Unlock()

	events := make([]*model.Event, n)
	for i, qe := range batch {
		qe.Attempts++
		events[i] = qe.Event
	}

	if err := m.beacon(events); err != nil {
		m.mu.Lock()
		m.inFlightBatch = nil
		m.entries = append(batch, m.entries...)
		m.persistLocked()
		m.coll.SetQueueSize(len(m.entries))
		m.mu.Unlock()
		m.log.Warnf("queue: beacon dispatch failed, %d events kept: %v", n, err)
		return
	}

	// Dispatched but unacknowledged; count optimistically and drop from the
	// snapshot so a restart does not resend what most likely arrived.
	m.mu.Lock()
	m.inFlightBatch = nil
	m.persistLocked()
	m.coll.SetQueueSize(len(m.entries))
	m.mu.Unlock()
	m.coll.RecordSent(n, 0)
	m.log.Infof("queue: beacon dispatched %d events at shutdown", n)
}

// persistLocked rewrites the spill snapshot. A batch under delivery is still
// part of the durable state until its attempt resolves, so it is written
// ahead of the pending entries; a crash mid-attempt then replays it.
func (m *Manager) persistLocked() {
	if m.spill == nil {
		return
	}
	snapshot := m.entries
	if len(m.inFlightBatch) > 0 {
		snapshot = make([]*model.QueuedEvent, 0, len(m.inFlightBatch)+len(m.entries))
		snapshot = append(snapshot, m.inFlightBatch...)
		snapshot = append(snapshot, m.entries...)
	}
	if err := m.spill.Save(snapshot); err != nil {
		m.log.Warnf("queue: persist failed, continuing in memory: %v", err)
	}
}
