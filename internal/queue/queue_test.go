package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/sched"
)

func testLogger() *logging.Logger { return logging.New(logging.LevelError) }

func event(name string) *model.Event {
	return &model.Event{
		EventID:   name + "-id",
		SessionID: "sess",
		PageURL:   "https://example.com/" + name,
		Timestamp: time.Now().UTC(),
		EventName: name,
	}
}

// captureSender records every batch it is handed and can be told to fail.
type captureSender struct {
	mu      sync.Mutex
	batches [][]*model.Event
	err     error
}

func (c *captureSender) send(_ context.Context, events []*model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	batch := make([]*model.Event, len(events))
	copy(batch, events)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSender) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *captureSender) sent() [][]*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*model.Event, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestEnqueueEvictsOldestAtCapacity(t *testing.T) {
	coll := metrics.New()
	m := NewManager(Config{BatchSize: 100, MaxSize: 3}, (&captureSender{}).send, nil, coll, testLogger())

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		m.Enqueue(event(name))
	}

	pending := m.Pending()
	if len(pending) != 3 {
		t.Fatalf("queue length = %d, want 3", len(pending))
	}
	got := []string{pending[0].Event.EventName, pending[1].Event.EventName, pending[2].Event.EventName}
	if got[0] != "c" || got[1] != "d" || got[2] != "e" {
		t.Errorf("retained events = %v, want [c d e]", got)
	}
	if s := coll.Snapshot(); s.DroppedCapacity != 2 || s.Queued != 5 || s.QueueSize != 3 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestFlushSendsHeadBatch(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{BatchSize: 2, MaxSize: 10}, sender.send, nil, metrics.New(), testLogger())

	m.Enqueue(event("a"))
	m.Enqueue(event("b"))
	m.Enqueue(event("c"))

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	sent := sender.sent()
	if len(sent) != 1 || len(sent[0]) != 2 {
		t.Fatalf("sent batches = %d, want one batch of 2", len(sent))
	}
	if sent[0][0].EventName != "a" || sent[0][1].EventName != "b" {
		t.Errorf("batch order = [%s %s], want [a b]", sent[0][0].EventName, sent[0][1].EventName)
	}
	if m.Len() != 1 {
		t.Errorf("pending after flush = %d, want 1", m.Len())
	}
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{}, sender.send, nil, metrics.New(), testLogger())
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Fatal("empty flush still called the sender")
	}
}

func TestFlushFailureReinsertsAtHead(t *testing.T) {
	sender := &captureSender{}
	sender.fail(errors.New("backend down"))
	coll := metrics.New()
	m := NewManager(Config{BatchSize: 2, MaxSize: 10}, sender.send, nil, coll, testLogger())

	for _, name := range []string{"a", "b", "c"} {
		m.Enqueue(event(name))
	}
	if err := m.Flush(context.Background()); err == nil {
		t.Fatal("Flush succeeded against a failing sender")
	}

	pending := m.Pending()
	if len(pending) != 3 {
		t.Fatalf("queue length after failure = %d, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].Event.EventName != want {
			t.Fatalf("order after reinsertion = %s at %d, want %s", pending[i].Event.EventName, i, want)
		}
	}
	if pending[0].Attempts != 1 || pending[2].Attempts != 0 {
		t.Errorf("attempts = %d/%d, want 1/0", pending[0].Attempts, pending[2].Attempts)
	}
	if s := coll.Snapshot(); s.Failed != 2 || s.Retried != 2 || s.Sent != 0 {
		t.Errorf("metrics = %+v", s)
	}

	// Recovery resends the same head batch first.
	sender.fail(nil)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	sent := sender.sent()
	if len(sent) != 1 || sent[0][0].EventName != "a" {
		t.Fatalf("recovered batch head = %v", sent)
	}
}

func TestFlushInFlightGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	send := func(_ context.Context, _ []*model.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}
	m := NewManager(Config{BatchSize: 1, MaxSize: 10}, send, nil, metrics.New(), testLogger())
	m.Enqueue(event("a"))
	m.Enqueue(event("b"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Flush(context.Background())
	}()
	<-started

	// Overlapping flush must return immediately without a second send.
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("overlapping Flush: %v", err)
	}
	mu.Lock()
	if calls != 1 {
		t.Fatalf("send calls = %d, want 1", calls)
	}
	mu.Unlock()
	close(release)
	<-done
}

func TestBackoffGateSkipsAutomaticFlush(t *testing.T) {
	sender := &captureSender{}
	sender.fail(errors.New("down"))
	m := NewManager(Config{
		BatchSize: 1,
		MaxSize:   10,
		Backoff:   []time.Duration{time.Hour},
	}, sender.send, nil, metrics.New(), testLogger())
	m.Enqueue(event("a"))

	if err := m.Flush(context.Background()); err == nil {
		t.Fatal("first Flush should fail")
	}
	sender.fail(nil)

	// Gate is closed for the next hour; the automatic path is a no-op.
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("gated Flush: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Fatal("gated flush still reached the sender")
	}

	// Explicit flush ignores the gate.
	if err := m.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if len(sender.sent()) != 1 {
		t.Fatal("FlushNow did not send")
	}
}

func TestSpillRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	coll := metrics.New()
	m := NewManager(Config{BatchSize: 100, MaxSize: 10}, (&captureSender{}).send, spill, coll, testLogger())
	m.Enqueue(event("a"))
	m.Enqueue(event("b"))

	// A second manager on the same path sees the same queue.
	m2 := NewManager(Config{BatchSize: 100, MaxSize: 10}, (&captureSender{}).send, spill, metrics.New(), testLogger())
	pending := m2.Pending()
	if len(pending) != 2 || pending[0].Event.EventName != "a" {
		t.Fatalf("restored queue = %+v", pending)
	}
}

func TestSpillDropsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	old := &model.QueuedEvent{EntryID: "old", Event: event("old"), EnqueuedAt: time.Now().Add(-25 * time.Hour)}
	fresh := &model.QueuedEvent{EntryID: "fresh", Event: event("fresh"), EnqueuedAt: time.Now()}
	if err := spill.Save([]*model.QueuedEvent{old, fresh}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := spill.Load(24 * time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].EntryID != "fresh" {
		t.Fatalf("loaded entries = %+v, want only fresh", got)
	}
}

func TestSpillCorruptSnapshotDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	if _, err := spill.Load(0); err == nil {
		t.Fatal("Load accepted a corrupt snapshot")
	}
	// The manager starts empty instead of refusing to run.
	m := NewManager(Config{}, (&captureSender{}).send, spill, metrics.New(), testLogger())
	if m.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", m.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt snapshot was not removed")
	}
}

func TestSpillRetainsBatchAcrossFailedAttempt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	sender := &captureSender{}
	sender.fail(errors.New("down"))
	m := NewManager(Config{BatchSize: 2, MaxSize: 10}, sender.send, spill, metrics.New(), testLogger())
	m.Enqueue(event("a"))
	m.Enqueue(event("b"))
	_ = m.Flush(context.Background())

	got, err := spill.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("snapshot after failed attempt = %d entries, want 2", len(got))
	}
}

func TestSpillRetainsInFlightBatchDuringEnqueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	send := func(_ context.Context, _ []*model.Event) error {
		close(started)
		<-release
		return nil
	}
	m := NewManager(Config{BatchSize: 2, MaxSize: 10}, send, spill, metrics.New(), testLogger())
	m.Enqueue(event("a"))
	m.Enqueue(event("b"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Flush(context.Background())
	}()
	<-started

	// An enqueue while a and b are under delivery rewrites the snapshot. The
	// in-flight batch is still durable state until the attempt resolves, so
	// the snapshot must hold all three, batch first.
	m.Enqueue(event("c"))
	got, err := spill.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("snapshot during in-flight attempt = %d entries, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Event.EventName != want {
			t.Fatalf("snapshot[%d] = %q, want %q", i, got[i].Event.EventName, want)
		}
	}

	close(release)
	<-done

	// After the attempt succeeds only the interleaved event remains.
	got, err = spill.Load(0)
	if err != nil {
		t.Fatalf("Load after success: %v", err)
	}
	if len(got) != 1 || got[0].Event.EventName != "c" {
		t.Fatalf("snapshot after success = %+v, want only c", got)
	}
}

func TestClearDropsQueueAndSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	spill, err := NewSpill(path)
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}
	m := NewManager(Config{BatchSize: 100, MaxSize: 10}, (&captureSender{}).send, spill, metrics.New(), testLogger())
	m.Enqueue(event("a"))

	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("queue length after Clear = %d", m.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("snapshot survived Clear")
	}
}

func TestDestroyStopsRunWithoutFlush(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{BatchSize: 10, MaxSize: 10}, sender.send, nil, metrics.New(), testLogger())
	m.Enqueue(event("a"))

	s := sched.NewManualScheduler()
	defer s.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), s)
	}()

	m.Destroy()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Destroy")
	}
	if len(sender.sent()) != 0 {
		t.Error("Destroy triggered a flush")
	}
	if m.Len() != 1 {
		t.Errorf("pending after Destroy = %d, want 1", m.Len())
	}
	m.Destroy() // idempotent
}

func TestRunFlushesOnTick(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{BatchSize: 10, MaxSize: 10}, sender.send, nil, metrics.New(), testLogger())
	m.Enqueue(event("a"))

	s := sched.NewManualScheduler()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), s)
	}()

	s.Fire(sched.SignalTick)
	waitFor(t, func() bool { return len(sender.sent()) == 1 })
	s.Stop()
	<-done
}

func TestRunBatchThresholdTriggersFlush(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{BatchSize: 2, MaxSize: 10}, sender.send, nil, metrics.New(), testLogger())

	s := sched.NewManualScheduler()
	defer s.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, s)

	m.Enqueue(event("a"))
	time.Sleep(20 * time.Millisecond)
	if len(sender.sent()) != 0 {
		t.Fatal("flush ran below the batch threshold")
	}
	m.Enqueue(event("b"))
	waitFor(t, func() bool { return len(sender.sent()) == 1 })
}

func TestRunTerminateFiresBeacon(t *testing.T) {
	sender := &captureSender{}
	coll := metrics.New()
	m := NewManager(Config{BatchSize: 10, MaxSize: 10}, sender.send, nil, coll, testLogger())

	var beaconed [][]*model.Event
	m.SetBeacon(func(events []*model.Event) error {
		beaconed = append(beaconed, events)
		return nil
	})
	m.Enqueue(event("a"))
	m.Enqueue(event("b"))

	s := sched.NewManualScheduler()
	defer s.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), s)
	}()
	s.Fire(sched.SignalTerminate)
	<-done

	if len(beaconed) != 1 || len(beaconed[0]) != 2 {
		t.Fatalf("beacon batches = %+v", beaconed)
	}
	if m.Len() != 0 {
		t.Errorf("pending after beacon = %d, want 0", m.Len())
	}
	if s := coll.Snapshot(); s.Sent != 2 {
		t.Errorf("sent = %d, want 2", s.Sent)
	}
}

func TestBeaconFailureRequeues(t *testing.T) {
	m := NewManager(Config{BatchSize: 10, MaxSize: 10}, (&captureSender{}).send, nil, metrics.New(), testLogger())
	m.SetBeacon(func([]*model.Event) error { return errors.New("closed") })
	m.Enqueue(event("a"))

	m.flushBeacon()
	if m.Len() != 1 {
		t.Fatalf("pending after failed beacon = %d, want 1", m.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
