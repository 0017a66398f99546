package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/courier/internal/archive"
	"github.com/tinytelemetry/courier/internal/eventsource"
	"github.com/tinytelemetry/courier/internal/httpserver"
	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/pipeline"
	"github.com/tinytelemetry/courier/internal/queue"
	"github.com/tinytelemetry/courier/internal/sched"
	"github.com/tinytelemetry/courier/internal/tcpserver"
	"github.com/tinytelemetry/courier/internal/transport"
)

// collectingBackend stands in for the telemetry collector. It records every
// event it acknowledges.
type collectingBackend struct {
	mu     sync.Mutex
	events []model.Event
	fail   bool
}

func (b *collectingBackend) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var batch []model.Event
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.events = append(b.events, batch...)
	w.WriteHeader(http.StatusOK)
}

func (b *collectingBackend) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *collectingBackend) received() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Event, len(b.events))
	copy(out, b.events)
	return out
}

type e2eConfig struct {
	BatchSize    int
	ArchiveBatch int
}

type e2eStack struct {
	backend *collectingBackend
	pipe    *pipeline.Pipeline
	coll    *metrics.Collector
	api     *httpserver.Server
	tcp     *tcpserver.Server
	arch    *archive.Store
	sched   *sched.ManualScheduler
	apiAddr string
	tcpAddr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startE2EStack(t *testing.T, cfg e2eConfig) *e2eStack {
	t.Helper()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 1
	}

	logger := logging.New(logging.LevelError)
	coll := metrics.New()

	backend := &collectingBackend{}
	backendSrv := httptest.NewServer(http.HandlerFunc(backend.handler))
	t.Cleanup(backendSrv.Close)

	sender, err := transport.NewHTTPSender(transport.Config{Endpoint: backendSrv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	t.Cleanup(sender.Close)

	spill, err := queue.NewSpill(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("NewSpill: %v", err)
	}

	pipe := pipeline.New(queue.Config{
		BatchSize: cfg.BatchSize,
		MaxSize:   100,
	}, sender, spill, coll, logger)

	arch, err := archive.NewStore(filepath.Join(t.TempDir(), "archive.duckdb"), 5*time.Second)
	if err != nil {
		t.Fatalf("archive.NewStore: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	buf := archive.NewInsertBuffer(arch, logger, archive.InsertBufferConfig{
		BatchSize:     cfg.ArchiveBatch,
		FlushInterval: 20 * time.Millisecond,
	})
	t.Cleanup(buf.Stop)
	if err := pipe.Chain().Register(archive.NewPlugin(buf)); err != nil {
		t.Fatalf("Register archive plugin: %v", err)
	}

	api := httpserver.NewServer("127.0.0.1:0", pipe, coll, logger)
	api.AttachArchive(arch)
	if err := api.Start(); err != nil {
		t.Fatalf("http Start: %v", err)
	}
	t.Cleanup(func() { api.Stop() })

	tcp := tcpserver.NewServer("127.0.0.1:0", logger)
	if err := tcp.Start(); err != nil {
		t.Fatalf("tcp Start: %v", err)
	}
	source := eventsource.NewTCPSource(tcp)

	manual := sched.NewManualScheduler()
	ctx, cancel := context.WithCancel(context.Background())

	stack := &e2eStack{
		backend: backend,
		pipe:    pipe,
		coll:    coll,
		api:     api,
		tcp:     tcp,
		arch:    arch,
		sched:   manual,
		apiAddr: api.Addr(),
		tcpAddr: tcp.Addr(),
		cancel:  cancel,
	}

	stack.wg.Add(1)
	go func() {
		defer stack.wg.Done()
		pipe.Queue().Run(ctx, manual)
	}()

	stack.wg.Add(1)
	go func() {
		defer stack.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-source.Lines():
				if !ok {
					return
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(env.Line), &ev); err != nil {
					continue
				}
				_ = pipe.Record(&ev)
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		source.Stop()
		manual.Stop()
		stack.wg.Wait()
	})
	return stack
}

// eventLine builds one valid NDJSON telemetry line. The counter varies the
// page URL so assertions can tell consecutive events apart.
func eventLine(session string, n int) string {
	f := false
	ev := model.Event{
		SessionID: session,
		PageURL:   fmt.Sprintf("https://example.com/page-%d", n),
		EventName: "page_view",
		Device:    &model.DeviceContext{Type: "desktop", OS: "linux", Browser: "firefox", Mobile: &f},
		Network:   &model.NetworkContext{Operator: "acme-net", SubscriberID: "sub-9", ServiceID: "svc-1"},
		Location:  &model.LocationContext{Label: "office", FromGPS: &f},
		Attribution: &model.AttributionContext{
			CompanyLabel: "acme",
		},
	}
	raw, _ := json.Marshal(&ev)
	return string(raw)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEndToEndTCPIngestToBackend(t *testing.T) {
	stack := startE2EStack(t, e2eConfig{BatchSize: 5})

	conn, err := net.Dial("tcp", stack.tcpAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var payload bytes.Buffer
	for i := 0; i < 5; i++ {
		payload.WriteString(eventLine("sess-tcp", i) + "\n")
	}
	if _, err := conn.Write(payload.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Five events hit the batch threshold and flush without a tick.
	waitFor(t, 5*time.Second, func() bool {
		return len(stack.backend.received()) == 5
	})

	for _, ev := range stack.backend.received() {
		if ev.SessionID != "sess-tcp" {
			t.Fatalf("backend saw session %q, want %q", ev.SessionID, "sess-tcp")
		}
		if ev.EventID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("backend saw unnormalized event: %+v", ev)
		}
	}

	// The archive plugin records acknowledged deliveries.
	waitFor(t, 5*time.Second, func() bool {
		n, err := stack.arch.CountDelivered()
		return err == nil && n == 5
	})
}

func TestEndToEndHTTPIngestFlushAndStats(t *testing.T) {
	stack := startE2EStack(t, e2eConfig{BatchSize: 50})

	base := "http://" + stack.apiAddr
	resp, err := http.Post(base+"/api/events", "application/json", bytes.NewBufferString(eventLine("sess-http", 1)))
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want 202", resp.StatusCode)
	}

	if got := stack.pipe.Queue().Len(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	resp, err = http.Post(base+"/api/queue/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/queue/flush: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flush status = %d, want 200", resp.StatusCode)
	}

	if got := len(stack.backend.received()); got != 1 {
		t.Fatalf("backend received %d events, want 1", got)
	}

	var stats metrics.Snapshot
	resp, err = http.Get(base + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	resp.Body.Close()
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}
	if stats.QueueSize != 0 {
		t.Fatalf("stats.QueueSize = %d, want 0", stats.QueueSize)
	}
}

func TestEndToEndRetryAfterBackendRecovers(t *testing.T) {
	stack := startE2EStack(t, e2eConfig{BatchSize: 50})
	stack.backend.setFail(true)

	base := "http://" + stack.apiAddr
	resp, err := http.Post(base+"/api/events", "application/json", bytes.NewBufferString(eventLine("sess-retry", 1)))
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	resp.Body.Close()

	// First delivery attempt fails and the event goes back to the head.
	stack.sched.Fire(sched.SignalTick)
	waitFor(t, 5*time.Second, func() bool {
		return stack.coll.Snapshot().Failed == 1
	})
	if got := stack.pipe.Queue().Len(); got != 1 {
		t.Fatalf("queue length after failure = %d, want 1", got)
	}

	stack.backend.setFail(false)
	stack.sched.Fire(sched.SignalTick)
	waitFor(t, 5*time.Second, func() bool {
		return len(stack.backend.received()) == 1
	})
	if got := stack.pipe.Queue().Len(); got != 0 {
		t.Fatalf("queue length after recovery = %d, want 0", got)
	}
}

func TestEndToEndTerminateFiresBeacon(t *testing.T) {
	stack := startE2EStack(t, e2eConfig{BatchSize: 50})

	base := "http://" + stack.apiAddr
	resp, err := http.Post(base+"/api/events", "application/json", bytes.NewBufferString(eventLine("sess-term", 1)))
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	resp.Body.Close()

	stack.sched.Fire(sched.SignalTerminate)
	waitFor(t, 5*time.Second, func() bool {
		return len(stack.backend.received()) == 1
	})
	if got := stack.pipe.Queue().Len(); got != 0 {
		t.Fatalf("queue length after terminate = %d, want 0", got)
	}
}
