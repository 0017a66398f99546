package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/courier/internal/model"
)

// DefaultTimeout bounds one delivery attempt end to end.
const DefaultTimeout = 15 * time.Second

// BeaconTimeout bounds the detached teardown send. It only needs to cover
// writing the request; the response is never read.
const BeaconTimeout = 3 * time.Second

// ErrClosed is returned when a send is attempted after Close.
var ErrClosed = errors.New("transport: sender closed")

// Config holds the delivery endpoint parameters.
type Config struct {
	Endpoint string
	Headers  map[string]string // static headers added to every request
	Timeout  time.Duration
}

// HTTPSender ships event batches to the configured endpoint as JSON arrays.
// Send reports outcome as an error value and never panics past the caller.
type HTTPSender struct {
	endpoint string
	headers  map[string]string
	client   *http.Client

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // in-flight beacon goroutines
}

// NewHTTPSender creates a sender for the given endpoint.
func NewHTTPSender(cfg Config) (*HTTPSender, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transport: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSender{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Send delivers one batch. Any 2xx response is success; error statuses,
// timeouts, and network failures are all reported as an error.
func (s *HTTPSender) Send(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	req, err := s.buildRequest(ctx, events)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: backend returned status %d", resp.StatusCode)
	}
	return nil
}

// SendBeacon dispatches one batch without awaiting the response, for use at
// teardown when the normal asynchronous path cannot be awaited. It returns an
// error only when the request cannot be constructed or the sender is closed;
// once dispatched, the outcome is unknowable and ignored.
func (s *HTTPSender) SendBeacon(events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), BeaconTimeout)
	req, err := s.buildRequest(ctx, events)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return err
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		resp, err := s.client.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
	return nil
}

// Close waits for in-flight beacon sends to finish or time out. Further
// beacon sends fail with ErrClosed.
func (s *HTTPSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *HTTPSender) buildRequest(ctx context.Context, events []*model.Event) (*http.Request, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// NextDelay maps a failure count onto the backoff schedule with +/- jitterPct
// jitter. Failure counts beyond the schedule reuse its last entry.
func NextDelay(failures int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// ParseBackoffSchedule parses a comma-separated duration list. Entries that
// do not parse are skipped; an empty result means backoff is disabled.
func ParseBackoffSchedule(s string) []time.Duration {
	if s == "" {
		return nil
	}
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		if d, err := time.ParseDuration(strings.TrimSpace(part)); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	return out
}
