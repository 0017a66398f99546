package eventsource

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tinytelemetry/courier/internal/logging"
)

func testLogger() *logging.Logger { return logging.New(logging.LevelError) }

func TestStdinSourceDeliversEventLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	src := newStdinSourceWithReader(context.Background(), r, testLogger())
	defer src.Stop()

	payload := `{"session_id":"sess-1","page_url":"https://example.com"}`
	if _, err := w.WriteString(payload + "\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	_ = w.Close()

	select {
	case env := <-src.Lines():
		if env.Source != "stdin" {
			t.Errorf("Source = %q, want stdin", env.Source)
		}
		if env.Line != payload {
			t.Errorf("Line = %q", env.Line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event line not delivered")
	}
}

func TestStdinSourceStopClosesLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r, testLogger())
	src.Stop()

	select {
	case _, ok := <-src.Lines():
		if ok {
			t.Fatal("expected lines channel to be closed after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines channel to close")
	}
}

func TestStdinSourceStopIsIdempotent(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r, testLogger())
	src.Stop()
	src.Stop()
}
