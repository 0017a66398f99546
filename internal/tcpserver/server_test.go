package tcpserver

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tinytelemetry/courier/internal/logging"
)

func testLogger() *logging.Logger { return logging.New(logging.LevelError) }

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("", testLogger())
	if got := s.Addr(); got != "127.0.0.1:4300" {
		t.Fatalf("Addr() = %q, want %q", got, "127.0.0.1:4300")
	}
}

func TestNewServer_UsesConfiguredAddressAndBuffers(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", testLogger(), ServerConfig{
		LineChannelSize: 64,
		MaxLineSize:     2048,
	})

	if got := s.Addr(); got != "0.0.0.0:5000" {
		t.Fatalf("Addr() = %q, want %q", got, "0.0.0.0:5000")
	}
	if got := cap(s.lineChan); got != 64 {
		t.Fatalf("line channel cap = %d, want %d", got, 64)
	}
	if got := s.maxLineSize; got != 2048 {
		t.Fatalf("max line size = %d, want %d", got, 2048)
	}
}

func TestServerDeliversEventLines(t *testing.T) {
	s := NewServer("127.0.0.1:0", testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	payload := `{"session_id":"sess-1","page_url":"https://example.com"}`
	fmt.Fprintf(conn, "%s\n\n%s\n", payload, payload)

	for i := 0; i < 2; i++ {
		select {
		case env := <-s.Lines():
			if env.Source != "tcp" {
				t.Errorf("Source = %q, want tcp", env.Source)
			}
			if env.Line != payload {
				t.Errorf("Line = %q", env.Line)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event line not delivered")
		}
	}
}

func TestServerStopClosesLines(t *testing.T) {
	s := NewServer("127.0.0.1:0", testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := <-s.Lines(); ok {
		t.Fatal("lines channel still open after Stop")
	}
}
