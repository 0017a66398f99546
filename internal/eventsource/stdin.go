package eventsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 10_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a
	// single stdin event line.
	DefaultStdinMaxLineSize = 256 * 1024
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// StdinSource reads newline-delimited JSON events from stdin, one event per
// line, for shell producers piping into the agent.
type StdinSource struct {
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
	log    *logging.Logger
}

// NewStdinSource creates a StdinSource reading os.Stdin in a background
// goroutine.
func NewStdinSource(ctx context.Context, log *logging.Logger, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, log, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, log *logging.Logger, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
		log:    log,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	// One goroutine owns the blocking scan; the done channel breaks out on
	// cancellation without leaking a goroutine per line.
	type scanResult struct {
		line string
		ok   bool
	}
	results := make(chan scanResult)
	go func() {
		defer close(results)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case results <- scanResult{line: line, ok: true}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				s.log.Warnf("eventsource: stdin line exceeded max size (%d bytes), stopping stdin source", maxLineSize)
				return
			}
			s.log.Warnf("eventsource: stdin scanner error: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok || !r.ok {
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.Name(), Line: r.line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinSource) Stop()                              { s.cancel() }
func (s *StdinSource) Name() string                       { return "stdin" }
