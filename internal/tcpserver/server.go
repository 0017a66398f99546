package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/model"
)

const (
	// DefaultLineChannelSize is the default buffer size for the incoming
	// event line channel.
	DefaultLineChannelSize = 10_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single
	// event line.
	DefaultMaxLineSize = 256 * 1024
)

// ServerConfig holds tunable parameters for the TCP ingest server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
}

// Server listens for newline-delimited JSON telemetry events over TCP. Each
// line is one event payload; decoding happens downstream in the pipeline.
type Server struct {
	listener    net.Listener
	addr        string
	lineChan    chan model.IngestEnvelope
	maxLineSize int
	log         *logging.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewServer creates a new TCP ingest server. Default addr is "127.0.0.1:4300".
func NewServer(addr string, log *logging.Logger, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4300"
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lineChan:    make(chan model.IngestEnvelope, lineChannelSize),
		maxLineSize: maxLineSize,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, s.maxLineSize)
	scanner.Buffer(buf, s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lineChan <- model.IngestEnvelope{Source: "tcp", Line: line}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.log.Warnf("tcpserver: dropped connection %s, event line exceeded %d bytes", conn.RemoteAddr(), s.maxLineSize)
			return
		}
		s.log.Warnf("tcpserver: scanner error from %s: %v", conn.RemoteAddr(), err)
	}
}

// Stop gracefully shuts down the TCP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	close(s.lineChan)
	return nil
}

// Lines returns the channel of received event lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
