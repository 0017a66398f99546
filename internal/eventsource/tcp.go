package eventsource

import (
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/tcpserver"
)

// TCPSource wraps a tcpserver.Server as a Source.
type TCPSource struct {
	server *tcpserver.Server
}

// NewTCPSource creates a TCPSource from an already-started TCP server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Lines() <-chan model.IngestEnvelope { return t.server.Lines() }
func (t *TCPSource) Stop()                              { _ = t.server.Stop() }
func (t *TCPSource) Name() string                       { return "tcp" }
