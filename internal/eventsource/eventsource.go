package eventsource

import "github.com/tinytelemetry/courier/internal/model"

// Source is a unified interface for all event input sources (TCP, stdin).
type Source interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of raw event lines
	Stop()                              // graceful shutdown
	Name() string                       // "tcp", "stdin"
}
