package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tinytelemetry/courier/internal/eventsource"
	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/tcpserver"
)

// NamedEventSource aliases the shared source abstraction to keep app-layer APIs explicit.
type NamedEventSource = eventsource.Source

// InputSourcePlugin is a small plugin primitive for wiring event inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedEventSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled bool
	TCPAddr    string
	Log        *logging.Logger
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 2)
	plugins = append(plugins, tcpInputPlugin{
		addr:    cfg.TCPAddr,
		enabled: cfg.TCPEnabled,
		log:     cfg.Log,
	})
	plugins = append(plugins, stdinInputPlugin{log: cfg.Log})
	return plugins
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
	log     *logging.Logger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedEventSource, error) {
	server := tcpserver.NewServer(p.addr, p.log)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return eventsource.NewTCPSource(server), nil
}

type stdinInputPlugin struct {
	log *logging.Logger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedEventSource, error) {
	return eventsource.NewStdinSource(ctx, p.log), nil
}
