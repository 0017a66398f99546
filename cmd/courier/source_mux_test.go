package main

import (
	"context"
	"testing"
	"time"

	"github.com/tinytelemetry/courier/internal/model"
)

type fakeSource struct {
	name    string
	lines   chan model.IngestEnvelope
	stopped chan struct{}
}

func newFakeSource(name string, buffer int) *fakeSource {
	return &fakeSource{
		name:    name,
		lines:   make(chan model.IngestEnvelope, buffer),
		stopped: make(chan struct{}),
	}
}

func (s *fakeSource) Lines() <-chan model.IngestEnvelope { return s.lines }
func (s *fakeSource) Name() string                       { return s.name }

func (s *fakeSource) Stop() {
	select {
	case <-s.stopped:
		return
	default:
		close(s.stopped)
		close(s.lines)
	}
}

func TestSourceMultiplexer_ForwardsFromAllSources(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeSource("a", 2)
	b := newFakeSource("b", 2)

	mux := NewSourceMultiplexer(ctx, []NamedEventSource{a, b}, 16)
	mux.Start()
	defer mux.Stop()

	a.lines <- model.IngestEnvelope{Source: "a", Line: `{"session_id":"alpha"}`}
	b.lines <- model.IngestEnvelope{Source: "b", Line: `{"session_id":"beta"}`}
	a.Stop()
	b.Stop()

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case env, ok := <-mux.Lines():
			if !ok {
				t.Fatalf("multiplexer closed before receiving expected lines: %+v", got)
			}
			got[env.Source] = true
		case <-timeout:
			t.Fatalf("timed out waiting for multiplexed lines: %+v", got)
		}
	}

	if !got["a"] || !got["b"] {
		t.Fatalf("missing expected lines: %+v", got)
	}
}

func TestSourceMultiplexer_StopInvokesSourceStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource("x", 1)
	mux := NewSourceMultiplexer(ctx, []NamedEventSource{src}, 8)
	mux.Start()

	mux.Stop()

	select {
	case <-src.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected source Stop() to be called")
	}
}

func TestSourceMultiplexer_NoSourcesClosesOutput(t *testing.T) {
	t.Parallel()

	mux := NewSourceMultiplexer(context.Background(), nil, 8)
	mux.Start()

	select {
	case _, ok := <-mux.Lines():
		if ok {
			t.Fatal("expected closed output, got a line")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected output channel to close when no sources exist")
	}
	if mux.HasSources() {
		t.Fatal("HasSources() = true, want false")
	}
}
