package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/model"
)

// ErrPluginName is returned when a plugin registers with an empty or already
// taken name.
var ErrPluginName = errors.New("pipeline: plugin name empty or already registered")

// Plugin observes and shapes events as they move through the pipeline.
// BeforeSend runs per event before enqueue and may mutate the event or drop it
// by returning a nil event; a drop halts the chain for that event. AfterSend
// and OnError run per delivered or failed event and are strictly best-effort.
// Hook errors and panics are logged and treated as no-op transforms; they
// never affect delivery.
type Plugin interface {
	Name() string
	BeforeSend(ctx context.Context, ev *model.Event) (*model.Event, error)
	AfterSend(ctx context.Context, ev *model.Event) error
	OnError(ctx context.Context, ev *model.Event, sendErr error) error
}

// Base is a no-op Plugin for embedding, so concrete plugins implement only the
// hooks they care about.
type Base struct{}

func (Base) BeforeSend(_ context.Context, ev *model.Event) (*model.Event, error) { return ev, nil }
func (Base) AfterSend(context.Context, *model.Event) error                       { return nil }
func (Base) OnError(context.Context, *model.Event, error) error                  { return nil }

// Chain holds registered plugins in registration order. All methods are safe
// for concurrent use; registration may happen while events are flowing.
type Chain struct {
	mu      sync.RWMutex
	plugins []Plugin
	log     *logging.Logger
}

// NewChain creates an empty chain.
func NewChain(log *logging.Logger) *Chain {
	return &Chain{log: log}
}

// Register appends a plugin. Names must be unique and non-empty.
func (c *Chain) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return ErrPluginName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.plugins {
		if existing.Name() == name {
			return fmt.Errorf("%w: %q", ErrPluginName, name)
		}
	}
	c.plugins = append(c.plugins, p)
	c.log.Debugf("pipeline: registered plugin %q", name)
	return nil
}

// Unregister removes the plugin with the given name and reports whether it
// was present.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.plugins {
		if p.Name() == name {
			c.plugins = append(c.plugins[:i], c.plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every plugin.
func (c *Chain) Clear() {
	c.mu.Lock()
	c.plugins = nil
	c.mu.Unlock()
}

// Names lists registered plugins in order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.plugins))
	for i, p := range c.plugins {
		out[i] = p.Name()
	}
	return out
}

func (c *Chain) snapshot() []Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plugin, len(c.plugins))
	copy(out, c.plugins)
	return out
}

// RunBeforeSend passes the event through each plugin in order. A nil event
// return drops the event and stops the pass. A hook error or panic leaves the
// event unchanged and continues with the next plugin.
func (c *Chain) RunBeforeSend(ctx context.Context, ev *model.Event) *model.Event {
	for _, p := range c.snapshot() {
		next, dropped := c.safeBeforeSend(ctx, p, ev)
		if dropped {
			c.log.Debugf("pipeline: plugin %q dropped event %s", p.Name(), ev.EventID)
			return nil
		}
		ev = next
	}
	return ev
}

func (c *Chain) safeBeforeSend(ctx context.Context, p Plugin, ev *model.Event) (out *model.Event, dropped bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("pipeline: plugin %q panicked in BeforeSend: %v", p.Name(), r)
			out, dropped = ev, false
		}
	}()
	next, err := p.BeforeSend(ctx, ev)
	if err != nil {
		c.log.Warnf("pipeline: plugin %q BeforeSend: %v", p.Name(), err)
		return ev, false
	}
	if next == nil {
		return nil, true
	}
	return next, false
}

// RunAfterSend notifies each plugin of every delivered event.
func (c *Chain) RunAfterSend(ctx context.Context, events []*model.Event) {
	for _, p := range c.snapshot() {
		for _, ev := range events {
			c.safeNotify(p.Name(), "AfterSend", func() error { return p.AfterSend(ctx, ev) })
		}
	}
}

// RunOnError notifies each plugin of every event in a failed attempt.
func (c *Chain) RunOnError(ctx context.Context, events []*model.Event, sendErr error) {
	for _, p := range c.snapshot() {
		for _, ev := range events {
			c.safeNotify(p.Name(), "OnError", func() error { return p.OnError(ctx, ev, sendErr) })
		}
	}
}

func (c *Chain) safeNotify(name, hook string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("pipeline: plugin %q panicked in %s: %v", name, hook, r)
		}
	}()
	if err := fn(); err != nil {
		c.log.Warnf("pipeline: plugin %q %s: %v", name, hook, err)
	}
}
