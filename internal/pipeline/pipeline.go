package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/queue"
	"github.com/tinytelemetry/courier/internal/transport"
	"github.com/tinytelemetry/courier/internal/validate"
)

// ErrDropped marks an event dropped by a plugin before enqueue.
var ErrDropped = errors.New("pipeline: event dropped by plugin")

// Sender is the delivery transport used for both the asynchronous path and
// the teardown beacon.
type Sender interface {
	Send(ctx context.Context, events []*model.Event) error
	SendBeacon(events []*model.Event) error
}

// Pipeline ties the stages together: normalize, validate, run the plugin
// chain, enqueue, deliver. The queue owns retry and persistence; the pipeline
// owns everything that happens to an event before and after.
type Pipeline struct {
	chain  *Chain
	queue  *queue.Manager
	sender Sender
	coll   *metrics.Collector
	log    *logging.Logger
}

// New wires a pipeline over the given transport. The queue is created here so
// its send path can run the plugin hooks around every attempt.
func New(qcfg queue.Config, sender Sender, spill *queue.Spill, coll *metrics.Collector, log *logging.Logger) *Pipeline {
	p := &Pipeline{
		chain:  NewChain(log),
		sender: sender,
		coll:   coll,
		log:    log,
	}
	p.queue = queue.NewManager(qcfg, p.deliver, spill, coll, log)
	p.queue.SetBeacon(sender.SendBeacon)
	return p
}

// Chain exposes the plugin chain for registration.
func (p *Pipeline) Chain() *Chain { return p.chain }

// Queue exposes the underlying queue manager for the operator API.
func (p *Pipeline) Queue() *queue.Manager { return p.queue }

// Record normalizes and admits one event. A nil return means the event was
// accepted into the queue; otherwise the error says which stage rejected it.
func (p *Pipeline) Record(ev *model.Event) error {
	if ev == nil {
		return errors.New("pipeline: nil event")
	}
	p.normalize(ev)

	if err := validate.Validate(ev); err != nil {
		p.coll.RecordFiltered()
		p.log.Debugf("pipeline: rejected event %s: %v", ev.EventID, err)
		return err
	}

	out := p.chain.RunBeforeSend(context.Background(), ev)
	if out == nil {
		p.coll.RecordFiltered()
		return ErrDropped
	}

	p.queue.Enqueue(out)
	return nil
}

// FlushNow forces an immediate delivery attempt, ignoring any backoff gate.
func (p *Pipeline) FlushNow(ctx context.Context) error {
	return p.queue.FlushNow(ctx)
}

// normalize fills the derivable fields so downstream stages see a complete
// event: identity, capture time, page path, and the default event name.
func (p *Pipeline) normalize(ev *model.Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.EventName == "" {
		ev.EventName = model.DefaultEventName
	}
	if ev.PagePath == "" {
		ev.PagePath = model.PathOf(ev.PageURL)
	}
}

// deliver is the queue's send function. Plugin hooks wrap the transport call
// so observers see exactly what was attempted and how it went.
func (p *Pipeline) deliver(ctx context.Context, events []*model.Event) error {
	err := p.sender.Send(ctx, events)
	if err != nil {
		p.chain.RunOnError(ctx, events, err)
		return err
	}
	p.chain.RunAfterSend(ctx, events)
	return nil
}

// ensure the transport satisfies the pipeline's contract.
var _ Sender = (*transport.HTTPSender)(nil)
