package eventing

import (
	"context"
	"errors"

	"stationsync/internal/analytics/application/eventbus"
)

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(eventType string, handler eventbus.EventHandler)
}

// Publisher records every event in the outbox before handing it to the
// dispatcher, so handlers that fail are retried later instead of losing the event.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	sub      Subscriber
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, dispatch *Dispatcher, sub Subscriber) (*Publisher, error) {
	if outbox == nil {
		return nil, errors.New("eventing: nil outbox")
	}
	if dispatch == nil {
		return nil, errors.New("eventing: nil dispatcher")
	}
	return &Publisher{outbox: outbox, dispatch: dispatch, sub: sub}, nil
}

// Publish writes the event to the outbox and triggers a dispatch.
// Only a failed outbox write is returned; delivery failures stay pending.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	env, err := BuildEnvelope(event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return err
	}
	p.dispatch.tryDispatch(ctx)
	return nil
}

// Subscribe delegates to the underlying subscriber when available.
func (p *Publisher) Subscribe(eventType string, handler eventbus.EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
