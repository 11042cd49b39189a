package outbox

import (
	"context"
	"fmt"
	"io"

	"github.com/craterlabs/tract"
)

// Consumer handles delivered messages for one (outbox, method) pair. The
// stream is non-nil only for messages with a side-channel payload.
type Consumer interface {
	// OutboxID is the outbox this consumer drains.
	OutboxID() string

	// Method is the logical operation name this consumer handles.
	Method() string

	// Handle processes one message. Returning an error triggers the
	// delivery worker's failure classification; gRPC status errors select
	// between transient, retryable and permanent outcomes.
	Handle(ctx context.Context, content []byte, stream io.Reader) error
}

// HandlerFunc adapts a function to a Consumer.
type HandlerFunc struct {
	Outbox string
	Name   string
	Fn     func(ctx context.Context, content []byte, stream io.Reader) error
}

func (h HandlerFunc) OutboxID() string { return h.Outbox }
func (h HandlerFunc) Method() string   { return h.Name }
func (h HandlerFunc) Handle(ctx context.Context, content []byte, stream io.Reader) error {
	return h.Fn(ctx, content, stream)
}

// Registry maps (outbox id, method) to the consumer for it. Built
// explicitly at startup; resolution failures are permanent delivery
// failures.
type Registry struct {
	consumers map[consumerKey]Consumer
}

type consumerKey struct {
	outboxID string
	method   string
}

// NewRegistry returns a Registry with the given consumers registered.
func NewRegistry(consumers ...Consumer) *Registry {
	r := &Registry{consumers: make(map[consumerKey]Consumer)}
	for _, c := range consumers {
		r.Register(c)
	}
	return r
}

// Register adds a consumer, replacing any previous one for the same key.
func (r *Registry) Register(c Consumer) {
	r.consumers[consumerKey{c.OutboxID(), c.Method()}] = c
}

// Resolve returns the consumer for the given key.
func (r *Registry) Resolve(outboxID, method string) (Consumer, error) {
	c, ok := r.consumers[consumerKey{outboxID, method}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", tract.ErrNoConsumer, outboxID, method)
	}
	return c, nil
}
