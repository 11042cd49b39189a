package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/craterlabs/tract/store"
)

// DeliveryService drains outbox messages to their consumers. Unrelated
// groups fail independently; within a group messages are delivered
// strictly in index order and a failure blocks everything behind it. A
// permanent failure poisons its group: later messages stay queued and
// are never delivered out of order.
type DeliveryService struct {
	outboxes store.Repository[*Outbox]
	messages store.Repository[*Message]
	registry *Registry
	blobs    BlobStore
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time

	delivered metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
}

// DeliveryOption configures a DeliveryService.
type DeliveryOption func(*DeliveryService)

// WithDeliveryLogger sets the logger for the delivery service.
func WithDeliveryLogger(logger *slog.Logger) DeliveryOption {
	return func(d *DeliveryService) { d.logger = logger }
}

// WithDeliveryOptions overrides the default delivery options.
func WithDeliveryOptions(opts Options) DeliveryOption {
	return func(d *DeliveryService) { d.opts = opts }
}

// WithDeliveryClock overrides the time source. Used in tests.
func WithDeliveryClock(clock func() time.Time) DeliveryOption {
	return func(d *DeliveryService) { d.clock = clock }
}

// NewDeliveryService builds a delivery service over the outbox and
// message repositories, consumer registry and blob store.
func NewDeliveryService(
	outboxes store.Repository[*Outbox],
	messages store.Repository[*Message],
	registry *Registry,
	blobs BlobStore,
	opts ...DeliveryOption,
) *DeliveryService {
	meter := otel.Meter("github.com/craterlabs/tract/outbox")
	delivered, _ := meter.Int64Counter("outbox.messages.delivered",
		metric.WithDescription("Messages delivered and removed from the outbox"))
	retried, _ := meter.Int64Counter("outbox.messages.retried",
		metric.WithDescription("Delivery attempts that failed with a retryable error"))
	failed, _ := meter.Int64Counter("outbox.messages.failed",
		metric.WithDescription("Messages dropped after a permanent delivery failure"))

	d := &DeliveryService{
		outboxes:  outboxes,
		messages:  messages,
		registry:  registry,
		blobs:     blobs,
		opts:      DefaultOptions(),
		logger:    slog.Default(),
		clock:     time.Now,
		delivered: delivered,
		retried:   retried,
		failed:    failed,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains the outbox until ctx is cancelled. A change subscription
// wakes the loop when new messages arrive. After a failed pass the loop
// sleeps through a delay that doubles from RetryDelay up to
// MaxRetryDelay and resets once a pass completes cleanly; the sleep
// ignores the subscription because a failed pass's own store writes
// would wake it immediately.
func (d *DeliveryService) Run(ctx context.Context) error {
	sub, err := d.messages.Subscribe(ctx, store.All())
	if err != nil {
		return fmt.Errorf("outbox: subscribe to messages: %w", err)
	}
	defer sub.Close()

	delay := d.opts.RetryDelay
	for {
		ok, err := d.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if ok {
			delay = d.opts.RetryDelay
			if err := sub.WaitForChange(ctx, delay); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		delay = min(delay*2, d.opts.MaxRetryDelay)
	}
}

// ProcessOnce makes one pass over all queued messages, delivering each
// group in index order. It reports false when any delivery in the pass
// failed, signalling the caller to back off. A transient consumer
// failure additionally aborts the rest of the pass.
func (d *DeliveryService) ProcessOnce(ctx context.Context) (bool, error) {
	msgs, err := d.messages.GetAll(ctx, store.All())
	if err != nil {
		return false, fmt.Errorf("outbox: load messages: %w", err)
	}
	poisoned, err := d.poisonedGroups(ctx)
	if err != nil {
		return false, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Index < msgs[j].Index })

	groups := make(map[groupKey][]*Message)
	var order []groupKey
	for _, m := range msgs {
		k := groupKey{m.OutboxRef, m.GroupID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}

	clean := true
	for _, k := range order {
		if poisoned[k] {
			continue
		}
		res, err := d.processGroup(ctx, groups[k])
		if err != nil {
			return false, err
		}
		switch res {
		case groupAborted:
			return false, nil
		case groupFailed:
			clean = false
		}
	}
	return clean, nil
}

type groupKey struct {
	outboxRef string
	groupID   string
}

// poisonedGroups collects the groups no longer eligible for delivery.
func (d *DeliveryService) poisonedGroups(ctx context.Context) (map[groupKey]bool, error) {
	outboxes, err := d.outboxes.GetAll(ctx, store.Exists("poisoned_groups", true))
	if err != nil {
		return nil, fmt.Errorf("outbox: load poisoned groups: %w", err)
	}
	poisoned := make(map[groupKey]bool)
	for _, ob := range outboxes {
		for _, g := range ob.PoisonedGroups {
			poisoned[groupKey{ob.ID, g}] = true
		}
	}
	return poisoned, nil
}

type groupResult int

const (
	groupDone groupResult = iota
	groupFailed
	groupAborted
)

// processGroup delivers one group's messages in order. A retryable or
// permanent failure ends the group; a transient failure aborts the whole
// pass.
func (d *DeliveryService) processGroup(ctx context.Context, msgs []*Message) (groupResult, error) {
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return groupAborted, nil
		}
		outcome, err := d.attempt(ctx, msg)
		if err != nil {
			return groupFailed, err
		}
		switch outcome {
		case outcomeDelivered:
			continue
		case outcomeTransient:
			return groupAborted, nil
		case outcomeRetry, outcomePermanent:
			return groupFailed, nil
		}
	}
	return groupDone, nil
}

type attemptOutcome int

const (
	outcomeDelivered attemptOutcome = iota
	outcomeTransient
	outcomeRetry
	outcomePermanent
)

func (d *DeliveryService) attempt(ctx context.Context, msg *Message) (attemptOutcome, error) {
	consumer, err := d.registry.Resolve(msg.OutboxRef, msg.Method)
	if err != nil {
		// No consumer registered is a wiring bug; drop the message so
		// the group is not blocked forever.
		return d.fail(ctx, msg, err)
	}

	var stream io.ReadCloser
	if msg.HasContentStream {
		stream, err = d.blobs.Open(msg.ID)
		if err != nil {
			return d.fail(ctx, msg, fmt.Errorf("open content stream: %w", err))
		}
		defer stream.Close()
	}

	var reader io.Reader
	if stream != nil {
		reader = stream
	}
	herr := consumer.Handle(ctx, msg.Content, reader)
	if herr == nil {
		if err := d.remove(ctx, msg); err != nil {
			return outcomeDelivered, err
		}
		d.delivered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outbox", msg.OutboxRef),
			attribute.String("method", msg.Method)))
		return outcomeDelivered, nil
	}
	if ctx.Err() != nil {
		return outcomeTransient, nil
	}
	return d.classify(ctx, msg, herr)
}

// classify maps a consumer error onto a delivery outcome. Availability
// and auth failures are environmental and pause the whole worker;
// contention and deadline errors retry this message until it expires;
// everything else is a permanent failure.
func (d *DeliveryService) classify(ctx context.Context, msg *Message, herr error) (attemptOutcome, error) {
	st, ok := status.FromError(herr)
	if !ok {
		return d.fail(ctx, msg, herr)
	}
	switch st.Code() {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.Canceled:
		d.logger.Warn("outbox consumer unavailable",
			slog.String("message_id", msg.ID),
			slog.String("method", msg.Method),
			slog.String("code", st.Code().String()),
			slog.String("error", herr.Error()))
		return outcomeTransient, nil
	case codes.Aborted, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted, codes.Unknown:
		if d.clock().UTC().Sub(msg.Created) > d.opts.MessageExpiration {
			return d.fail(ctx, msg, fmt.Errorf("expired after %d attempts: %w", msg.Attempts, herr))
		}
		if _, err := d.messages.Update(ctx, store.ByID(msg.ID),
			store.NewUpdate().Inc("attempts", 1)); err != nil {
			return outcomeRetry, fmt.Errorf("outbox: record attempt: %w", err)
		}
		d.retried.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outbox", msg.OutboxRef),
			attribute.String("method", msg.Method)))
		d.logger.Warn("outbox delivery failed, will retry",
			slog.String("message_id", msg.ID),
			slog.String("method", msg.Method),
			slog.Int("attempts", msg.Attempts+1),
			slog.String("error", herr.Error()))
		return outcomeRetry, nil
	default:
		return d.fail(ctx, msg, herr)
	}
}

// fail drops a message after a permanent failure and poisons its group
// so the messages queued behind it are never delivered out of order.
func (d *DeliveryService) fail(ctx context.Context, msg *Message, herr error) (attemptOutcome, error) {
	d.logger.Error("outbox delivery failed permanently",
		slog.String("message_id", msg.ID),
		slog.String("outbox", msg.OutboxRef),
		slog.String("group_id", msg.GroupID),
		slog.String("method", msg.Method),
		slog.String("error", herr.Error()))
	if _, err := d.outboxes.Update(ctx, store.ByID(msg.OutboxRef),
		store.NewUpdate().Push("poisoned_groups", msg.GroupID),
		store.Upsert()); err != nil {
		return outcomePermanent, fmt.Errorf("outbox: poison group %s: %w", msg.GroupID, err)
	}
	if err := d.remove(ctx, msg); err != nil {
		return outcomePermanent, err
	}
	d.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outbox", msg.OutboxRef),
		attribute.String("method", msg.Method)))
	return outcomePermanent, nil
}

func (d *DeliveryService) remove(ctx context.Context, msg *Message) error {
	if _, err := d.messages.Delete(ctx, store.ByID(msg.ID)); err != nil {
		return fmt.Errorf("outbox: delete message %s: %w", msg.ID, err)
	}
	if msg.HasContentStream {
		if err := d.blobs.Delete(msg.ID); err != nil {
			d.logger.Error("delete message blob",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
