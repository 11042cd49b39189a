// Package platform reports build outcomes to the external system of
// record. Notifications are never sent inline: they are queued through
// the outbox in the same transaction as the state change they describe,
// and a delivery worker forwards them to the platform RPC client with
// at-least-once, per-build-ordered semantics.
package platform

import (
	"context"
	"fmt"
	"io"

	"github.com/craterlabs/tract/build"
	"github.com/craterlabs/tract/outbox"
)

// OutboxID names the outbox that carries platform notifications.
const OutboxID = "platform"

// Method names for platform notifications.
const (
	MethodJobStarted    = "JobStarted"
	MethodJobCompleted  = "JobCompleted"
	MethodJobCanceled   = "JobCanceled"
	MethodJobFaulted    = "JobFaulted"
	MethodJobRestarting = "JobRestarting"
	MethodInsertResults = "InsertResults"
)

// Client is the RPC surface of the external platform. Result streams are
// consumed fully before the call returns.
type Client interface {
	JobStarted(ctx context.Context, buildID string) error
	JobCompleted(ctx context.Context, buildID string) error
	JobCanceled(ctx context.Context, buildID string) error
	JobFaulted(ctx context.Context, buildID, message string) error
	JobRestarting(ctx context.Context, buildID string) error
	InsertResults(ctx context.Context, buildID string, results io.Reader) error
}

// notification is the serialized content of every platform message.
type notification struct {
	BuildID string `json:"build_id"`
	Message string `json:"message,omitempty"`
}

// Notifier queues platform notifications through the outbox. Messages
// for one build share a group, so the platform observes that build's
// events in order.
type Notifier struct {
	outbox *outbox.Service
}

var _ build.Notifier = (*Notifier)(nil)

// NewNotifier builds a Notifier over the outbox service.
func NewNotifier(svc *outbox.Service) *Notifier {
	return &Notifier{outbox: svc}
}

func (n *Notifier) enqueue(ctx context.Context, method, buildID, message string) error {
	_, err := n.outbox.Enqueue(ctx, OutboxID, method, buildID,
		notification{BuildID: buildID, Message: message}, nil)
	if err != nil {
		return fmt.Errorf("platform: queue %s: %w", method, err)
	}
	return nil
}

func (n *Notifier) JobStarted(ctx context.Context, buildID string) error {
	return n.enqueue(ctx, MethodJobStarted, buildID, "")
}

func (n *Notifier) JobCompleted(ctx context.Context, buildID string) error {
	return n.enqueue(ctx, MethodJobCompleted, buildID, "")
}

func (n *Notifier) JobCanceled(ctx context.Context, buildID string) error {
	return n.enqueue(ctx, MethodJobCanceled, buildID, "")
}

func (n *Notifier) JobFaulted(ctx context.Context, buildID, message string) error {
	return n.enqueue(ctx, MethodJobFaulted, buildID, message)
}

func (n *Notifier) JobRestarting(ctx context.Context, buildID string) error {
	return n.enqueue(ctx, MethodJobRestarting, buildID, "")
}

// InsertResults queues a result batch for the build. The record stream
// goes to the outbox's side channel, keeping the message itself small.
func (n *Notifier) InsertResults(ctx context.Context, buildID string, results io.Reader) error {
	_, err := n.outbox.Enqueue(ctx, OutboxID, MethodInsertResults, buildID,
		notification{BuildID: buildID}, results)
	if err != nil {
		return fmt.Errorf("platform: queue %s: %w", MethodInsertResults, err)
	}
	return nil
}

// Consumers returns the outbox consumers that forward queued platform
// notifications to the client. Register them all with the delivery
// worker's registry at startup.
func Consumers(client Client, codec outbox.Codec) []outbox.Consumer {
	if codec == nil {
		codec = &outbox.JSONCodec{}
	}
	forward := func(method string, fn func(ctx context.Context, n notification, stream io.Reader) error) outbox.Consumer {
		return outbox.HandlerFunc{
			Outbox: OutboxID,
			Name:   method,
			Fn: func(ctx context.Context, content []byte, stream io.Reader) error {
				var n notification
				if err := codec.Decode(content, &n); err != nil {
					return fmt.Errorf("platform: decode %s: %w", method, err)
				}
				return fn(ctx, n, stream)
			},
		}
	}
	return []outbox.Consumer{
		forward(MethodJobStarted, func(ctx context.Context, n notification, _ io.Reader) error {
			return client.JobStarted(ctx, n.BuildID)
		}),
		forward(MethodJobCompleted, func(ctx context.Context, n notification, _ io.Reader) error {
			return client.JobCompleted(ctx, n.BuildID)
		}),
		forward(MethodJobCanceled, func(ctx context.Context, n notification, _ io.Reader) error {
			return client.JobCanceled(ctx, n.BuildID)
		}),
		forward(MethodJobFaulted, func(ctx context.Context, n notification, _ io.Reader) error {
			return client.JobFaulted(ctx, n.BuildID, n.Message)
		}),
		forward(MethodJobRestarting, func(ctx context.Context, n notification, _ io.Reader) error {
			return client.JobRestarting(ctx, n.BuildID)
		}),
		forward(MethodInsertResults, func(ctx context.Context, n notification, stream io.Reader) error {
			return client.InsertResults(ctx, n.BuildID, stream)
		}),
	}
}
