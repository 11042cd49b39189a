package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
)

// Service enqueues messages for reliable, per-group ordered delivery.
type Service struct {
	outboxes store.Repository[*Outbox]
	messages store.Repository[*Message]
	blobs    BlobStore
	codec    Codec
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithCodec sets the content codec. Defaults to JSON.
func WithCodec(c Codec) ServiceOption {
	return func(s *Service) { s.codec = c }
}

// WithOptions overrides the default service options.
func WithOptions(opts Options) ServiceOption {
	return func(s *Service) { s.opts = opts }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService builds an outbox service over the given repositories and
// blob store.
func NewService(
	outboxes store.Repository[*Outbox],
	messages store.Repository[*Message],
	blobs BlobStore,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		outboxes: outboxes,
		messages: messages,
		blobs:    blobs,
		codec:    &JSONCodec{},
		opts:     DefaultOptions(),
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue serializes content, claims the next index in the outbox's
// ordered sequence and persists the message. If stream is non-nil its
// bytes are stored in the blob store under the message id before the
// message is inserted, and removed again if the insert fails. Returns
// the id of the new message.
func (s *Service) Enqueue(ctx context.Context, outboxID, method, groupID string, content any, stream io.Reader) (string, error) {
	encoded, err := s.codec.Encode(content)
	if err != nil {
		return "", fmt.Errorf("outbox: encode content: %w", err)
	}
	if len(encoded) > s.opts.MaxContentSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit %d",
			tract.ErrContentTooLarge, len(encoded), s.opts.MaxContentSize)
	}

	// Claim the next index. The upsert makes first use of an outbox
	// self-registering.
	ob, err := s.outboxes.Update(ctx, store.ByID(outboxID),
		store.NewUpdate().Inc("current_index", 1),
		store.Upsert())
	if err != nil {
		return "", fmt.Errorf("outbox: claim index for %s: %w", outboxID, err)
	}

	msg := &Message{
		Meta:             tract.Meta{ID: id.NewMessageID()},
		Index:            ob.CurrentIndex,
		OutboxRef:        outboxID,
		Method:           method,
		GroupID:          groupID,
		Content:          encoded,
		HasContentStream: stream != nil,
		Created:          s.clock().UTC(),
	}

	if stream != nil {
		if err := s.writeBlob(msg.ID, stream); err != nil {
			return "", err
		}
	}

	if err := s.messages.Insert(ctx, msg); err != nil {
		if stream != nil {
			if derr := s.blobs.Delete(msg.ID); derr != nil {
				s.logger.Error("delete orphaned message blob",
					slog.String("message_id", msg.ID),
					slog.String("error", derr.Error()))
			}
		}
		return "", fmt.Errorf("outbox: insert message: %w", err)
	}

	s.logger.Debug("enqueued outbox message",
		slog.String("message_id", msg.ID),
		slog.String("outbox", outboxID),
		slog.String("method", method),
		slog.String("group", groupID),
		slog.Int64("index", msg.Index))
	return msg.ID, nil
}

func (s *Service) writeBlob(msgID string, stream io.Reader) error {
	w, err := s.blobs.Create(msgID)
	if err != nil {
		return fmt.Errorf("outbox: create blob: %w", err)
	}
	if _, err := io.Copy(w, stream); err != nil {
		w.Close()
		if derr := s.blobs.Delete(msgID); derr != nil {
			s.logger.Error("delete partial message blob",
				slog.String("message_id", msgID),
				slog.String("error", derr.Error()))
		}
		return fmt.Errorf("outbox: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("outbox: close blob: %w", err)
	}
	return nil
}
