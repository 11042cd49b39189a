package outbox_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/outbox"
	"github.com/craterlabs/tract/store"
	"github.com/craterlabs/tract/store/memory"
)

func newTestService(t *testing.T) (*outbox.Service, *memory.Repository[*outbox.Message], *outbox.MemBlobStore) {
	t.Helper()
	outboxes := memory.NewRepository[*outbox.Outbox]()
	messages := memory.NewRepository[*outbox.Message]()
	blobs := outbox.NewMemBlobStore()
	svc := outbox.NewService(outboxes, messages, blobs)
	return svc, messages, blobs
}

func TestService_Enqueue_AssignsSequentialIndices(t *testing.T) {
	svc, messages, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Enqueue(ctx, "platform", "JobStarted", "build1", "payload", nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	msgs, err := messages.GetAll(ctx, store.All())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	seen := make(map[int64]bool)
	for _, m := range msgs {
		seen[m.Index] = true
		if m.OutboxRef != "platform" {
			t.Errorf("OutboxRef = %q, want %q", m.OutboxRef, "platform")
		}
		if m.GroupID != "build1" {
			t.Errorf("GroupID = %q, want %q", m.GroupID, "build1")
		}
		if m.Created.IsZero() {
			t.Error("expected Created to be set")
		}
	}
	for i := int64(1); i <= 3; i++ {
		if !seen[i] {
			t.Errorf("missing index %d", i)
		}
	}
}

func TestService_Enqueue_IndependentCountersPerOutbox(t *testing.T) {
	svc, messages, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, "platform", "JobStarted", "g", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := svc.Enqueue(ctx, "audit", "JobStarted", "g", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := messages.GetAll(ctx, store.Eq("outbox_ref", "audit"))
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 audit message, got %d", len(msgs))
	}
	if msgs[0].Index != 1 {
		t.Errorf("Index = %d, want 1 (counters are per outbox)", msgs[0].Index)
	}
}

func TestService_Enqueue_RejectsOversizedContent(t *testing.T) {
	outboxes := memory.NewRepository[*outbox.Outbox]()
	messages := memory.NewRepository[*outbox.Message]()
	opts := outbox.DefaultOptions()
	opts.MaxContentSize = 16
	svc := outbox.NewService(outboxes, messages, outbox.NewMemBlobStore(),
		outbox.WithOptions(opts))

	_, err := svc.Enqueue(context.Background(), "platform", "InsertResults", "g",
		strings.Repeat("x", 64), nil)
	if !errors.Is(err, tract.ErrContentTooLarge) {
		t.Fatalf("expected ErrContentTooLarge, got %v", err)
	}
	n, err := messages.Count(context.Background(), store.All())
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no message persisted, got %d", n)
	}
}

func TestService_Enqueue_WritesStreamBeforeMessage(t *testing.T) {
	svc, messages, blobs := newTestService(t)
	ctx := context.Background()

	msgID, err := svc.Enqueue(ctx, "platform", "InsertResults", "build1",
		"header", strings.NewReader("large result rows"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := messages.Get(ctx, store.ByID(msgID))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !msg.HasContentStream {
		t.Error("expected HasContentStream to be set")
	}
	r, err := blobs.Open(msgID)
	if err != nil {
		t.Fatalf("Open blob: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "large result rows" {
		t.Errorf("blob = %q, want %q", data, "large result rows")
	}
}

// failingInsert forces Insert to fail so the blob cleanup path runs.
type failingInsert struct {
	*memory.Repository[*outbox.Message]
}

func (f *failingInsert) Insert(context.Context, *outbox.Message) error {
	return errors.New("store down")
}

func TestService_Enqueue_CleansUpBlobWhenInsertFails(t *testing.T) {
	outboxes := memory.NewRepository[*outbox.Outbox]()
	messages := &failingInsert{memory.NewRepository[*outbox.Message]()}
	blobs := outbox.NewMemBlobStore()
	svc := outbox.NewService(outboxes, messages, blobs)

	_, err := svc.Enqueue(context.Background(), "platform", "InsertResults", "g",
		nil, strings.NewReader("orphan"))
	if err == nil {
		t.Fatal("expected error from failing insert")
	}
	if blobs.Len() != 0 {
		t.Errorf("expected blob cleaned up, got %d blobs", blobs.Len())
	}
}
