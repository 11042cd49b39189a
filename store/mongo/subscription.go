package mongo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/store"
)

// changeEvent is the subset of a change stream document the subscription
// needs.
type changeEvent[T tract.Entity] struct {
	OperationType string `bson:"operationType"`
	FullDocument  T      `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// subscription rides a change stream cursor opened at subscription time.
// Events are matched client-side: a subscription with no current entity
// attaches to the first insert/update matching its filter; one tracking
// an entity follows it by id until deletion.
type subscription[T tract.Entity] struct {
	cs     *mongod.ChangeStream
	filter store.Filter
	logger *slog.Logger

	mu     sync.Mutex
	change store.EntityChange[T]

	lifetime context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

func newSubscription[T tract.Entity](
	cs *mongod.ChangeStream,
	filter store.Filter,
	initial store.EntityChange[T],
	logger *slog.Logger,
) *subscription[T] {
	lifetime, cancel := context.WithCancel(context.Background())
	return &subscription[T]{
		cs:       cs,
		filter:   filter,
		logger:   logger,
		change:   initial,
		lifetime: lifetime,
		cancel:   cancel,
	}
}

func (s *subscription[T]) Change() store.EntityChange[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.change
}

func (s *subscription[T]) WaitForChange(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := mergeContexts(ctx, s.lifetime)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeout(waitCtx, timeout)
		defer cancelTimeout()
	}

	for s.cs.Next(waitCtx) {
		var ev changeEvent[T]
		if err := s.cs.Decode(&ev); err != nil {
			s.logger.Warn("change stream decode failure", slog.String("error", err.Error()))
			continue
		}
		if change, ok := s.apply(ev); ok {
			s.setChange(change)
			return nil
		}
	}

	if err := s.cs.Err(); err != nil {
		switch {
		case s.lifetime.Err() != nil:
			return tract.ErrSubscriptionClosed
		case ctx.Err() != nil:
			return ctx.Err()
		case waitCtx.Err() == context.DeadlineExceeded:
			s.setChange(store.EntityChange[T]{Type: store.ChangeNone})
			return nil
		default:
			return err
		}
	}
	return nil
}

// apply maps a raw change stream event to this subscription's next change.
func (s *subscription[T]) apply(ev changeEvent[T]) (store.EntityChange[T], bool) {
	var changeType store.ChangeType
	switch ev.OperationType {
	case "insert":
		changeType = store.ChangeInsert
	case "update", "replace":
		changeType = store.ChangeUpdate
	case "delete":
		changeType = store.ChangeDelete
	default:
		return store.EntityChange[T]{}, false
	}

	cur := s.Change()
	if store.IsNilEntity(cur.Entity) {
		if changeType == store.ChangeDelete || store.IsNilEntity(ev.FullDocument) {
			return store.EntityChange[T]{}, false
		}
		if !s.filter.Matches(ev.FullDocument) {
			return store.EntityChange[T]{}, false
		}
		return store.EntityChange[T]{Type: changeType, Entity: ev.FullDocument}, true
	}
	if ev.DocumentKey.ID != cur.Entity.EntityID() {
		return store.EntityChange[T]{}, false
	}
	if changeType == store.ChangeDelete {
		var zero T
		return store.EntityChange[T]{Type: store.ChangeDelete, Entity: zero}, true
	}
	if store.IsNilEntity(ev.FullDocument) ||
		ev.FullDocument.EntityRevision() <= cur.Entity.EntityRevision() {
		return store.EntityChange[T]{}, false
	}
	return store.EntityChange[T]{Type: changeType, Entity: ev.FullDocument}, true
}

func (s *subscription[T]) setChange(change store.EntityChange[T]) {
	s.mu.Lock()
	s.change = change
	s.mu.Unlock()
}

func (s *subscription[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		if err := s.cs.Close(context.Background()); err != nil {
			s.logger.Warn("change stream close failure", slog.String("error", err.Error()))
		}
	})
}

// mergeContexts returns a context cancelled when either parent is done.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
