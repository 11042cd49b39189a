package store

import (
	"context"
	"reflect"
	"time"

	"github.com/craterlabs/tract"
)

// ChangeType tags an observed entity change. ChangeNone specifically
// denotes "no change observed before timeout", distinct from ChangeDelete.
type ChangeType int

const (
	ChangeNone ChangeType = iota
	ChangeInsert
	ChangeUpdate
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "none"
	}
}

// EntityChange carries the observed change and the new entity value. The
// entity is nil on delete, timeout, and for a subscription whose target
// does not exist yet.
type EntityChange[T tract.Entity] struct {
	Type   ChangeType
	Entity T
}

// Subscription observes changes to the first entity matching a filter. A
// subscription whose entity does not exist yet still observes its later
// creation without re-subscribing. Only one outstanding WaitForChange per
// handle is expected.
type Subscription[T tract.Entity] interface {
	// Change returns the most recently observed change. Directly after
	// Subscribe it reflects the entity's state at subscription time:
	// ChangeUpdate if the entity was found, ChangeDelete if not.
	Change() EntityChange[T]

	// WaitForChange blocks until a matching change occurs or timeout
	// elapses. On timeout, Change becomes the ChangeNone change and nil is
	// returned. A timeout <= 0 waits until ctx is done. Cancelling ctx
	// unblocks the wait immediately with ctx's error.
	WaitForChange(ctx context.Context, timeout time.Duration) error

	// Close disposes the underlying feed cursor and unblocks any wait.
	Close()
}

// IsNilEntity reports whether a generic entity value is the nil pointer.
func IsNilEntity[T tract.Entity](entity T) bool {
	v := reflect.ValueOf(entity)
	return !v.IsValid() || (v.Kind() == reflect.Ptr && v.IsNil())
}

// GetNewerRevision blocks until the first entity matching filter reaches
// at least minRevision, then returns that change. It is the engine behind
// long-polling endpoints and is idempotent: if the target revision has
// already been reached it returns immediately.
//
// A delete always terminates the wait. On timeout the returned change has
// type ChangeNone, a normal outcome the caller maps to its own
// "timed out" signal.
func GetNewerRevision[T tract.Entity](
	ctx context.Context,
	repo Repository[T],
	filter Filter,
	minRevision int64,
	timeout time.Duration,
) (EntityChange[T], error) {
	sub, err := repo.Subscribe(ctx, filter)
	if err != nil {
		return EntityChange[T]{}, err
	}
	defer sub.Close()

	deadline := time.Now().Add(timeout)
	cur := sub.Change()
	if cur.Type == ChangeDelete && minRevision > 1 {
		return cur, nil
	}
	for {
		if !IsNilEntity(cur.Entity) &&
			cur.Type != ChangeDelete &&
			cur.Entity.EntityRevision() >= minRevision {
			return cur, nil
		}
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return EntityChange[T]{Type: ChangeNone}, nil
			}
		}
		if err := sub.WaitForChange(ctx, remaining); err != nil {
			return EntityChange[T]{}, err
		}
		cur = sub.Change()
		if cur.Type == ChangeDelete || cur.Type == ChangeNone {
			return cur, nil
		}
	}
}
