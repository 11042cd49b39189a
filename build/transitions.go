package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/engine"
	"github.com/craterlabs/tract/store"
)

// Notifier queues outbound job notifications for the external platform.
// Implementations must participate in the ambient store transaction
// carried by ctx, so a recorded state change and its notification commit
// or roll back together.
type Notifier interface {
	JobStarted(ctx context.Context, buildID string) error
	JobCompleted(ctx context.Context, buildID string) error
	JobCanceled(ctx context.Context, buildID string) error
	JobFaulted(ctx context.Context, buildID, message string) error
	JobRestarting(ctx context.Context, buildID string) error
}

// Transitions applies the conditional state changes of the build
// lifecycle. Every transition is a single atomic store update; racing
// callers are resolved by the store, never by in-process locks.
type Transitions struct {
	engines  store.Repository[*engine.Engine]
	builds   store.Repository[*Build]
	tx       store.Transactor
	notifier Notifier
	logger   *slog.Logger
	clock    func() time.Time
}

// TransitionsOption configures Transitions.
type TransitionsOption func(*Transitions)

// WithTransitionsLogger sets the logger.
func WithTransitionsLogger(logger *slog.Logger) TransitionsOption {
	return func(t *Transitions) { t.logger = logger }
}

// WithTransitionsClock overrides the time source. Used in tests.
func WithTransitionsClock(clock func() time.Time) TransitionsOption {
	return func(t *Transitions) { t.clock = clock }
}

// NewTransitions builds the transition service.
func NewTransitions(
	engines store.Repository[*engine.Engine],
	builds store.Repository[*Build],
	tx store.Transactor,
	notifier Notifier,
	opts ...TransitionsOption,
) *Transitions {
	t := &Transitions{
		engines:  engines,
		builds:   builds,
		tx:       tx,
		notifier: notifier,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Started flips the build's stage from Pending to Active. It returns nil
// with no error when the flip fails because the build is gone or no
// longer Pending, which the stage executor treats as canceled.
func (t *Transitions) Started(ctx context.Context, buildID string) (*Build, error) {
	now := t.clock().UTC()
	b, err := t.builds.Update(ctx,
		store.And(store.ByID(buildID), store.Eq("stage_state", StageStatePending)),
		store.NewUpdate().
			Set("stage_state", StageStateActive).
			Set("date_started", &now))
	if errors.Is(err, tract.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("build: mark started: %w", err)
	}
	if err := t.notifier.JobStarted(ctx, buildID); err != nil {
		return nil, fmt.Errorf("build: notify started: %w", err)
	}
	t.logger.Info("build stage started",
		slog.String("build_id", buildID),
		slog.String("stage", string(b.Stage)))
	return b, nil
}

// Finished records a completed build: stage fields cleared, finish time
// set, the owning engine's build revision bumped and its segment-pair
// collection flag cleared, and the completion notification queued. All in
// one transaction.
func (t *Transitions) Finished(ctx context.Context, engineID, buildID string) error {
	now := t.clock().UTC()
	err := t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.builds.Update(ctx, store.ByID(buildID),
			store.NewUpdate().
				Unset("stage_id").
				Unset("stage_state").
				Set("date_finished", &now).
				Set("percent_completed", 1.0)); err != nil {
			return err
		}
		if _, err := t.engines.Update(ctx, store.ByID(engineID),
			store.NewUpdate().
				Inc("build_revision", 1).
				Unset("collect_segment_pairs")); err != nil {
			return err
		}
		return t.notifier.JobCompleted(ctx, buildID)
	})
	if err != nil {
		return fmt.Errorf("build: mark finished: %w", err)
	}
	t.logger.Info("build finished", slog.String("build_id", buildID))
	return nil
}

// Canceled records an explicit cancellation: stage fields cleared, finish
// time set, cancellation notification queued. A missing build is a benign
// race (already cleaned up) and not an error.
func (t *Transitions) Canceled(ctx context.Context, buildID string) error {
	now := t.clock().UTC()
	err := t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.builds.Update(ctx, store.ByID(buildID),
			store.NewUpdate().
				Unset("stage_id").
				Unset("stage_state").
				Set("date_finished", &now)); err != nil {
			return err
		}
		return t.notifier.JobCanceled(ctx, buildID)
	})
	if errors.Is(err, tract.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("build: mark canceled: %w", err)
	}
	t.logger.Info("build canceled", slog.String("build_id", buildID))
	return nil
}

// Faulted records a failed build with the original error text and queues
// the fault notification.
func (t *Transitions) Faulted(ctx context.Context, buildID, message string) error {
	now := t.clock().UTC()
	err := t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.builds.Update(ctx, store.ByID(buildID),
			store.NewUpdate().
				Unset("stage_id").
				Unset("stage_state").
				Set("message", message).
				Set("date_finished", &now)); err != nil {
			return err
		}
		return t.notifier.JobFaulted(ctx, buildID, message)
	})
	if err != nil {
		return fmt.Errorf("build: mark faulted: %w", err)
	}
	t.logger.Error("build faulted",
		slog.String("build_id", buildID),
		slog.String("message", message))
	return nil
}

// Restarting parks a stage interrupted by process shutdown: the stage
// state goes back to Pending so the orchestration layer reschedules it,
// and the restart notification is queued.
func (t *Transitions) Restarting(ctx context.Context, buildID string) error {
	err := t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.builds.Update(ctx, store.ByID(buildID),
			store.NewUpdate().
				Set("stage_state", StageStatePending).
				Unset("date_started")); err != nil {
			return err
		}
		return t.notifier.JobRestarting(ctx, buildID)
	})
	if err != nil {
		return fmt.Errorf("build: mark restarting: %w", err)
	}
	t.logger.Info("build restarting", slog.String("build_id", buildID))
	return nil
}

// Cancel moves a build toward cancellation and reports which state it was
// in. A Pending stage never started on the worker, so it is canceled
// outright here; an Active stage is flagged Canceling and the running
// executor finishes the job when it observes the flag.
func (t *Transitions) Cancel(ctx context.Context, buildID string) (StageState, error) {
	now := t.clock().UTC()

	err := t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.builds.Update(ctx,
			store.And(store.ByID(buildID), store.Eq("stage_state", StageStatePending)),
			store.NewUpdate().
				Unset("stage_id").
				Unset("stage_state").
				Set("date_finished", &now)); err != nil {
			return err
		}
		return t.notifier.JobCanceled(ctx, buildID)
	})
	if err == nil {
		t.logger.Info("pending build canceled", slog.String("build_id", buildID))
		return StageStatePending, nil
	}
	if !errors.Is(err, tract.ErrNotFound) {
		return StageStateNone, fmt.Errorf("build: cancel pending: %w", err)
	}

	_, err = t.builds.Update(ctx,
		store.And(store.ByID(buildID), store.Eq("stage_state", StageStateActive)),
		store.NewUpdate().Set("stage_state", StageStateCanceling))
	if err == nil {
		t.logger.Info("active build canceling", slog.String("build_id", buildID))
		return StageStateActive, nil
	}
	if !errors.Is(err, tract.ErrNotFound) {
		return StageStateNone, fmt.Errorf("build: cancel active: %w", err)
	}

	exists, err := t.builds.Exists(ctx, store.ByID(buildID))
	if err != nil {
		return StageStateNone, fmt.Errorf("build: cancel: %w", err)
	}
	if !exists {
		return StageStateNone, fmt.Errorf("%w: %s", tract.ErrBuildNotFound, buildID)
	}
	return StageStateNone, fmt.Errorf("%w: build %s has no cancelable stage", tract.ErrInvalidState, buildID)
}

// revertCanceling undoes a Canceling flag when the worker turned out not
// to support cancellation. Conditional, so a stage that already observed
// the flag wins the race.
func (t *Transitions) revertCanceling(ctx context.Context, buildID string) error {
	_, err := t.builds.Update(ctx,
		store.And(store.ByID(buildID), store.Eq("stage_state", StageStateCanceling)),
		store.NewUpdate().Set("stage_state", StageStateActive))
	if errors.Is(err, tract.ErrNotFound) {
		return nil
	}
	return err
}
