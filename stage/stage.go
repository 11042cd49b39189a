// Package stage runs one step of a build pipeline through its state
// machine. The executor is generic over the stage's payload type; every
// pipeline step reuses it unchanged, differing only in payload and work
// function.
//
// The executor is the single place where the two cancellation sources
// are told apart: an explicit cancel request leaves StageState=Canceling
// on the build before the work function observes ctx cancellation, while
// a process shutdown fires ctx without that flag. Conflating the two
// either loses jobs or leaves ghost canceling builds.
package stage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/build"
	"github.com/craterlabs/tract/store"
)

// CompletionStatus is the outcome of one stage execution attempt.
type CompletionStatus int

const (
	CompletionCompleted CompletionStatus = iota
	CompletionFaulted
	CompletionCanceled

	// CompletionRestarting is not terminal: the stage went back to
	// Pending because the process shut down, and must be rescheduled.
	CompletionRestarting
)

func (s CompletionStatus) String() string {
	switch s {
	case CompletionCompleted:
		return "completed"
	case CompletionFaulted:
		return "faulted"
	case CompletionCanceled:
		return "canceled"
	case CompletionRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Job is one stage's behavior. Initialize validates preconditions before
// the build is touched; DoWork performs the stage against the payload and
// must return promptly once ctx is cancelled; Cleanup always runs last
// with the final status. A Cleanup implementation must not release
// resources the next attempt will reuse when the status is
// CompletionRestarting.
type Job[T any] interface {
	Initialize(ctx context.Context, payload T) error
	DoWork(ctx context.Context, b *build.Build, payload T) error
	Cleanup(ctx context.Context, status CompletionStatus) error
}

// Executor runs stage jobs through the build state machine.
type Executor[T any] struct {
	builds      store.Repository[*build.Build]
	transitions *build.Transitions
	logger      *slog.Logger
}

// Option configures an Executor.
type Option[T any] func(*Executor[T])

// WithLogger sets the executor logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(e *Executor[T]) { e.logger = logger }
}

// NewExecutor builds a stage executor.
func NewExecutor[T any](
	builds store.Repository[*build.Build],
	transitions *build.Transitions,
	opts ...Option[T],
) *Executor[T] {
	e := &Executor[T]{
		builds:      builds,
		transitions: transitions,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one stage attempt. On success the status is Completed and
// chaining to the next stage (or finishing the build) is the job's own
// responsibility inside DoWork. Cancellation and faults transition the
// build and queue the matching notification before the original error is
// re-raised; a Restarting outcome re-raises ctx's error so the caller's
// scheduler requeues the stage.
func (e *Executor[T]) Run(ctx context.Context, buildID string, payload T, job Job[T]) (CompletionStatus, error) {
	status := CompletionCanceled
	defer func() {
		cctx := context.WithoutCancel(ctx)
		if cerr := job.Cleanup(cctx, status); cerr != nil {
			e.logger.Error("stage cleanup",
				slog.String("build_id", buildID),
				slog.String("status", status.String()),
				slog.String("error", cerr.Error()))
		}
	}()

	if err := job.Initialize(ctx, payload); err != nil {
		status, err = e.resolve(ctx, buildID, err)
		return status, err
	}

	b, err := e.transitions.Started(ctx, buildID)
	if err != nil {
		status, err = e.resolve(ctx, buildID, err)
		return status, err
	}
	if b == nil {
		// The Pending flip failed: the build was canceled or removed
		// before this attempt ran. No work was performed.
		status = CompletionCanceled
		return status, nil
	}

	if err := job.DoWork(ctx, b, payload); err != nil {
		status, err = e.resolve(ctx, buildID, err)
		return status, err
	}
	status = CompletionCompleted
	return status, nil
}

// resolve classifies a failed attempt. Cancellation is disambiguated by
// re-reading the build's stage state; anything else is a fault.
func (e *Executor[T]) resolve(ctx context.Context, buildID string, werr error) (CompletionStatus, error) {
	cctx := context.WithoutCancel(ctx)

	if ctx.Err() != nil || errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
		b, gerr := e.builds.Get(cctx, store.ByID(buildID))
		if gerr != nil {
			if errors.Is(gerr, tract.ErrNotFound) {
				// Already cleaned up elsewhere.
				return CompletionCanceled, nil
			}
			return CompletionCanceled, gerr
		}
		if b.StageState == build.StageStateCanceling {
			if terr := e.transitions.Canceled(cctx, buildID); terr != nil {
				return CompletionCanceled, terr
			}
			return CompletionCanceled, nil
		}
		// Shutdown, not an explicit cancel: park the stage and let the
		// caller's scheduler requeue it.
		if terr := e.transitions.Restarting(cctx, buildID); terr != nil {
			return CompletionRestarting, terr
		}
		return CompletionRestarting, werr
	}

	if terr := e.transitions.Faulted(cctx, buildID, werr.Error()); terr != nil {
		e.logger.Error("record stage fault",
			slog.String("build_id", buildID),
			slog.String("error", terr.Error()))
	}
	return CompletionFaulted, werr
}
