package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/engine"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
)

// Service orchestrates build lifecycles: it creates builds, dispatches
// them to remote workers, cancels them, and answers revision-based
// long-poll queries.
type Service struct {
	engines     store.Repository[*engine.Engine]
	builds      store.Repository[*Build]
	workers     *engine.Registry
	transitions *Transitions

	longPollTimeout time.Duration
	logger          *slog.Logger
	clock           func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithLongPollTimeout bounds how long GetNewerRevision blocks.
func WithLongPollTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.longPollTimeout = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService builds the orchestration service.
func NewService(
	engines store.Repository[*engine.Engine],
	builds store.Repository[*Build],
	workers *engine.Registry,
	transitions *Transitions,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		engines:         engines,
		builds:          builds,
		workers:         workers,
		transitions:     transitions,
		longPollTimeout: tract.DefaultConfig().LongPollTimeout,
		logger:          slog.Default(),
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartBuild creates a build for the engine and dispatches it to the
// engine's worker. The entity is inserted first so it is observable
// immediately; if the worker call fails the insert is compensated with a
// delete and the error propagated. Only one unfinished build may exist
// per engine at a time.
func (s *Service) StartBuild(ctx context.Context, engineID string, options []byte) (*Build, error) {
	eng, err := s.engines.Get(ctx, store.ByID(engineID))
	if err != nil {
		if errors.Is(err, tract.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", tract.ErrEngineNotFound, engineID)
		}
		return nil, fmt.Errorf("build: load engine: %w", err)
	}
	worker, err := s.workers.Resolve(eng.Type)
	if err != nil {
		return nil, err
	}

	running, err := s.builds.Exists(ctx, store.And(
		store.Eq("engine_ref", engineID),
		store.In("stage_state", StageStatePending, StageStateActive, StageStateCanceling)))
	if err != nil {
		return nil, fmt.Errorf("build: check running builds: %w", err)
	}
	if running {
		return nil, fmt.Errorf("%w: engine %s already has an unfinished build", tract.ErrAlreadyExists, engineID)
	}

	b := &Build{
		Meta:        tract.Meta{ID: id.NewBuildID()},
		EngineRef:   engineID,
		Stage:       StagePreprocess,
		StageState:  StageStatePending,
		Options:     options,
		DateCreated: s.clock().UTC(),
	}
	if err := s.builds.Insert(ctx, b); err != nil {
		return nil, fmt.Errorf("build: insert: %w", err)
	}

	taskID, err := worker.StartBuild(ctx, engine.StartBuildRequest{
		EngineID: engineID,
		BuildID:  b.ID,
		Options:  options,
	})
	if err != nil {
		// Compensate: the build never reached the worker.
		cctx := context.WithoutCancel(ctx)
		if _, derr := s.builds.Delete(cctx, store.ByID(b.ID)); derr != nil {
			s.logger.Error("delete build after failed dispatch",
				slog.String("build_id", b.ID),
				slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("build: dispatch to worker: %w", err)
	}

	b, err = s.builds.Update(ctx, store.ByID(b.ID),
		store.NewUpdate().
			Set("stage_id", taskID).
			Set("initialized", true))
	if err != nil {
		return nil, fmt.Errorf("build: mark initialized: %w", err)
	}
	s.logger.Info("build started",
		slog.String("build_id", b.ID),
		slog.String("engine_id", engineID),
		slog.String("engine_type", eng.Type))
	return b, nil
}

// CancelBuild cancels the engine's unfinished build. A Pending build is
// finished as canceled locally and its queued worker task is stopped
// best-effort; an Active build is flagged Canceling and the worker told
// to stop it. Workers without cancellation support surface
// tract.ErrNotSupported and an Active build is left running.
func (s *Service) CancelBuild(ctx context.Context, buildID string) error {
	b, err := s.builds.Get(ctx, store.ByID(buildID))
	if err != nil {
		if errors.Is(err, tract.ErrNotFound) {
			return fmt.Errorf("%w: %s", tract.ErrBuildNotFound, buildID)
		}
		return fmt.Errorf("build: load: %w", err)
	}
	eng, err := s.engines.Get(ctx, store.ByID(b.EngineRef))
	if err != nil {
		return fmt.Errorf("build: load engine: %w", err)
	}
	worker, err := s.workers.Resolve(eng.Type)
	if err != nil {
		return err
	}

	state, err := s.transitions.Cancel(ctx, buildID)
	if err != nil {
		return err
	}

	switch state {
	case StageStatePending:
		// The build is already finished locally, but its task may still
		// sit in the worker's queue. Stop it there too so it never runs.
		cctx := context.WithoutCancel(ctx)
		if werr := worker.CancelBuild(cctx, b.EngineRef, b.StageID); werr != nil {
			if st, ok := status.FromError(werr); !ok || st.Code() != codes.Unimplemented {
				s.logger.Warn("stop queued task after cancel",
					slog.String("build_id", buildID),
					slog.String("task_id", b.StageID),
					slog.String("error", werr.Error()))
			}
		}
		return nil
	case StageStateActive:
		if err := worker.CancelBuild(ctx, b.EngineRef, b.StageID); err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == codes.Unimplemented {
				if rerr := s.transitions.revertCanceling(ctx, buildID); rerr != nil {
					return fmt.Errorf("build: revert canceling: %w", rerr)
				}
				return fmt.Errorf("%w: engine type %s", tract.ErrNotSupported, eng.Type)
			}
			return fmt.Errorf("build: cancel on worker: %w", err)
		}
	}
	return nil
}

// GetBuild returns the build by id.
func (s *Service) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	b, err := s.builds.Get(ctx, store.ByID(buildID))
	if errors.Is(err, tract.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", tract.ErrBuildNotFound, buildID)
	}
	return b, err
}

// GetNewerRevision blocks until the build's revision reaches minRevision,
// the build is deleted, or the long-poll timeout elapses. A timeout is a
// normal outcome reported as a ChangeNone change, not an error.
func (s *Service) GetNewerRevision(ctx context.Context, buildID string, minRevision int64) (store.EntityChange[*Build], error) {
	return store.GetNewerRevision(ctx, s.builds, store.ByID(buildID), minRevision, s.longPollTimeout)
}

// GetActiveNewerRevision is GetNewerRevision over the engine's current
// unfinished build, whichever build that is.
func (s *Service) GetActiveNewerRevision(ctx context.Context, engineID string, minRevision int64) (store.EntityChange[*Build], error) {
	filter := store.And(
		store.Eq("engine_ref", engineID),
		store.In("stage_state", StageStatePending, StageStateActive, StageStateCanceling))
	return store.GetNewerRevision(ctx, s.builds, filter, minRevision, s.longPollTimeout)
}

// UpdateProgress records worker-reported progress on an Active build.
// A missing or no-longer-active build is a benign race.
func (s *Service) UpdateProgress(ctx context.Context, buildID string, queueDepth int, percentCompleted float64) error {
	_, err := s.builds.Update(ctx,
		store.And(store.ByID(buildID),
			store.In("stage_state", StageStateActive, StageStateCanceling)),
		store.NewUpdate().
			Set("queue_depth", queueDepth).
			Set("percent_completed", percentCompleted))
	if errors.Is(err, tract.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteAllForEngine removes every build belonging to an engine. Used
// when the engine itself is deleted.
func (s *Service) DeleteAllForEngine(ctx context.Context, engineID string) error {
	n, err := s.builds.DeleteAll(ctx, store.Eq("engine_ref", engineID))
	if err != nil {
		return fmt.Errorf("build: delete for engine %s: %w", engineID, err)
	}
	if n > 0 {
		s.logger.Info("deleted builds for engine",
			slog.String("engine_id", engineID),
			slog.Int64("count", n))
	}
	return nil
}
