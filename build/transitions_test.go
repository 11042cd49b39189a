package build_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/build"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
)

func (f *fixture) newActiveBuild(t *testing.T) *build.Build {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	b, err = f.transitions.Started(ctx, b.ID)
	if err != nil {
		t.Fatalf("Started: %v", err)
	}
	return b
}

func TestTransitions_Started_SetsActiveAndTimestamp(t *testing.T) {
	f := newFixture(t)
	b := f.newActiveBuild(t)

	if b.StageState != build.StageStateActive {
		t.Errorf("StageState = %q, want active", b.StageState)
	}
	if b.DateStarted == nil {
		t.Error("expected DateStarted set")
	}
	calls := f.notifier.calls()
	if len(calls) != 1 || calls[0] != "started" {
		t.Errorf("notifications = %v, want [started]", calls)
	}
}

func TestTransitions_Started_MissingBuildMeansCanceled(t *testing.T) {
	f := newFixture(t)

	b, err := f.transitions.Started(context.Background(), id.NewBuildID())
	if err != nil {
		t.Fatalf("Started: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil build for missing id, got %+v", b)
	}
}

func TestTransitions_Finished_BumpsEngineBuildRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The engine was collecting segment pairs for this build.
	if _, err := f.engines.Update(ctx, store.ByID(f.engineID),
		store.NewUpdate().Set("collect_segment_pairs", true)); err != nil {
		t.Fatalf("update engine: %v", err)
	}
	b := f.newActiveBuild(t)

	if err := f.transitions.Finished(ctx, f.engineID, b.ID); err != nil {
		t.Fatalf("Finished: %v", err)
	}

	got, err := f.builds.Get(ctx, store.ByID(b.ID))
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.StageState != build.StageStateNone || got.StageID != "" {
		t.Errorf("stage fields = (%q, %q), want cleared", got.StageState, got.StageID)
	}
	if got.DateFinished == nil {
		t.Error("expected DateFinished set")
	}
	if got.PercentCompleted != 1.0 {
		t.Errorf("PercentCompleted = %v, want 1.0", got.PercentCompleted)
	}

	eng, err := f.engines.Get(ctx, store.ByID(f.engineID))
	if err != nil {
		t.Fatalf("get engine: %v", err)
	}
	if eng.BuildRevision != 1 {
		t.Errorf("BuildRevision = %d, want 1", eng.BuildRevision)
	}
	if eng.CollectSegmentPairs {
		t.Error("expected CollectSegmentPairs cleared after the build finished")
	}
	calls := f.notifier.calls()
	if calls[len(calls)-1] != "completed" {
		t.Errorf("notifications = %v, want trailing completed", calls)
	}
}

func TestTransitions_Canceled_MissingBuildIsBenign(t *testing.T) {
	f := newFixture(t)

	if err := f.transitions.Canceled(context.Background(), id.NewBuildID()); err != nil {
		t.Fatalf("Canceled on missing build: %v", err)
	}
}

func TestTransitions_Cancel_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.transitions.Cancel(context.Background(), id.NewBuildID())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, tract.ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
}

func TestTransitions_Restarting_BackToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.newActiveBuild(t)

	if err := f.transitions.Restarting(ctx, b.ID); err != nil {
		t.Fatalf("Restarting: %v", err)
	}
	got, err := f.builds.Get(ctx, store.ByID(b.ID))
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.StageState != build.StageStatePending {
		t.Errorf("StageState = %q, want pending", got.StageState)
	}
	if got.DateStarted != nil {
		t.Error("expected DateStarted cleared")
	}
}

func TestBuild_RevisionMonotonicThroughLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	prev := b.Revision
	steps := []func() error{
		func() error { _, err := f.transitions.Started(ctx, b.ID); return err },
		func() error { return f.svc.UpdateProgress(ctx, b.ID, 1, 0.5) },
		func() error { return f.transitions.Finished(ctx, f.engineID, b.ID) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got, err := f.builds.Get(ctx, store.ByID(b.ID))
		if err != nil {
			t.Fatalf("get after step %d: %v", i, err)
		}
		if got.Revision != prev+1 {
			t.Fatalf("step %d: revision %d → %d, want exactly +1", i, prev, got.Revision)
		}
		prev = got.Revision
	}
}

func TestCleanup_SweepsOnlyAbandonedBuilds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	abandoned := &build.Build{
		Meta:        tract.Meta{ID: id.NewBuildID()},
		EngineRef:   f.engineID,
		Stage:       build.StagePreprocess,
		DateCreated: now.Add(-10 * time.Minute),
	}
	fresh := &build.Build{
		Meta:        tract.Meta{ID: id.NewBuildID()},
		EngineRef:   f.engineID,
		Stage:       build.StagePreprocess,
		DateCreated: now.Add(-10 * time.Second),
	}
	started := &build.Build{
		Meta:        tract.Meta{ID: id.NewBuildID()},
		EngineRef:   f.engineID,
		Stage:       build.StagePreprocess,
		DateCreated: now.Add(-10 * time.Minute),
		Initialized: true,
	}
	for _, b := range []*build.Build{abandoned, fresh, started} {
		if err := f.builds.Insert(ctx, b); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cleanup := build.NewCleanup(f.builds, build.WithCleanupAge(2*time.Minute))
	if err := cleanup.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := f.builds.Get(ctx, store.ByID(abandoned.ID)); !errors.Is(err, tract.ErrNotFound) {
		t.Errorf("abandoned build: err = %v, want ErrNotFound", err)
	}
	for _, keep := range []*build.Build{fresh, started} {
		if _, err := f.builds.Get(ctx, store.ByID(keep.ID)); err != nil {
			t.Errorf("build %s should survive the sweep: %v", keep.ID, err)
		}
	}
}
