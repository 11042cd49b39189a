package build_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/build"
	"github.com/craterlabs/tract/engine"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
	"github.com/craterlabs/tract/store/memory"
)

// recordingNotifier records notification calls in order.
type recordingNotifier struct {
	mu    sync.Mutex
	Calls []string
	Fault string
}

func (n *recordingNotifier) record(call string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, call)
	return nil
}

func (n *recordingNotifier) JobStarted(_ context.Context, _ string) error {
	return n.record("started")
}
func (n *recordingNotifier) JobCompleted(_ context.Context, _ string) error {
	return n.record("completed")
}
func (n *recordingNotifier) JobCanceled(_ context.Context, _ string) error {
	return n.record("canceled")
}
func (n *recordingNotifier) JobFaulted(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	n.Fault = message
	n.mu.Unlock()
	return n.record("faulted")
}
func (n *recordingNotifier) JobRestarting(_ context.Context, _ string) error {
	return n.record("restarting")
}

func (n *recordingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Calls...)
}

// fakeWorker scripts worker RPC outcomes.
type fakeWorker struct {
	startBuildErr  error
	cancelBuildErr error

	StartCalls    int
	CancelCalls   int
	CanceledTasks []string
}

func (w *fakeWorker) Create(context.Context, *engine.Engine) error { return nil }
func (w *fakeWorker) Delete(context.Context, string) error         { return nil }

func (w *fakeWorker) StartBuild(context.Context, engine.StartBuildRequest) (string, error) {
	w.StartCalls++
	if w.startBuildErr != nil {
		return "", w.startBuildErr
	}
	return "task-1", nil
}

func (w *fakeWorker) CancelBuild(_ context.Context, _ string, taskID string) error {
	w.CancelCalls++
	w.CanceledTasks = append(w.CanceledTasks, taskID)
	return w.cancelBuildErr
}

func (w *fakeWorker) Translate(context.Context, string, int, string) ([]engine.TranslationResult, error) {
	return nil, nil
}
func (w *fakeWorker) Align(context.Context, string, string, string) ([]engine.AlignedPair, error) {
	return nil, nil
}
func (w *fakeWorker) GetQueueSize(context.Context) (int64, error) { return 0, nil }
func (w *fakeWorker) GetLanguageInfo(context.Context, string) (engine.LanguageInfo, error) {
	return engine.LanguageInfo{}, nil
}
func (w *fakeWorker) GetModelDownloadURL(context.Context, string) (engine.ModelDownload, error) {
	return engine.ModelDownload{}, nil
}

type fixture struct {
	engines     *memory.Repository[*engine.Engine]
	builds      *memory.Repository[*build.Build]
	worker      *fakeWorker
	notifier    *recordingNotifier
	transitions *build.Transitions
	svc         *build.Service
	engineID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engines:  memory.NewRepository[*engine.Engine](),
		builds:   memory.NewRepository[*build.Build](),
		worker:   &fakeWorker{},
		notifier: &recordingNotifier{},
	}
	registry := engine.NewRegistry()
	registry.Register("smt", f.worker)

	f.transitions = build.NewTransitions(f.engines, f.builds, memory.NewTransactor(), f.notifier)
	f.svc = build.NewService(f.engines, f.builds, registry, f.transitions,
		build.WithLongPollTimeout(time.Second))

	eng := &engine.Engine{
		Meta:           tract.Meta{ID: id.NewEngineID()},
		Owner:          "tenant1",
		Type:           "smt",
		SourceLanguage: "en",
		TargetLanguage: "es",
		DateCreated:    time.Now().UTC(),
	}
	if err := f.engines.Insert(context.Background(), eng); err != nil {
		t.Fatalf("insert engine: %v", err)
	}
	f.engineID = eng.ID
	return f
}

func TestService_StartBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, []byte(`{"corpus":"nt"}`))
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if f.worker.StartCalls != 1 {
		t.Errorf("StartCalls = %d, want 1", f.worker.StartCalls)
	}
	if b.StageState != build.StageStatePending {
		t.Errorf("StageState = %q, want pending", b.StageState)
	}
	if b.Stage != build.StagePreprocess {
		t.Errorf("Stage = %q, want preprocess", b.Stage)
	}
	if !b.Initialized {
		t.Error("expected build marked initialized after dispatch")
	}
	if b.StageID != "task-1" {
		t.Errorf("StageID = %q, want the worker task handle", b.StageID)
	}
	if b.Revision != 2 {
		t.Errorf("Revision = %d, want 2 (insert + initialized update)", b.Revision)
	}
}

func TestService_StartBuild_UnknownEngine(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartBuild(context.Background(), id.NewEngineID(), nil)
	if !errors.Is(err, tract.ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound, got %v", err)
	}
}

func TestService_StartBuild_CompensatesWhenWorkerFails(t *testing.T) {
	f := newFixture(t)
	f.worker.startBuildErr = status.Error(codes.Unavailable, "worker fleet down")

	_, err := f.svc.StartBuild(context.Background(), f.engineID, nil)
	if err == nil {
		t.Fatal("expected error from worker dispatch")
	}
	// The inserted build must be gone: nothing was scheduled remotely.
	n, cerr := f.builds.Count(context.Background(), store.All())
	if cerr != nil {
		t.Fatalf("count builds: %v", cerr)
	}
	if n != 0 {
		t.Errorf("expected compensating delete, %d builds remain", n)
	}
}

func TestService_StartBuild_RejectsSecondUnfinishedBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartBuild(ctx, f.engineID, nil); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	_, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if !errors.Is(err, tract.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestService_CancelBuild_PendingStopsQueuedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if err := f.svc.CancelBuild(ctx, b.ID); err != nil {
		t.Fatalf("CancelBuild: %v", err)
	}
	// The build finishes locally, and the task queued on the worker is
	// stopped so it never starts running.
	if f.worker.CancelCalls != 1 {
		t.Errorf("CancelCalls = %d, want 1", f.worker.CancelCalls)
	}
	if len(f.worker.CanceledTasks) != 1 || f.worker.CanceledTasks[0] != "task-1" {
		t.Errorf("CanceledTasks = %v, want the dispatched task handle", f.worker.CanceledTasks)
	}
	got, err := f.svc.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.StageState != build.StageStateNone {
		t.Errorf("StageState = %q, want cleared", got.StageState)
	}
	if got.DateFinished == nil {
		t.Error("expected DateFinished set")
	}
	calls := f.notifier.calls()
	if len(calls) == 0 || calls[len(calls)-1] != "canceled" {
		t.Errorf("notifications = %v, want trailing canceled", calls)
	}
}

func TestService_CancelBuild_ActiveFlagsCancelingAndCallsWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if _, err := f.transitions.Started(ctx, b.ID); err != nil {
		t.Fatalf("Started: %v", err)
	}

	if err := f.svc.CancelBuild(ctx, b.ID); err != nil {
		t.Fatalf("CancelBuild: %v", err)
	}
	if f.worker.CancelCalls != 1 {
		t.Errorf("CancelCalls = %d, want 1", f.worker.CancelCalls)
	}
	if len(f.worker.CanceledTasks) != 1 || f.worker.CanceledTasks[0] != "task-1" {
		t.Errorf("CanceledTasks = %v, want the dispatched task handle", f.worker.CanceledTasks)
	}
	got, err := f.svc.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.StageState != build.StageStateCanceling {
		t.Errorf("StageState = %q, want canceling", got.StageState)
	}
}

func TestService_CancelBuild_PendingWorkerWithoutCancelStillCanceled(t *testing.T) {
	f := newFixture(t)
	f.worker.cancelBuildErr = status.Error(codes.Unimplemented, "no cancel")
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	// A pending build never started remotely, so a worker that cannot
	// cancel does not block the local cancellation.
	if err := f.svc.CancelBuild(ctx, b.ID); err != nil {
		t.Fatalf("CancelBuild: %v", err)
	}
	got, err := f.svc.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.StageState != build.StageStateNone {
		t.Errorf("StageState = %q, want cleared", got.StageState)
	}
}

func TestService_CancelBuild_UnsupportedWorkerRevertsFlag(t *testing.T) {
	f := newFixture(t)
	f.worker.cancelBuildErr = status.Error(codes.Unimplemented, "no cancel")
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if _, err := f.transitions.Started(ctx, b.ID); err != nil {
		t.Fatalf("Started: %v", err)
	}

	err = f.svc.CancelBuild(ctx, b.ID)
	if !errors.Is(err, tract.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	got, gerr := f.svc.GetBuild(ctx, b.ID)
	if gerr != nil {
		t.Fatalf("GetBuild: %v", gerr)
	}
	if got.StageState != build.StageStateActive {
		t.Errorf("StageState = %q, want active (flag reverted)", got.StageState)
	}
}

func TestService_CancelBuild_NoCancelableStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := &build.Build{
		Meta:        tract.Meta{ID: id.NewBuildID()},
		EngineRef:   f.engineID,
		Stage:       build.StagePostprocess,
		DateCreated: time.Now().UTC(),
		Initialized: true,
	}
	if err := f.builds.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := f.svc.CancelBuild(ctx, b.ID)
	if !errors.Is(err, tract.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestService_GetNewerRevision_UnblocksAtTargetRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	// StartBuild leaves the build at revision 2; the Active flip makes 3.
	done := make(chan store.EntityChange[*build.Build], 1)
	go func() {
		change, werr := f.svc.GetNewerRevision(ctx, b.ID, 3)
		if werr != nil {
			t.Errorf("GetNewerRevision: %v", werr)
		}
		done <- change
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := f.transitions.Started(ctx, b.ID); err != nil {
		t.Fatalf("Started: %v", err)
	}

	select {
	case change := <-done:
		if change.Type != store.ChangeUpdate {
			t.Fatalf("change type = %v, want update", change.Type)
		}
		if change.Entity.Revision != 3 {
			t.Errorf("Revision = %d, want 3", change.Entity.Revision)
		}
		if change.Entity.StageState != build.StageStateActive {
			t.Errorf("StageState = %q, want active", change.Entity.StageState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not unblock")
	}
}

func TestService_GetNewerRevision_ReturnsImmediatelyWhenAlreadyReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	// Repeated calls after the target revision is reached return at once.
	for i := 0; i < 3; i++ {
		start := time.Now()
		change, err := f.svc.GetNewerRevision(ctx, b.ID, 2)
		if err != nil {
			t.Fatalf("GetNewerRevision %d: %v", i, err)
		}
		if change.Entity == nil || change.Entity.Revision < 2 {
			t.Fatalf("call %d: expected entity at revision >= 2, got %+v", i, change)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Fatalf("call %d blocked %v, want immediate return", i, elapsed)
		}
	}
}

func TestService_GetNewerRevision_TimesOutAsNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	change, err := f.svc.GetNewerRevision(ctx, b.ID, 99)
	if err != nil {
		t.Fatalf("GetNewerRevision: %v", err)
	}
	if change.Type != store.ChangeNone {
		t.Errorf("change type = %v, want none (timeout is not an error)", change.Type)
	}
}

func TestService_UpdateProgress_OnlyWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.StartBuild(ctx, f.engineID, nil)
	if err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	if _, err := f.transitions.Started(ctx, b.ID); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.UpdateProgress(ctx, b.ID, 4, 0.25); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, err := f.svc.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.QueueDepth != 4 || got.PercentCompleted != 0.25 {
		t.Errorf("progress = (%d, %v), want (4, 0.25)", got.QueueDepth, got.PercentCompleted)
	}

	// After completion the update is a no-op, not an error.
	if err := f.transitions.Finished(ctx, f.engineID, b.ID); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if err := f.svc.UpdateProgress(ctx, b.ID, 9, 0.5); err != nil {
		t.Fatalf("UpdateProgress after finish: %v", err)
	}
	got, err = f.svc.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want unchanged 4", got.QueueDepth)
	}
}
