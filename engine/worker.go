package engine

import (
	"context"
	"fmt"

	"github.com/craterlabs/tract"
)

// StartBuildRequest carries everything a remote worker needs to run a
// build for an engine it already hosts.
type StartBuildRequest struct {
	EngineID string
	BuildID  string

	// Options is the build's opaque configuration payload.
	Options []byte
}

// TranslationResult is one hypothesis returned by a worker for a source
// segment.
type TranslationResult struct {
	Translation string
	Confidence  float64
	Alignment   []AlignedPair
}

// AlignedPair maps one source token index to one target token index.
type AlignedPair struct {
	SourceIndex int
	TargetIndex int
}

// LanguageInfo reports whether a worker type natively supports a language.
type LanguageInfo struct {
	IsNative     bool
	InternalCode string
}

// ModelDownload points at a downloadable snapshot of a trained model.
type ModelDownload struct {
	URL           string
	ModelRevision int64
	ExpiresAt     string
}

// Worker is the RPC client contract for one remote engine worker type.
// Implementations wrap a transport to the worker fleet; errors carry gRPC
// status codes where the transport provides them.
//
// StartBuild returns the worker-side task handle for the scheduled
// build; callers keep it and pass it back to CancelBuild to stop that
// task. CancelBuild returns a codes.Unimplemented status when the worker
// type cannot cancel a scheduled build, which callers map to
// tract.ErrNotSupported.
type Worker interface {
	Create(ctx context.Context, eng *Engine) error
	Delete(ctx context.Context, engineID string) error

	StartBuild(ctx context.Context, req StartBuildRequest) (string, error)
	CancelBuild(ctx context.Context, engineID, taskID string) error

	Translate(ctx context.Context, engineID string, n int, segment string) ([]TranslationResult, error)
	Align(ctx context.Context, engineID string, sourceSegment, targetSegment string) ([]AlignedPair, error)

	GetQueueSize(ctx context.Context) (int64, error)
	GetLanguageInfo(ctx context.Context, language string) (LanguageInfo, error)
	GetModelDownloadURL(ctx context.Context, engineID string) (ModelDownload, error)
}

// Registry maps engine types to their worker clients. Built at startup.
type Registry struct {
	workers map[string]Worker
}

// NewRegistry returns an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds a worker client to an engine type, replacing any
// previous binding.
func (r *Registry) Register(engineType string, w Worker) {
	r.workers[engineType] = w
}

// Resolve returns the worker client for the given engine type.
func (r *Registry) Resolve(engineType string) (Worker, error) {
	w, ok := r.workers[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tract.ErrNoWorker, engineType)
	}
	return w, nil
}
