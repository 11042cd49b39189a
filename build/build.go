package build

import (
	"time"

	"github.com/craterlabs/tract"
)

// Stage is one step of a build's fixed pipeline.
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageAssess      Stage = "assess"
	StagePostprocess Stage = "postprocess"
)

// StageState tracks the currently scheduled stage instance. The empty
// state means no stage is scheduled or running.
type StageState string

const (
	StageStateNone      StageState = ""
	StageStatePending   StageState = "pending"
	StageStateActive    StageState = "active"
	StageStateCanceling StageState = "canceling"
)

// Build is one long-running job against an engine. It moves through its
// pipeline one stage at a time; StageID is the remote task handle for the
// stage instance currently scheduled or running.
type Build struct {
	tract.Meta `bson:",inline"`

	EngineRef string `bson:"engine_ref" json:"engine_ref"`

	Stage      Stage      `bson:"stage" json:"stage"`
	StageID    string     `bson:"stage_id,omitempty" json:"stage_id,omitempty"`
	StageState StageState `bson:"stage_state,omitempty" json:"stage_state,omitempty"`

	// Options is the opaque build configuration payload, passed through
	// to the remote worker untouched.
	Options []byte `bson:"options,omitempty" json:"options,omitempty"`

	// Message carries the fault text when the build ends Faulted. It is
	// surfaced to callers verbatim.
	Message string `bson:"message,omitempty" json:"message,omitempty"`

	QueueDepth       int     `bson:"queue_depth" json:"queue_depth"`
	PercentCompleted float64 `bson:"percent_completed" json:"percent_completed"`

	DateCreated  time.Time  `bson:"date_created" json:"date_created"`
	DateStarted  *time.Time `bson:"date_started,omitempty" json:"date_started,omitempty"`
	DateFinished *time.Time `bson:"date_finished,omitempty" json:"date_finished,omitempty"`

	// Initialized is set once the build is durably scheduled on a remote
	// worker. Builds that never get there are removed by the cleanup
	// sweep.
	Initialized bool `bson:"initialized" json:"initialized"`
}

var _ tract.Initializable = (*Build)(nil)

func (b *Build) EntityCreated() time.Time { return b.DateCreated }
func (b *Build) EntityInitialized() bool  { return b.Initialized }

// Finished reports whether the build reached a terminal outcome.
func (b *Build) Finished() bool { return b.DateFinished != nil }
