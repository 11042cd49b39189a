package engine

import (
	"time"

	"github.com/craterlabs/tract"
)

// Engine is a translation or alignment engine owned by a platform tenant.
// Its documents live in the entity store; the model itself lives with a
// remote worker addressed by Type.
type Engine struct {
	tract.Meta `bson:",inline"`

	// Owner is the tenant that created the engine.
	Owner string `bson:"owner" json:"owner"`

	Name string `bson:"name,omitempty" json:"name,omitempty"`

	// Type selects the remote worker implementation.
	Type string `bson:"type" json:"type"`

	SourceLanguage string `bson:"source_language" json:"source_language"`
	TargetLanguage string `bson:"target_language" json:"target_language"`

	// BuildRevision counts completed builds. Incremented atomically when
	// a build finishes so clients can tell which model generation served
	// a translation.
	BuildRevision int64 `bson:"build_revision" json:"build_revision"`

	// CollectSegmentPairs makes the next build gather aligned segment
	// pairs as training data. Cleared when that build finishes.
	CollectSegmentPairs bool `bson:"collect_segment_pairs,omitempty" json:"collect_segment_pairs,omitempty"`

	DateCreated time.Time `bson:"date_created" json:"date_created"`
}
