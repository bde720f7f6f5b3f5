// Package feed defines the metadata model for the labfeed backend:
// workspaces, experiments, and feeds.
//
// A feed id is a hierarchical path "workspace/experiment/feed". The
// hierarchy is what permission patterns and registry cascades operate
// on; the sample stream itself is owned by the time-series store and
// keyed by the full feed id.
package feed

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueType indicates the payload type of a feed's samples.
type ValueType uint8

const (
	// ValueScalar is a single float64 measurement.
	ValueScalar ValueType = iota
	// ValueVector is a fixed- or variable-length []float64.
	ValueVector
	// ValueBlob is an opaque byte payload (images, traces, etc.).
	ValueBlob
)

// String returns a human-readable representation of the ValueType.
func (v ValueType) String() string {
	switch v {
	case ValueScalar:
		return "scalar"
	case ValueVector:
		return "vector"
	case ValueBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// ParseValueType parses a value type string.
func ParseValueType(s string) (ValueType, bool) {
	switch s {
	case "scalar":
		return ValueScalar, true
	case "vector":
		return ValueVector, true
	case "blob":
		return ValueBlob, true
	default:
		return ValueScalar, false
	}
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus int

const (
	// StatusActive - the experiment is running and its feeds accept writes.
	StatusActive ExperimentStatus = iota
	// StatusArchived - the run has ended. Archived experiments are never
	// reactivated or reused.
	StatusArchived
)

// String returns the string representation of the status.
func (s ExperimentStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// Workspace is a named container of experiments. Deleting a workspace
// cascades to its experiments and their feeds.
type Workspace struct {
	ID        string
	Name      string
	Owner     string
	CreatedAt time.Time
}

// Experiment is a single run within a workspace.
type Experiment struct {
	ID          string
	WorkspaceID string
	StartedAt   time.Time
	Status      ExperimentStatus
}

// Feed is a named, typed time-series channel scoped to an experiment.
type Feed struct {
	ID           string // full path: workspace/experiment/name
	ExperimentID string
	ValueType    ValueType

	// Retention is how long durable samples are kept. Zero means keep
	// forever. Enforced by the durable store's segment pruning.
	Retention time.Duration

	CreatedAt time.Time
}

// NewID returns a fresh entity id.
func NewID() string {
	return uuid.NewString()
}

// SplitID splits a feed id into its workspace, experiment, and feed
// name components. ok is false if the id does not have three segments.
func SplitID(feedID string) (workspace, experiment, name string, ok bool) {
	parts := strings.Split(feedID, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// JoinID builds a feed id from its components.
func JoinID(workspace, experiment, name string) string {
	return workspace + "/" + experiment + "/" + name
}
