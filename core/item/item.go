// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package item models the persisted work item of the reactive engine: one
// queue entry per (task, source document) pair.
package item

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	// StatusPending items are claimable once their scheduledAt passes.
	StatusPending Status = "pending"
	// StatusProcessing items are held under a visibility lease.
	StatusProcessing Status = "processing"
	// StatusProcessingDirty items are in flight, but their source document
	// changed underneath them; they re-enter pending after finalization.
	StatusProcessingDirty Status = "processing_dirty"
	// StatusCompleted items finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed items exhausted their retry policy.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether the status is held under a lease.
func (s Status) InFlight() bool {
	return s == StatusProcessing || s == StatusProcessingDirty
}

// Execution records one handler invocation in the bounded history.
type Execution struct {
	StartedAt  time.Time     `bson:"startedAt" json:"startedAt"`
	FinishedAt time.Time     `bson:"finishedAt,omitempty" json:"finishedAt"`
	Duration   time.Duration `bson:"duration,omitempty" json:"duration"`
	Error      string        `bson:"error,omitempty" json:"error,omitempty"`
}

// Success records the most recent successful run.
type Success struct {
	At       time.Time     `bson:"at" json:"at"`
	Duration time.Duration `bson:"duration" json:"duration"`
}

// DefaultHistoryLimit bounds executionHistory unless the task overrides it.
const DefaultHistoryLimit = 5

// Item is the persisted work item document.
type Item struct {
	ID          string      `bson:"_id" json:"id"`
	Task        string      `bson:"task" json:"task"`
	SourceDocID interface{} `bson:"sourceDocId" json:"sourceDocId"`
	Status      Status      `bson:"status" json:"status"`
	Attempts    int         `bson:"attempts" json:"attempts"`

	ScheduledAt        time.Time `bson:"scheduledAt" json:"scheduledAt"`
	InitialScheduledAt time.Time `bson:"initialScheduledAt" json:"initialScheduledAt"`
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`

	StartedAt       *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt     *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	LastFinalizedAt *time.Time `bson:"lastFinalizedAt,omitempty" json:"lastFinalizedAt,omitempty"`
	LockExpiresAt   *time.Time `bson:"lockExpiresAt" json:"lockExpiresAt,omitempty"`
	LockedBy        string     `bson:"lockedBy,omitempty" json:"-"`

	FirstErrorAt *time.Time `bson:"firstErrorAt,omitempty" json:"firstErrorAt,omitempty"`
	LastError    string     `bson:"lastError,omitempty" json:"lastError,omitempty"`

	LastObservedValues bson.M      `bson:"lastObservedValues,omitempty" json:"lastObservedValues,omitempty"`
	ExecutionHistory   []Execution `bson:"executionHistory,omitempty" json:"executionHistory,omitempty"`
	LastSuccess        *Success    `bson:"lastSuccess,omitempty" json:"lastSuccess,omitempty"`
}

// ID returns the deterministic work-item id for a (task, source document)
// pair. It must agree with the id the planning pipeline computes server
// side ($concat of the task name and $toString of the source _id), so the
// same document always maps to the same item across processes and restarts.
//
// Supported source id types are ObjectID, strings and integers; anything
// else is rendered with fmt and documented as best effort.
func ID(task string, sourceID interface{}) string {
	return task + ":" + sourceIDString(sourceID)
}

// Key returns the canonical string form of a source document id, suitable
// for deduplicating change events that refer to the same document.
func Key(sourceID interface{}) string {
	return sourceIDString(sourceID)
}

func sourceIDString(sourceID interface{}) string {
	switch v := sourceID.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int32:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
