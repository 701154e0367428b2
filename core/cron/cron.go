// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cron defines the persisted shape of a scheduled cron task and
// the read model the query surfaces expose.
package cron

import (
	"time"
)

// RunLogLimit bounds the per-task run log.
const RunLogLimit = 5

// RunLogEntry records one execution of a cron task, newest first.
type RunLogEntry struct {
	StartedAt  time.Time  `bson:"startedAt" json:"startedAt"`
	FinishedAt *time.Time `bson:"finishedAt,omitempty" json:"finishedAt,omitempty"`
	Error      string     `bson:"error,omitempty" json:"error,omitempty"`
}

// TaskDoc is the persisted cron task document, one per task id.
type TaskDoc struct {
	ID             string        `bson:"_id" json:"id"`
	RunSince       time.Time     `bson:"runSince" json:"nextRunAt"`
	RunImmediately bool          `bson:"runImmediately" json:"runImmediately"`
	LockedTill     *time.Time    `bson:"lockedTill" json:"lockedTill,omitempty"`
	LockID         string        `bson:"lockId,omitempty" json:"-"`
	RunLog         []RunLogEntry `bson:"runLog,omitempty" json:"runLog,omitempty"`
}

// Status derives the observable state of the task at the given time.
func (d TaskDoc) Status(now time.Time) string {
	if d.LockedTill != nil && d.LockedTill.After(now) {
		return "running"
	}
	return "scheduled"
}

// LastRunError returns the error of the most recent finished run, if any.
func (d TaskDoc) LastRunError() string {
	if len(d.RunLog) == 0 {
		return ""
	}
	return d.RunLog[0].Error
}
