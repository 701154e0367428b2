// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package policy

import (
	"github.com/juju/errors"
)

// VersionChange names what happens to existing work items when a task's
// handler version is raised.
type VersionChange string

const (
	// VersionChangeNone leaves existing items untouched.
	VersionChangeNone VersionChange = "none"
	// VersionChangeReprocessFailed resets failed items to pending.
	VersionChangeReprocessFailed VersionChange = "reprocess_failed"
	// VersionChangeReprocessAll resets completed and failed items to
	// pending so every document is reprocessed by the new handler.
	VersionChangeReprocessAll VersionChange = "reprocess_all"
)

// Evolution controls how the planner reacts when a task definition changes
// between process generations.
type Evolution struct {
	// HandlerVersion is an explicit integer version of the handler code.
	// Raising it triggers OnHandlerVersionChange.
	HandlerVersion int

	// OnHandlerVersionChange defaults to none.
	OnHandlerVersionChange VersionChange

	// DisableReconcileOnTriggerChange skips the reconciliation scan that
	// normally runs when the (filter, projection) pair changes.
	DisableReconcileOnTriggerChange bool
}

// Validate checks the policy.
func (e *Evolution) Validate() error {
	switch e.OnHandlerVersionChange {
	case "":
		e.OnHandlerVersionChange = VersionChangeNone
	case VersionChangeNone, VersionChangeReprocessFailed, VersionChangeReprocessAll:
	default:
		return errors.NotValidf("handler version change policy %q", e.OnHandlerVersionChange)
	}
	if e.HandlerVersion < 0 {
		return errors.NotValidf("negative handler version %d", e.HandlerVersion)
	}
	return nil
}

// ReconcileOnTriggerChange reports whether a trigger-config change forces a
// reconciliation scan.
func (e Evolution) ReconcileOnTriggerChange() bool {
	return !e.DisableReconcileOnTriggerChange
}
