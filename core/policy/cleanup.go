// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package policy

import (
	"time"

	"github.com/juju/errors"
)

// DeleteWhen names the condition under which an orphaned work item becomes
// eligible for deletion.
type DeleteWhen string

const (
	// DeleteNever retains work items indefinitely.
	DeleteNever DeleteWhen = "never"
	// DeleteWhenSourceDeleted deletes items whose source document is gone.
	DeleteWhenSourceDeleted DeleteWhen = "sourceDocumentDeleted"
	// DeleteWhenSourceDeletedOrNoLongerMatching additionally deletes items
	// whose source document no longer satisfies the task filter.
	DeleteWhenSourceDeletedOrNoLongerMatching DeleteWhen = "sourceDocumentDeletedOrNoLongerMatching"
)

// Cleanup controls removal of orphaned work items.
type Cleanup struct {
	DeleteWhen DeleteWhen

	// KeepFor retains an eligible item for at least this long after its
	// last finalization, preserving recent history for operators.
	KeepFor time.Duration
}

// Validate checks the policy, defaulting DeleteWhen to source-deleted.
func (c *Cleanup) Validate() error {
	switch c.DeleteWhen {
	case "":
		c.DeleteWhen = DeleteWhenSourceDeleted
	case DeleteNever, DeleteWhenSourceDeleted, DeleteWhenSourceDeletedOrNoLongerMatching:
	default:
		return errors.NotValidf("cleanup policy %q", c.DeleteWhen)
	}
	if c.KeepFor < 0 {
		return errors.NotValidf("negative keepFor %v", c.KeepFor)
	}
	return nil
}

// Eligible reports whether an item finalized at the given time may be
// deleted now, honouring KeepFor. A zero lastFinalizedAt means the item was
// never finalized and only KeepFor from its last update applies; callers
// pass whichever timestamp is most recent.
func (c Cleanup) Eligible(lastFinalizedAt, now time.Time) bool {
	if c.DeleteWhen == DeleteNever {
		return false
	}
	if c.KeepFor <= 0 {
		return true
	}
	return !lastFinalizedAt.After(now.Add(-c.KeepFor))
}
