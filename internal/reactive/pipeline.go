// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/task"
)

// planItems builds the aggregation the planner runs against a task's
// source collection to upsert work items for the given source document
// ids. The whole decision runs server side in one round trip: the final
// $merge stage compares the freshly observed values against the stored
// snapshot and only re-triggers items whose watched data actually changed.
// A nil ids slice plans every matching document (reconciliation scans page
// the ids themselves and pass them in).
func planItems(t *task.Reactive, ids []interface{}) mongo.Pipeline {
	var p mongo.Pipeline
	if ids != nil {
		p = append(p, bson.D{{Key: "$match", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		}}})
	}
	if q := t.Filter.Query(); len(q) > 0 {
		p = append(p, bson.D{{Key: "$match", Value: q}})
	}

	// Shape each source document into a candidate work item. Work item
	// identity is task + ":" + the stringified source id, which $toString
	// reproduces exactly for ObjectIDs, strings and numbers.
	observed := observedValues(t.WatchProjection)
	p = append(p, bson.D{{Key: "$project", Value: bson.D{
		{Key: "_id", Value: bson.D{{Key: "$concat", Value: bson.A{
			t.Name + ":", bson.D{{Key: "$toString", Value: "$_id"}},
		}}}},
		{Key: "task", Value: t.Name},
		{Key: "sourceDocId", Value: "$_id"},
		{Key: "lastObservedValues", Value: observed},
	}}})
	p = append(p, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: item.StatusPending},
		{Key: "attempts", Value: 0},
		{Key: "createdAt", Value: "$$NOW"},
		{Key: "updatedAt", Value: "$$NOW"},
		{Key: "scheduledAt", Value: scheduleExpr(t)},
		{Key: "initialScheduledAt", Value: "$$NOW"},
		{Key: "lockExpiresAt", Value: nil},
	}}})

	p = append(p, bson.D{{Key: "$merge", Value: bson.D{
		{Key: "into", Value: t.ItemsCollection},
		{Key: "on", Value: "_id"},
		{Key: "whenNotMatched", Value: "insert"},
		{Key: "whenMatched", Value: mergeMatched(t)},
	}}})
	return p
}

// observedValues is the expression capturing the watched snapshot of a
// source document: the projected fields, or the whole document when no
// projection is configured.
func observedValues(projection []string) interface{} {
	if len(projection) == 0 {
		return "$$ROOT"
	}
	out := bson.D{}
	for _, field := range projection {
		out = append(out, bson.E{Key: field, Value: "$" + field})
	}
	return out
}

// scheduleExpr computes the item's next scheduledAt: now plus the task's
// debounce window.
func scheduleExpr(t *task.Reactive) bson.D {
	return bson.D{{Key: "$add", Value: bson.A{"$$NOW", t.Debounce.Milliseconds()}}}
}

// mergeMatched builds the whenMatched pipeline applied when a work item for
// the source document already exists. $$new is the candidate built above.
//
// The rules, driven by whether the observed snapshot changed:
//   - processing items are promoted to processing_dirty so the worker
//     reschedules them after the in-flight run finishes;
//   - completed items start a fresh cycle as pending;
//   - failed items restart as pending only when the retry policy resets on
//     data change (the default);
//   - pending and processing_dirty items stay put, with their debounce
//     window pushed out; a pending item mid retry cycle restarts its
//     streak when the policy resets on data change.
func mergeMatched(t *task.Reactive) bson.A {
	changed := bson.D{{Key: "$ne", Value: bson.A{
		"$lastObservedValues", "$$new.lastObservedValues",
	}}}
	statusIs := func(s item.Status) bson.D {
		return bson.D{{Key: "$eq", Value: bson.A{"$status", s}}}
	}
	branches := bson.A{
		bson.D{
			{Key: "case", Value: andExpr(changed, statusIs(item.StatusProcessing))},
			{Key: "then", Value: item.StatusProcessingDirty},
		},
		bson.D{
			{Key: "case", Value: andExpr(changed, statusIs(item.StatusCompleted))},
			{Key: "then", Value: item.StatusPending},
		},
	}
	// restart collects the conditions that begin a fresh retry cycle.
	restart := bson.A{andExpr(changed, statusIs(item.StatusCompleted))}
	if t.Retry.ResetOnDataChange() {
		branches = append(branches, bson.D{
			{Key: "case", Value: andExpr(changed, statusIs(item.StatusFailed))},
			{Key: "then", Value: item.StatusPending},
		})
		restart = append(restart,
			andExpr(changed, statusIs(item.StatusFailed)),
			andExpr(changed, statusIs(item.StatusPending)))
	}
	restartExpr := bson.D{{Key: "$or", Value: restart}}

	return bson.A{bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: bson.D{{Key: "$switch", Value: bson.D{
			{Key: "branches", Value: branches},
			{Key: "default", Value: "$status"},
		}}}},
		{Key: "lastObservedValues", Value: "$$new.lastObservedValues"},
		{Key: "scheduledAt", Value: bson.D{{Key: "$cond", Value: bson.A{
			changed, "$$new.scheduledAt", "$scheduledAt",
		}}}},
		{Key: "initialScheduledAt", Value: bson.D{{Key: "$cond", Value: bson.A{
			restartExpr, "$$new.initialScheduledAt", "$initialScheduledAt",
		}}}},
		{Key: "updatedAt", Value: bson.D{{Key: "$cond", Value: bson.A{
			changed, "$$new.updatedAt", "$updatedAt",
		}}}},
		{Key: "attempts", Value: bson.D{{Key: "$cond", Value: bson.A{
			restartExpr, 0, "$attempts",
		}}}},
		{Key: "firstErrorAt", Value: bson.D{{Key: "$cond", Value: bson.A{
			restartExpr, "$$REMOVE", "$firstErrorAt",
		}}}},
		{Key: "lastError", Value: bson.D{{Key: "$cond", Value: bson.A{
			restartExpr, "$$REMOVE", "$lastError",
		}}}},
	}}}}
}

func andExpr(exprs ...interface{}) bson.D {
	return bson.D{{Key: "$and", Value: bson.A(exprs)}}
}
