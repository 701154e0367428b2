// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/policy"
	"github.com/docket-dev/docket/core/task"
)

// triggerSignature derives a stable hash of the parts of a task definition
// that decide which documents trigger it: the filter and the watch
// projection. When the stored signature differs from the running one, items
// planned under the old definition may be stale and a reconciliation scan
// is due.
func triggerSignature(t *task.Reactive) (string, error) {
	projection := append([]string(nil), t.WatchProjection...)
	sort.Strings(projection)
	doc := bson.D{
		{Key: "filter", Value: canonicalValue(t.Filter.Query())},
		{Key: "projection", Value: projection},
	}
	raw, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", errors.Trace(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalValue rewrites maps into key-sorted documents so the signature
// does not depend on Go map iteration order.
func canonicalValue(v interface{}) interface{} {
	switch v := v.(type) {
	case bson.D:
		out := make(bson.D, len(v))
		for i, e := range v {
			out[i] = bson.E{Key: e.Key, Value: canonicalValue(e.Value)}
		}
		return out
	case bson.M:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(v))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: canonicalValue(v[k])})
		}
		return out
	case map[string]interface{}:
		return canonicalValue(bson.M(v))
	case bson.A:
		out := make(bson.A, len(v))
		for i, e := range v {
			out[i] = canonicalValue(e)
		}
		return out
	case []interface{}:
		return canonicalValue(bson.A(v))
	default:
		return v
	}
}

// checkEvolution runs once when a planner takes leadership. It compares
// each task's trigger signature and handler version against what the
// coordination document remembers, schedules reconciliation scans for
// changed triggers, and applies the handler version change policy to
// existing items.
func (p *Planner) checkEvolution(ctx context.Context) error {
	doc, err := p.cfg.Meta.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, t := range p.cfg.Registry.Tasks() {
		sig, err := triggerSignature(t)
		if err != nil {
			return errors.Trace(err)
		}
		fp := doc.Tasks[t.Name]

		if fp == nil || fp.TriggerSig != sig {
			if fp == nil || t.Evolution.ReconcileOnTriggerChange() {
				// New tasks always get an initial scan.
				if err := p.cfg.Meta.MarkReconcilePending(ctx, t.Name); err != nil {
					return errors.Trace(err)
				}
			}
			if fp != nil {
				p.cfg.Notify.Emit(events.Event{Code: events.TriggerDefinitionChanged, Task: t.Name})
			}
			if err := p.cfg.Meta.SetTriggerSig(ctx, t.Name, sig); err != nil {
				return errors.Trace(err)
			}
		}

		stored := 0
		if fp != nil {
			stored = fp.HandlerVersion
		}
		switch {
		case t.Evolution.HandlerVersion > stored:
			if fp != nil {
				if err := p.applyVersionChange(ctx, t); err != nil {
					return errors.Trace(err)
				}
				p.cfg.Notify.Emit(events.Event{Code: events.HandlerVersionTransition, Task: t.Name})
			}
			if err := p.cfg.Meta.SetHandlerVersion(ctx, t.Name, t.Evolution.HandlerVersion); err != nil {
				return errors.Trace(err)
			}
		case t.Evolution.HandlerVersion < stored:
			p.cfg.Logger.Warningf("task %q runs handler version %d but version %d already ran; leaving items alone",
				t.Name, t.Evolution.HandlerVersion, stored)
		}
	}
	return nil
}

// applyVersionChange resets existing items per the task's version change
// policy so the new handler sees them again.
func (p *Planner) applyVersionChange(ctx context.Context, t *task.Reactive) error {
	var statuses []item.Status
	switch t.Evolution.OnHandlerVersionChange {
	case policy.VersionChangeReprocessFailed:
		statuses = []item.Status{item.StatusFailed}
	case policy.VersionChangeReprocessAll:
		statuses = []item.Status{item.StatusFailed, item.StatusCompleted}
	default:
		return nil
	}
	coll := p.cfg.DB.Collection(t.ItemsCollection)
	res, err := coll.UpdateMany(ctx,
		bson.D{
			{Key: "task", Value: t.Name},
			{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}},
		},
		mongo.Pipeline{{{Key: "$set", Value: bson.D{
			{Key: "status", Value: item.StatusPending},
			{Key: "attempts", Value: 0},
			{Key: "scheduledAt", Value: "$$NOW"},
			{Key: "initialScheduledAt", Value: "$$NOW"},
			{Key: "updatedAt", Value: "$$NOW"},
			{Key: "firstErrorAt", Value: "$$REMOVE"},
			{Key: "lastError", Value: "$$REMOVE"},
		}}}})
	if err != nil {
		return errors.Trace(err)
	}
	p.cfg.Logger.Infof("task %q handler version %d: reset %d items (%s)",
		t.Name, t.Evolution.HandlerVersion, res.ModifiedCount,
		strings.Join(statusStrings(statuses), ","))
	return nil
}

func statusStrings(ss []item.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
