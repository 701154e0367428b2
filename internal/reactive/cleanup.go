// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/policy"
	"github.com/docket-dev/docket/core/task"
	"github.com/docket-dev/docket/internal/lock"
)

// maybeCleanup runs the periodic cleanup pass when due. A short TTL lock
// serialises the pass against an outgoing leader that may still be midway
// through one; losing the lock just defers to the holder.
func (p *Planner) maybeCleanup(ctx context.Context) error {
	now := p.cfg.Clock.Now()
	if now.Before(p.nextCleanupDue) {
		return nil
	}
	p.nextCleanupDue = now.Add(p.cfg.CleanupInterval)

	err := p.cfg.Locker.With(ctx, cleanupLockKey, lock.Options{}, func(ctx context.Context) error {
		doc, err := p.cfg.Meta.Load(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if doc.LastCleanupAt != nil && now.Sub(*doc.LastCleanupAt) < p.cfg.CleanupInterval {
			p.nextCleanupDue = doc.LastCleanupAt.Add(p.cfg.CleanupInterval)
			return nil
		}
		var total int64
		for _, t := range p.cfg.Registry.Tasks() {
			n, err := p.cleanupFull(ctx, t)
			if err != nil {
				return errors.Trace(err)
			}
			total += n
		}
		if err := p.cfg.Meta.SetLastCleanupAt(ctx, now); err != nil {
			return errors.Trace(err)
		}
		p.cfg.Notify.Emit(events.Event{
			Code:   events.CleanupFinished,
			Detail: fmt.Sprintf("removed %d orphaned items", total),
		})
		return nil
	})
	if errors.Is(err, lock.ErrLockHeld) {
		return nil
	}
	return errors.Trace(err)
}

// cleanupFull pages over every work item of the task and applies its
// cleanup policy.
func (p *Planner) cleanupFull(ctx context.Context, t *task.Reactive) (int64, error) {
	if t.Cleanup.DeleteWhen == policy.DeleteNever {
		return 0, nil
	}
	items := p.cfg.DB.Collection(t.ItemsCollection)
	var total int64
	lastID := ""
	for {
		select {
		case <-p.tomb.Dying():
			return total, tomb.ErrDying
		default:
		}
		q := bson.D{{Key: "task", Value: t.Name}}
		if lastID != "" {
			q = append(q, bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: lastID}}})
		}
		cur, err := items.Find(ctx, q, options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(p.cfg.ScanBatchSize)).
			SetProjection(bson.D{
				{Key: "_id", Value: 1},
				{Key: "sourceDocId", Value: 1},
			}))
		if err != nil {
			return total, errors.Trace(err)
		}
		var rows []struct {
			ID          string      `bson:"_id"`
			SourceDocID interface{} `bson:"sourceDocId"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return total, errors.Trace(err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		ids := make([]interface{}, len(rows))
		for i, r := range rows {
			ids[i] = r.SourceDocID
		}
		n, err := p.cleanupScoped(ctx, t, ids)
		if err != nil {
			return total, errors.Trace(err)
		}
		total += n
		lastID = rows[len(rows)-1].ID
	}
}

// cleanupScoped applies the task's cleanup policy to its items for the
// given source document ids: items whose source is gone (or, under the
// stricter policy, no longer matching) are deleted once KeepFor has passed.
// In-flight items are left alone; they come back through the policy after
// they finalize.
func (p *Planner) cleanupScoped(ctx context.Context, t *task.Reactive, sourceIDs []interface{}) (int64, error) {
	if t.Cleanup.DeleteWhen == policy.DeleteNever || len(sourceIDs) == 0 {
		return 0, nil
	}
	now := p.cfg.Clock.Now()
	items := p.cfg.DB.Collection(t.ItemsCollection)

	cur, err := items.Find(ctx,
		bson.D{
			{Key: "task", Value: t.Name},
			{Key: "sourceDocId", Value: bson.D{{Key: "$in", Value: sourceIDs}}},
			{Key: "status", Value: bson.D{{Key: "$nin", Value: bson.A{
				item.StatusProcessing, item.StatusProcessingDirty,
			}}}},
		},
		options.Find().SetProjection(bson.D{
			{Key: "_id", Value: 1},
			{Key: "sourceDocId", Value: 1},
			{Key: "updatedAt", Value: 1},
			{Key: "lastFinalizedAt", Value: 1},
		}))
	if err != nil {
		return 0, errors.Trace(err)
	}
	var rows []struct {
		ID              string      `bson:"_id"`
		SourceDocID     interface{} `bson:"sourceDocId"`
		UpdatedAt       time.Time   `bson:"updatedAt"`
		LastFinalizedAt *time.Time  `bson:"lastFinalizedAt"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, errors.Trace(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	existing, err := p.sourceIDSet(ctx, t.Collection, sourceIDs, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var matching set.Strings
	if t.Cleanup.DeleteWhen == policy.DeleteWhenSourceDeletedOrNoLongerMatching {
		matching, err = p.sourceIDSet(ctx, t.Collection, sourceIDs, t.Filter.Query())
		if err != nil {
			return 0, errors.Trace(err)
		}
	}

	var deletable []string
	for _, r := range rows {
		key := item.Key(r.SourceDocID)
		stale := !existing.Contains(key)
		if !stale && matching != nil {
			stale = !matching.Contains(key)
		}
		if !stale {
			continue
		}
		ref := r.UpdatedAt
		if r.LastFinalizedAt != nil && r.LastFinalizedAt.After(ref) {
			ref = *r.LastFinalizedAt
		}
		if !t.Cleanup.Eligible(ref, now) {
			continue
		}
		deletable = append(deletable, r.ID)
	}
	if len(deletable) == 0 {
		return 0, nil
	}
	// Re-check the status so an item claimed since the read survives.
	res, err := items.DeleteMany(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: deletable}}},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: bson.A{
			item.StatusProcessing, item.StatusProcessingDirty,
		}}}},
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if res.DeletedCount > 0 {
		p.cfg.Logger.Debugf("task %q: cleaned up %d orphaned items", t.Name, res.DeletedCount)
	}
	return res.DeletedCount, nil
}

// sourceIDSet returns the keys of the source documents among ids that
// exist, optionally restricted by an extra query.
func (p *Planner) sourceIDSet(ctx context.Context, collection string, ids []interface{}, extra bson.D) (set.Strings, error) {
	q := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
	if len(extra) > 0 {
		q = bson.D{{Key: "$and", Value: bson.A{q, extra}}}
	}
	cur, err := p.cfg.DB.Collection(collection).Find(ctx, q,
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []struct {
		ID interface{} `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Trace(err)
	}
	out := set.NewStrings()
	for _, r := range rows {
		out.Add(item.Key(r.ID))
	}
	return out, nil
}
