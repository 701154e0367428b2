// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/logger"
)

const (
	defaultListLimit = 50

	// retrySourceScanBatch pages the source collection scan a complex
	// source document filter triggers on retry.
	retrySourceScanBatch = 500
)

// Manager is the read and repair surface over work items: listing, status
// aggregation and manual retry. It scatter-gathers across items collections
// when tasks do not share one.
type Manager struct {
	db       *mongo.Database
	registry *Registry
	clock    clock.Clock
	logger   logger.Logger
	notify   events.Sink
}

// NewManager returns a manager over the registry's items collections.
func NewManager(db *mongo.Database, registry *Registry, clk clock.Clock, log logger.Logger, notify events.Sink) *Manager {
	return &Manager{db: db, registry: registry, clock: clk, logger: log, notify: notify}
}

// List returns one page of work items matching the query, newest first.
func (m *Manager) List(ctx context.Context, q item.Query) (*item.Page, error) {
	targets, err := m.targets(q.Tasks)
	if err != nil {
		return nil, errors.Trace(err)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	page := &item.Page{
		Items:  []item.Item{},
		Limit:  limit,
		Offset: q.Skip,
		Stats:  map[item.Status]int64{},
	}
	unrestricted := q
	unrestricted.Statuses = nil
	for coll, names := range targets {
		filter := m.buildFilter(names, q)
		c := m.db.Collection(coll)
		total, err := c.CountDocuments(ctx, filter)
		if err != nil {
			return nil, errors.Trace(err)
		}
		page.Total += total

		// The stats ride along with every page so the dashboard can show
		// the status distribution of the whole selection.
		counts, err := m.statusCounts(ctx, c, m.buildFilter(names, unrestricted))
		if err != nil {
			return nil, errors.Trace(err)
		}
		for status, n := range counts {
			page.Stats[status] += n
		}

		// Each collection contributes its own first skip+limit rows;
		// the merged slice below yields the exact global page.
		cur, err := c.Find(ctx, filter, options.Find().
			SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
			SetLimit(q.Skip+limit))
		if err != nil {
			return nil, errors.Trace(err)
		}
		var items []item.Item
		if err := cur.All(ctx, &items); err != nil {
			return nil, errors.Trace(err)
		}
		page.Items = append(page.Items, items...)
	}

	sort.SliceStable(page.Items, func(i, j int) bool {
		return page.Items[i].UpdatedAt.After(page.Items[j].UpdatedAt)
	})
	if q.Skip >= int64(len(page.Items)) {
		page.Items = []item.Item{}
		return page, nil
	}
	page.Items = page.Items[q.Skip:]
	if int64(len(page.Items)) > limit {
		page.Items = page.Items[:limit]
	}
	return page, nil
}

// Stats aggregates item counts by status for the given tasks (all tasks
// when empty).
func (m *Manager) Stats(ctx context.Context, tasks []string) ([]item.StatusCounts, error) {
	targets, err := m.targets(tasks)
	if err != nil {
		return nil, errors.Trace(err)
	}
	byTask := map[string]map[item.Status]int64{}
	for coll, names := range targets {
		cur, err := m.db.Collection(coll).Aggregate(ctx, mongo.Pipeline{
			{{Key: "$match", Value: bson.D{
				{Key: "task", Value: bson.D{{Key: "$in", Value: names}}},
			}}},
			{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: bson.D{
					{Key: "task", Value: "$task"},
					{Key: "status", Value: "$status"},
				}},
				{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			}}},
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		var rows []struct {
			ID struct {
				Task   string      `bson:"task"`
				Status item.Status `bson:"status"`
			} `bson:"_id"`
			Count int64 `bson:"count"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return nil, errors.Trace(err)
		}
		for _, r := range rows {
			counts, ok := byTask[r.ID.Task]
			if !ok {
				counts = map[item.Status]int64{}
				byTask[r.ID.Task] = counts
			}
			counts[r.ID.Status] += r.Count
		}
	}

	// Every queried task appears in the result, zeroes included.
	var queried []string
	if len(tasks) > 0 {
		queried = tasks
	} else {
		queried = m.registry.Names()
	}
	out := make([]item.StatusCounts, 0, len(queried))
	for _, name := range set.NewStrings(queried...).SortedValues() {
		counts := byTask[name]
		if counts == nil {
			counts = map[item.Status]int64{}
		}
		out = append(out, item.StatusCounts{Task: name, Counts: counts})
	}
	return out, nil
}

// Retry resets the items matching the query back to pending so the workers
// pick them up again. Without explicit statuses only failed items are
// reset; callers may widen that to force a re-run of completed items. A
// source document filter is resolved by scanning the source collections in
// id batches. Retry returns how many items were reset.
func (m *Manager) Retry(ctx context.Context, q item.Query) (int64, error) {
	targets, err := m.targets(q.Tasks)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(q.Statuses) == 0 {
		q.Statuses = []item.Status{item.StatusFailed}
	}
	now := m.clock.Now()
	var total int64
	for coll, names := range targets {
		var n int64
		if len(q.SourceDocFilter) > 0 {
			n, err = m.retryBySourceScan(ctx, coll, names, q, now)
		} else {
			n, err = m.resetItems(ctx, m.db.Collection(coll), m.buildFilter(names, q), now)
		}
		total += n
		if err != nil {
			return total, errors.Trace(err)
		}
	}
	if total > 0 {
		m.notify.Emit(events.Event{
			Code:   events.ReactiveTaskRetryRequest,
			Detail: strconv.FormatInt(total, 10) + " items reset",
		})
	}
	return total, nil
}

// retryBySourceScan enumerates the source documents matching the query's
// source filter, batch by batch, and resets the corresponding work items.
// The items collection carries no copy of the source fields, so the ids
// have to come from the source side.
func (m *Manager) retryBySourceScan(ctx context.Context, itemsColl string, names []string, q item.Query, now time.Time) (int64, error) {
	coll := m.db.Collection(itemsColl)
	var total int64
	for _, name := range names {
		t, err := m.registry.Task(name)
		if err != nil {
			return total, errors.Trace(err)
		}
		cur, err := m.db.Collection(t.Collection).Find(ctx, q.SourceDocFilter,
			options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return total, errors.Trace(err)
		}

		ids := make([]string, 0, retrySourceScanBatch)
		flush := func() error {
			if len(ids) == 0 {
				return nil
			}
			filter := bson.D{{Key: "$and", Value: bson.A{
				m.buildFilter([]string{name}, q),
				bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
			}}}
			n, err := m.resetItems(ctx, coll, filter, now)
			total += n
			ids = ids[:0]
			return errors.Trace(err)
		}
		for cur.Next(ctx) {
			var doc struct {
				ID interface{} `bson:"_id"`
			}
			if err := cur.Decode(&doc); err != nil {
				_ = cur.Close(ctx)
				return total, errors.Trace(err)
			}
			ids = append(ids, item.ID(name, doc.ID))
			if len(ids) == retrySourceScanBatch {
				if err := flush(); err != nil {
					_ = cur.Close(ctx)
					return total, errors.Trace(err)
				}
			}
		}
		err = cur.Err()
		_ = cur.Close(ctx)
		if err != nil {
			return total, errors.Trace(err)
		}
		if err := flush(); err != nil {
			return total, errors.Trace(err)
		}
	}
	return total, nil
}

// resetItems flips the matched items back to a fresh pending cycle.
func (m *Manager) resetItems(ctx context.Context, coll *mongo.Collection, filter interface{}, now time.Time) (int64, error) {
	res, err := coll.UpdateMany(ctx, filter,
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: item.StatusPending},
				{Key: "attempts", Value: 0},
				{Key: "scheduledAt", Value: now},
				{Key: "updatedAt", Value: now},
				{Key: "lockExpiresAt", Value: nil},
			}},
			{Key: "$unset", Value: bson.D{
				{Key: "firstErrorAt", Value: ""},
				{Key: "lastError", Value: ""},
			}},
		})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return res.ModifiedCount, nil
}

// statusCounts groups the matched items of one collection by status.
func (m *Manager) statusCounts(ctx context.Context, coll *mongo.Collection, filter bson.D) (map[item.Status]int64, error) {
	cur, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []struct {
		Status item.Status `bson:"_id"`
		Count  int64       `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Trace(err)
	}
	out := make(map[item.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// targets maps items collections to the task names queried in each.
func (m *Manager) targets(tasks []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(tasks) == 0 {
		for _, t := range m.registry.Tasks() {
			out[t.ItemsCollection] = append(out[t.ItemsCollection], t.Name)
		}
		return out, nil
	}
	for _, name := range tasks {
		t, err := m.registry.Task(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[t.ItemsCollection] = append(out[t.ItemsCollection], t.Name)
	}
	return out, nil
}

func (m *Manager) buildFilter(names []string, q item.Query) bson.D {
	filter := bson.D{{Key: "task", Value: bson.D{{Key: "$in", Value: names}}}}
	if len(q.Statuses) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: q.Statuses}}})
	}
	if q.ID != "" {
		filter = append(filter, bson.E{Key: "_id", Value: q.ID})
	}
	if q.SourceDocID != "" {
		filter = append(filter, bson.E{Key: "sourceDocId", Value: bson.D{
			{Key: "$in", Value: sourceIDCandidates(q.SourceDocID)},
		}})
	}
	if q.ErrorMessage != "" || q.HasError != nil {
		// Finalization unsets lastError on success, so presence tracks
		// the error state exactly.
		cond := bson.D{}
		if q.ErrorMessage != "" {
			cond = append(cond, bson.E{Key: "$regex", Value: q.ErrorMessage})
		}
		if q.HasError != nil {
			cond = append(cond, bson.E{Key: "$exists", Value: *q.HasError})
		}
		filter = append(filter, bson.E{Key: "lastError", Value: cond})
	}
	return filter
}

// sourceIDCandidates widens a stringly-typed source id to every value it
// could plausibly be stored as, so dashboard lookups work regardless of the
// source collection's id type.
func sourceIDCandidates(s string) bson.A {
	candidates := bson.A{s}
	if oid, err := primitive.ObjectIDFromHex(s); err == nil {
		candidates = append(candidates, oid)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		candidates = append(candidates, n, int32(n))
	} else if f, err := strconv.ParseFloat(s, 64); err == nil {
		candidates = append(candidates, f)
	}
	return candidates
}
