// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docket-dev/docket/core/logger"
)

// metaDocID is the _id of the single coordination document.
const metaDocID = "meta"

// leaderLock is the embedded planner leader lock.
type leaderLock struct {
	InstanceID string    `bson:"instanceId"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// streamState is the persisted change stream position.
type streamState struct {
	ResumeToken     bson.Raw  `bson:"resumeToken"`
	LastClusterTime time.Time `bson:"lastClusterTime"`
}

// scanCheckpoint records progress of a reconciliation scan over one source
// collection, valid only for the exact set of tasks it was taken for.
type scanCheckpoint struct {
	LastID    interface{} `bson:"lastId"`
	TaskNames []string    `bson:"taskNames"`
	UpdatedAt time.Time   `bson:"updatedAt"`
}

// taskFingerprint remembers the trigger definition and handler version the
// planner last ran with, so restarts can detect evolution.
type taskFingerprint struct {
	TriggerSig       string     `bson:"triggerSig"`
	HandlerVersion   int        `bson:"handlerVersion"`
	LastReconciledAt *time.Time `bson:"lastReconciledAt,omitempty"`
}

// metaDoc is the full coordination document.
type metaDoc struct {
	ID     string       `bson:"_id"`
	Lock   *leaderLock  `bson:"lock,omitempty"`
	Stream *streamState `bson:"streamState,omitempty"`
	// Reconciliation maps task name to done; false marks a pending scan.
	Reconciliation map[string]bool             `bson:"reconciliation,omitempty"`
	Checkpoints    map[string]*scanCheckpoint  `bson:"reconciliationState,omitempty"`
	Tasks          map[string]*taskFingerprint `bson:"tasks,omitempty"`
	LastCleanupAt  *time.Time                  `bson:"lastCleanupAt,omitempty"`
}

// Meta mediates all access to the coordination document. Every mutation is
// a single targeted update so concurrent planners cannot clobber each
// other's fields.
type Meta struct {
	coll   *mongo.Collection
	clock  clock.Clock
	logger logger.Logger
}

// NewMeta returns a Meta over the given collection.
func NewMeta(coll *mongo.Collection, clk clock.Clock, log logger.Logger) *Meta {
	return &Meta{coll: coll, clock: clk, logger: log}
}

// Ensure creates the coordination document if missing.
func (m *Meta) Ensure(ctx context.Context) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: metaDocID}}}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

// Load reads the current coordination document. A missing document reads
// as empty.
func (m *Meta) Load(ctx context.Context) (*metaDoc, error) {
	var doc metaDoc
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: metaDocID}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return &metaDoc{ID: metaDocID}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &doc, nil
}

// AcquireOrRenew implements leader.Store. The whole decision runs as one
// aggregation pipeline update on the server, so two planners racing for an
// expired lock cannot both win.
func (m *Meta) AcquireOrRenew(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	claim := bson.D{
		{Key: "instanceId", Value: instanceID},
		{Key: "expiresAt", Value: m.clock.Now().Add(ttl)},
	}
	free := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$lock", nil}}}, nil}}},
		bson.D{{Key: "$lte", Value: bson.A{"$lock.expiresAt", "$$NOW"}}},
		bson.D{{Key: "$eq", Value: bson.A{"$lock.instanceId", instanceID}}},
	}}}
	update := bson.A{bson.D{{Key: "$set", Value: bson.D{{Key: "lock", Value: bson.D{
		{Key: "$cond", Value: bson.A{free, claim, "$lock"}},
	}}}}}}

	res := m.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true))
	var doc metaDoc
	if err := res.Decode(&doc); err != nil {
		return "", errors.Trace(err)
	}
	if doc.Lock == nil {
		return "", nil
	}
	return doc.Lock.InstanceID, nil
}

// Release implements leader.Store.
func (m *Meta) Release(ctx context.Context, instanceID string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: metaDocID},
			{Key: "lock.instanceId", Value: instanceID},
		},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "lock", Value: ""}}}})
	return errors.Trace(err)
}

// SaveStreamState checkpoints the change stream position.
func (m *Meta) SaveStreamState(ctx context.Context, resumeToken bson.Raw, clusterTime time.Time) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "streamState", Value: streamState{
			ResumeToken:     resumeToken,
			LastClusterTime: clusterTime,
		}}}}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

// ClearStreamState drops the persisted stream position, forcing the next
// planner to open a fresh stream.
func (m *Meta) ClearStreamState(ctx context.Context) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "streamState", Value: ""}}}})
	return errors.Trace(err)
}

// MarkReconcilePending flags the named tasks for a full reconciliation
// scan.
func (m *Meta) MarkReconcilePending(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	set := bson.D{}
	for _, name := range names {
		set = append(set, bson.E{Key: "reconciliation." + name, Value: false})
	}
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: set}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

// MarkReconciled records a completed scan for the task.
func (m *Meta) MarkReconciled(ctx context.Context, name string, at time.Time) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "reconciliation." + name, Value: true},
			{Key: "tasks." + name + ".lastReconciledAt", Value: at},
		}}})
	return errors.Trace(err)
}

// SaveCheckpoint records reconciliation scan progress for one source
// collection.
func (m *Meta) SaveCheckpoint(ctx context.Context, collection string, lastID interface{}, taskNames []string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "reconciliationState." + collection, Value: scanCheckpoint{
			LastID:    lastID,
			TaskNames: taskNames,
			UpdatedAt: m.clock.Now(),
		}}}}})
	return errors.Trace(err)
}

// ClearCheckpoint removes a finished scan's checkpoint.
func (m *Meta) ClearCheckpoint(ctx context.Context, collection string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "reconciliationState." + collection, Value: ""}}}})
	return errors.Trace(err)
}

// SetTriggerSig records the trigger signature the planner now runs with.
func (m *Meta) SetTriggerSig(ctx context.Context, name, sig string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "tasks." + name + ".triggerSig", Value: sig}}}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

// SetHandlerVersion records the handler version the planner now runs with.
func (m *Meta) SetHandlerVersion(ctx context.Context, name string, version int) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "tasks." + name + ".handlerVersion", Value: version}}}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

// SetLastCleanupAt records when the periodic cleanup pass last ran.
func (m *Meta) SetLastCleanupAt(ctx context.Context, at time.Time) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaDocID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "lastCleanupAt", Value: at}}}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}
