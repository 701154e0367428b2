// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reactive

import (
	"context"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the planner, workers and manager rely
// on, for every items collection the registry uses. Creation is idempotent.
func EnsureIndexes(ctx context.Context, db *mongo.Database, registry *Registry) error {
	models := []mongo.IndexModel{
		// One item per (task, source document); also backs scoped cleanup.
		{
			Keys:    bson.D{{Key: "task", Value: 1}, {Key: "sourceDocId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		// Claim scans: due items of a task in schedule order.
		{
			Keys: bson.D{
				{Key: "task", Value: 1},
				{Key: "status", Value: 1},
				{Key: "scheduledAt", Value: 1},
			},
		},
		// Expired lease takeover.
		{Keys: bson.D{{Key: "lockExpiresAt", Value: 1}}},
		// Listing, newest first.
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	for _, coll := range registry.ItemsCollections() {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Annotatef(err, "creating indexes on %q", coll)
		}
	}
	return nil
}
