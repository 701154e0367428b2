// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package filter models the interest predicate of a reactive task: the
// query that decides which source documents a task cares about. A filter
// renders to a standard find/$match document, and can be rewritten to apply
// under a field prefix so the same predicate works against change-stream
// events, where the source document is nested under "fullDocument".
package filter

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Filter is a task's interest predicate over source documents.
type Filter interface {
	// Query renders the filter as a find/$match document.
	Query() bson.D
}

// Field matches a single field against a value. An empty Op means plain
// equality; otherwise Op is a query operator such as "$gt" or "$in".
type Field struct {
	Name  string
	Op    string
	Value interface{}
}

// Eq matches a field for equality.
func Eq(name string, value interface{}) Field {
	return Field{Name: name, Value: value}
}

// Query is part of the Filter interface.
func (f Field) Query() bson.D {
	if f.Op == "" {
		return bson.D{{Key: f.Name, Value: f.Value}}
	}
	return bson.D{{Key: f.Name, Value: bson.D{{Key: f.Op, Value: f.Value}}}}
}

// And matches documents satisfying every member.
type And []Filter

// Query is part of the Filter interface.
func (f And) Query() bson.D {
	return bson.D{{Key: "$and", Value: queries(f)}}
}

// Or matches documents satisfying at least one member.
type Or []Filter

// Query is part of the Filter interface.
func (f Or) Query() bson.D {
	return bson.D{{Key: "$or", Value: queries(f)}}
}

// Nor matches documents satisfying none of the members.
type Nor []Filter

// Query is part of the Filter interface.
func (f Nor) Query() bson.D {
	return bson.D{{Key: "$nor", Value: queries(f)}}
}

// Where wraps a boolean aggregation expression ($expr). System variables
// such as $$NOW and $$ROOT are available inside the expression.
type Where struct {
	Expr interface{}
}

// Query is part of the Filter interface.
func (f Where) Query() bson.D {
	return bson.D{{Key: "$expr", Value: f.Expr}}
}

// Raw is an arbitrary query document, for predicates the typed variants
// cannot express.
type Raw bson.D

// Query is part of the Filter interface.
func (f Raw) Query() bson.D {
	return bson.D(f)
}

// All matches every document.
func All() Filter {
	return Raw{}
}

func queries(fs []Filter) bson.A {
	out := make(bson.A, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Query())
	}
	return out
}
