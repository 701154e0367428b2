// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package item

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Query selects work items for the listing and retry surfaces.
type Query struct {
	// Tasks restricts the query to the named tasks; empty means all.
	Tasks []string

	// Statuses restricts the query to items in these states.
	Statuses []Status

	// ID matches a single work item by its id.
	ID string

	// SourceDocID matches items by their source document id, given as a
	// string. It is coerced to every plausible id type (ObjectID hex,
	// number, plain string), so dashboards can paste any id form.
	SourceDocID string

	// ErrorMessage matches the last recorded error against a regular
	// expression.
	ErrorMessage string

	// HasError filters on whether the item carries a recorded error;
	// nil applies no filter.
	HasError *bool

	// SourceDocFilter selects items through a query over their source
	// documents rather than over the items themselves. The retry surface
	// resolves it with a batched id scan of each task's source collection.
	SourceDocFilter bson.D

	// Skip and Limit page the result, newest first.
	Skip  int64
	Limit int64
}

// Page is one page of a listing, with the totals across all pages.
type Page struct {
	Items  []Item `json:"items"`
	Total  int64  `json:"total"`
	Limit  int64  `json:"limit"`
	Offset int64  `json:"offset"`

	// Stats counts the matched items by status, paging and any status
	// restriction aside.
	Stats map[Status]int64 `json:"stats"`
}

// StatusCounts aggregates one task's items by status.
type StatusCounts struct {
	Task   string           `json:"task"`
	Counts map[Status]int64 `json:"counts"`
}
