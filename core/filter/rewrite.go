// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package filter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Prefixed renders the filter so it applies to documents nested under the
// given field prefix, e.g. Prefixed(f, "fullDocument") for matching change
// events against a task filter.
func Prefixed(f Filter, prefix string) bson.D {
	return PrefixQuery(f.Query(), prefix)
}

// PrefixQuery rewrites a query document under a field prefix. Left-hand
// field keys are prefixed; logical operators recurse into their branches;
// $expr bodies are rewritten as aggregation expressions. Operator keys
// ($eq, $in, ...) and their operand structure are preserved.
func PrefixQuery(q bson.D, prefix string) bson.D {
	out := make(bson.D, 0, len(q))
	for _, elem := range q {
		switch {
		case elem.Key == "$and" || elem.Key == "$or" || elem.Key == "$nor":
			out = append(out, bson.E{Key: elem.Key, Value: prefixBranches(elem.Value, prefix)})
		case elem.Key == "$expr":
			out = append(out, bson.E{Key: elem.Key, Value: PrefixExpr(elem.Value, prefix)})
		case strings.HasPrefix(elem.Key, "$"):
			// Other top-level operators ($comment, $text, ...) don't
			// reference field paths we can rewrite.
			out = append(out, elem)
		default:
			out = append(out, bson.E{Key: prefix + "." + elem.Key, Value: elem.Value})
		}
	}
	return out
}

// prefixBranches rewrites the branch documents of a logical operator
// ($and, $or, $nor), leaving anything that is not a query document alone.
func prefixBranches(v interface{}, prefix string) interface{} {
	branches, ok := v.(bson.A)
	if !ok {
		return v
	}
	out := make(bson.A, len(branches))
	for i, branch := range branches {
		if q, ok := branch.(bson.D); ok {
			out[i] = PrefixQuery(q, prefix)
			continue
		}
		out[i] = branch
	}
	return out
}

// PrefixExpr rewrites an aggregation expression under a field prefix. Bare
// field paths ("$name") gain the prefix; system variables ("$$NOW",
// "$$ROOT") are left alone; $literal operands are not descended into.
func PrefixExpr(v interface{}, prefix string) interface{} {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$$") {
			return val
		}
		if strings.HasPrefix(val, "$") {
			return "$" + prefix + "." + val[1:]
		}
		return val
	case bson.D:
		out := make(bson.D, 0, len(val))
		for _, elem := range val {
			if elem.Key == "$literal" {
				out = append(out, elem)
				continue
			}
			out = append(out, bson.E{Key: elem.Key, Value: PrefixExpr(elem.Value, prefix)})
		}
		return out
	case bson.M:
		out := make(bson.M, len(val))
		for k, item := range val {
			if k == "$literal" {
				out[k] = item
				continue
			}
			out[k] = PrefixExpr(item, prefix)
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = PrefixExpr(item, prefix)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = PrefixExpr(item, prefix)
		}
		return out
	default:
		return v
	}
}
