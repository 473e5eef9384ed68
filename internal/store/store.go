// Package store defines the document-store contract the coordinator runs
// against, plus adapters for the supported backends. The contract is
// deliberately narrow: collection-scoped writes, filtered queries with
// backend-defined result order, and push subscriptions that deliver full
// snapshots (never deltas), with an "added" change stream for append-only
// collections. Every adapter assigns server-side timestamps for fields set
// to the ServerTimestamp sentinel.
package store

import (
	"context"
	"strings"
)

// Query filter operators. The set mirrors what every supported backend can
// evaluate; anything richer belongs in application code.
const (
	OpEqual            = "=="
	OpNotEqual         = "!="
	OpArrayContainsAny = "array-contains-any"
)

// serverTimestampSentinel marks a field to be replaced with a server-assigned
// monotonic timestamp (unix milliseconds) at write time.
type serverTimestampSentinel struct{}

// ServerTimestamp is the sentinel value for server-assigned timestamps.
var ServerTimestamp = serverTimestampSentinel{}

// Document is one stored document. Data values are JSON-ish: strings, bools,
// float64/int64 numbers, []any, and nested map[string]any. Timestamp fields
// read back as int64 unix milliseconds on every backend.
type Document struct {
	ID   string
	Data map[string]any
}

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query describes a filtered read or query subscription over one collection.
// When OrderBy is empty the result order is backend-defined and callers must
// not rely on it.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string // ascending sort key, typically "createdAt"
	Limit      int    // 0 = unlimited
}

// Unsubscribe tears down one subscription. Calling it more than once is
// harmless.
type Unsubscribe func()

// Store is the document store seen by the coordinator. Paths are
// slash-joined: "chatRooms/<id>" names a document,
// "chatRooms/<id>/messages" a sub-collection.
type Store interface {
	// Create adds a document with a generated id and returns the id.
	Create(ctx context.Context, collection string, data map[string]any) (string, error)

	// Set writes a document at an explicit path, replacing any prior content.
	Set(ctx context.Context, path string, data map[string]any) error

	// Update merges fields into an existing document.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error

	// Get reads one document. The second return is false if it does not exist.
	Get(ctx context.Context, path string) (Document, bool, error)

	// Query runs a one-shot filtered read.
	Query(ctx context.Context, q Query) ([]Document, error)

	// SubscribeDoc delivers the current document state immediately and again
	// after every change. exists is false when the document is absent or has
	// been deleted. Deliveries for one subscription are ordered; nothing is
	// guaranteed across subscriptions.
	SubscribeDoc(ctx context.Context, path string, fn func(doc Document, exists bool)) (Unsubscribe, error)

	// SubscribeQuery delivers the full current result set immediately and
	// again after every change to the collection.
	SubscribeQuery(ctx context.Context, q Query, fn func(docs []Document)) (Unsubscribe, error)

	// SubscribeAdditions delivers every document added to the collection
	// after the subscription is established, plus any documents already
	// present, one call per document.
	SubscribeAdditions(ctx context.Context, collection string, fn func(doc Document)) (Unsubscribe, error)
}

// Join builds a slash-separated document or collection path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// parentCollection returns the collection path of a document path.
func parentCollection(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// docID returns the final path segment.
func docID(path string) string {
	i := strings.LastIndex(path, "/")
	return path[i+1:]
}

// matches evaluates all filters against a document.
func matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(doc, f) {
			return false
		}
	}
	return true
}

func matchOne(doc Document, f Filter) bool {
	got, ok := doc.Data[f.Field]
	switch f.Op {
	case OpEqual:
		return ok && equalValue(got, f.Value)
	case OpNotEqual:
		// Backends treat != as "field present and different".
		return ok && !equalValue(got, f.Value)
	case OpArrayContainsAny:
		if !ok {
			return false
		}
		return containsAny(got, f.Value)
	default:
		return false
	}
}

func equalValue(a, b any) bool {
	return normalize(a) == normalize(b)
}

// normalize folds numeric types so that values survive JSON round-trips.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return v
	}
}

func containsAny(field any, wanted any) bool {
	have := toStrings(field)
	for _, w := range toStrings(wanted) {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{s}
	default:
		return nil
	}
}

// orderValue extracts a sortable int64 from a document field. Missing or
// non-numeric fields sort first.
func orderValue(doc Document, field string) int64 {
	switch n := doc.Data[field].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// AsInt64 coerces a document field to int64, tolerating the float64 that
// JSON-based backends hand back. Returns 0 for anything else.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// AsString coerces a document field to string, returning "" when absent.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsBool coerces a document field to bool, returning false when absent.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsStrings coerces a document field to a string slice.
func AsStrings(v any) []string {
	return toStrings(v)
}

// cloneData deep-copies a document payload so that callers and subscribers
// never alias store-owned maps.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
