package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("docstore: record not found")
	ErrUnavailable      = errors.New("docstore: unavailable")
	ErrPermissionDenied = errors.New("docstore: permission denied")
)

// Fields is a loosely typed record body.
type Fields map[string]any

// Record is one stored entry of a collection.
type Record struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects records of one collection. Limit <= 0 means unbounded.
type Query struct {
	Collection string
	Filters    []Filter
	Limit      int
}

// Where returns a copy of q with an extra equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// Key is a stable textual form of q, used for cache keys and log fields.
func (q Query) Key() string {
	parts := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Field, f.Value))
	}
	sort.Strings(parts)
	key := q.Collection
	if len(parts) > 0 {
		key += "?" + strings.Join(parts, "&")
	}
	if q.Limit > 0 {
		key += "#" + strconv.Itoa(q.Limit)
	}
	return key
}

// Matches reports whether fields satisfy every filter of q.
func (q Query) Matches(fields Fields) bool {
	for _, f := range q.Filters {
		if !equalValues(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Snapshot is one full result set delivered by a subscription. When Err is set
// Records is nil and the subscription stays open.
type Snapshot struct {
	Records []Record
	Err     error
}

// Subscription streams snapshots until closed. Only the latest undelivered
// snapshot is kept, so a slow reader always sees the newest result set.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Close()
}

// Store is the remote document and profile store.
type Store interface {
	Get(ctx context.Context, collection, id string) (Record, bool, error)
	// Set overwrites the record.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Merge creates the record if absent, otherwise writes only the given fields.
	Merge(ctx context.Context, collection, id string, fields Fields) error
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Update writes the given fields of an existing record; ErrNotFound otherwise.
	Update(ctx context.Context, collection, id string, fields Fields) error
	Increment(ctx context.Context, collection, id, field string, delta int64) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
}

// IsOffline reports connectivity-class failures.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "offline")
}

func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// CloneFields deep-copies nested maps and slices so callers never share
// storage with a store.
func CloneFields(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(CloneFields(Fields(t)))
	case Fields:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
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

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Record{ID: r.ID, Fields: CloneFields(r.Fields)}
	}
	return out
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toInt64(v any) int64 {
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	return int64(f)
}
