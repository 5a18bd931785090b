package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("store: document not found")

// Op is a query comparison operator.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
	OpGreaterEqual  Op = ">="
	OpLess          Op = "<"
)

// Filter restricts a query to documents whose field matches the operator.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results on a single field.
type Order struct {
	Field string
	Desc  bool
}

// Query describes a read against one collection. Collection may be a
// nested path such as "conversations/abc/messages".
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

// Document is a raw document snapshot.
type Document struct {
	Path string
	Data map[string]any
}

// ID returns the last path segment.
func (d Document) ID() string {
	idx := strings.LastIndexByte(d.Path, '/')
	if idx < 0 {
		return d.Path
	}
	return d.Path[idx+1:]
}

// Write is a single mutation. Field keys may use dotted paths
// ("unread.u123") to address nested values. With Merge set, only the
// named fields are touched; otherwise the document is replaced.
type Write struct {
	Path   string
	Fields map[string]any
	Merge  bool
}

// Subscription delivers full result-set snapshots for a query until
// stopped. Snapshots are coalesced: a slow consumer observes the latest
// state, not every intermediate one.
type Subscription interface {
	// Snapshots yields the current matching documents after every
	// relevant change. The channel is closed when the subscription ends.
	Snapshots() <-chan []Document
	// Err reports why the subscription ended, nil on a clean Stop.
	Err() error
	Stop()
}

// Store is the document store client surface the engine is written
// against. Firestore, MongoDB and the in-memory test store implement it.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	Write(ctx context.Context, w Write) error
	Delete(ctx context.Context, path string) error
	// RunBatch applies the writes with the backend's best atomicity.
	// Backends without a multi-document primitive apply them in order
	// and return the first error.
	RunBatch(ctx context.Context, writes []Write) error
	// NewID allocates a fresh document id for the collection.
	NewID(collection string) string
}

// Sentinel mutation values, resolved by each backend.

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's authoritative time on write.
var ServerTimestamp = serverTimestamp{}

type incrementValue struct{ By int64 }

// Increment adds n to the current numeric field value (missing counts
// as zero).
func Increment(n int64) any { return incrementValue{By: n} }

type arrayUnion struct{ Values []any }

// ArrayUnion appends each value not already present in the array field.
func ArrayUnion(values ...any) any { return arrayUnion{Values: values} }

type arrayRemove struct{ Values []any }

// ArrayRemove removes every occurrence of the values from the array
// field. Removing an absent value is a no-op.
func ArrayRemove(values ...any) any { return arrayRemove{Values: values} }
