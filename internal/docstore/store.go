// Package docstore defines a small document database contract with realtime
// change subscriptions, and drivers for it backed by process memory, SQL
// (through GORM) and MongoDB.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Fields is the content of a document. Supported values are string, bool,
// int64, float64, time.Time, []string, []any, nil and the transforms
// returned by ServerTimestamp and Increment.
type Fields map[string]any

// Doc is a stored document.
type Doc struct {
	ID     string
	Fields Fields
}

// Op is a filter comparison.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query or subscription.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Order sorts query results. Drivers may ignore it when the field is not
// indexed, so callers must sort again if they rely on order.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
}

// ChangeType classifies one change of a batch.
type ChangeType int

const (
	Added ChangeType = iota + 1
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one document entering, changing in or leaving a result set.
type Change struct {
	Type ChangeType
	Doc  Doc
}

// ChangeBatch is delivered by a subscription. The first batch has Snapshot
// set and lists every matching document as Added. Docs always holds the
// complete current result set. A batch with Err set reports a persistent
// failure; the subscription keeps retrying and a later successful batch
// means it recovered.
type ChangeBatch struct {
	Snapshot bool
	Changes  []Change
	Docs     []Doc
	Err      error
}

// Subscription is a live query. Cancel is idempotent; the Batches channel
// is closed once the subscription has stopped.
type Subscription interface {
	Batches() <-chan ChangeBatch
	Cancel()
}

// Store is a document database addressed by slash separated collection
// paths such as "chats" or "chats/c1/messages".
type Store interface {
	// Create stores a document under a generated id.
	Create(ctx context.Context, path string, data Fields) (string, error)
	// CreateWithID stores a document under id or fails with ErrAlreadyExists.
	CreateWithID(ctx context.Context, path, id string, data Fields) error
	Get(ctx context.Context, path, id string) (*Doc, error)
	// Update merges fields into an existing document or fails with ErrNotFound.
	Update(ctx context.Context, path, id string, fields Fields) error
	// BatchUpdate merges the same fields into every listed document.
	// Missing documents are skipped.
	BatchUpdate(ctx context.Context, path string, ids []string, fields Fields) error
	Delete(ctx context.Context, path, id string) error
	Query(ctx context.Context, path string, q Query) ([]Doc, error)
	Subscribe(ctx context.Context, path string, filters ...Filter) (Subscription, error)
	Close() error
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's clock at write time. Stores
// guarantee resolved values never go backwards.
func ServerTimestamp() any { return serverTimestamp{} }

type increment struct{ delta int64 }

// Increment adds delta to a numeric field, treating a missing field as zero.
func Increment(delta int64) any { return increment{delta: delta} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
	// Failures in a row before a subscription reports an error batch.
	persistentFailures = 3
)
