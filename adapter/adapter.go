// Package adapter defines the contract between the mapper and a remote
// table store. Implementations live in the dynamo and memory subpackages.
//
// Item values are restricted to the wire representation: string, int64 or
// float64 numbers, []string (string set) and []float64 (number set).
// Undeclared attributes read from the store may carry other shapes and are
// passed through untouched.
package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Item is one stored record.
type Item = map[string]any

// Key addresses a record by hash key and optional range key.
type Key struct {
	Hash  any
	Range any
}

// String renders the key for logs and errors.
func (k Key) String() string {
	if k.Range == nil {
		return fmt.Sprint(k.Hash)
	}
	return fmt.Sprintf("%v/%v", k.Hash, k.Range)
}

// Operator compares a range key.
type Operator int

const (
	OpEq Operator = iota
	OpGT
	OpLT
	OpGTE
	OpLTE
	OpBeginsWith
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpGT:
		return "gt"
	case OpLT:
		return "lt"
	case OpGTE:
		return "gte"
	case OpLTE:
		return "lte"
	case OpBeginsWith:
		return "begins_with"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOperator maps a condition suffix such as "gt" to an Operator.
func ParseOperator(s string) (Operator, bool) {
	switch s {
	case "eq":
		return OpEq, true
	case "gt":
		return OpGT, true
	case "lt":
		return OpLT, true
	case "gte":
		return OpGTE, true
	case "lte":
		return OpLTE, true
	case "begins_with":
		return OpBeginsWith, true
	}
	return 0, false
}

// RangeCondition restricts the range key of a query.
type RangeCondition struct {
	Op    Operator
	Value any
}

// WriteOptions configures Write.
type WriteOptions struct {
	// UnlessExists fails the write with ErrConditionalCheckFailed when an
	// item with any of these attributes already exists at the key.
	UnlessExists []string
}

// ReadOptions configures Read.
type ReadOptions struct {
	Consistent bool
}

// QueryInput describes a key query against one hash value.
type QueryInput struct {
	Hash       any
	Range      *RangeCondition
	Consistent bool
	Limit      int
	StartKey   *Key
	Descending bool
}

// ScanOptions configures Scan.
type ScanOptions struct {
	Limit      int
	StartKey   *Key
	Consistent bool
}

// Update describes an atomic single-item update.
type Update struct {
	// Set overwrites attributes.
	Set map[string]any
	// Add adds to numbers or unions into sets.
	Add map[string]any
	// Delete removes members from sets.
	Delete map[string]any
	// Remove drops attributes.
	Remove []string
	// Expected must match the stored values for the update to apply.
	// A nil expected value requires the attribute to be absent.
	Expected map[string]any
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Add) == 0 && len(u.Delete) == 0 && len(u.Remove) == 0
}

// KeyType is the scalar type of a key attribute.
type KeyType int

const (
	KeyString KeyType = iota
	KeyNumber
)

// TableSpec describes a table to create.
type TableSpec struct {
	HashKey       string
	HashType      KeyType
	RangeKey      string
	RangeType     KeyType
	ReadCapacity  int64
	WriteCapacity int64
}

// Adapter is the remote store collaborator.
type Adapter interface {
	// Write upserts one item.
	Write(ctx context.Context, table string, item Item, opts WriteOptions) error

	// Read returns the item at key, or nil when there is none.
	Read(ctx context.Context, table string, key Key, opts ReadOptions) (Item, error)

	// Delete removes the item at key. Deleting a missing item is not an error.
	Delete(ctx context.Context, table string, key Key) error

	// Query returns the items sharing one hash value, ordered by range key.
	Query(ctx context.Context, table string, in QueryInput) ([]Item, error)

	// Scan returns the items whose attributes equal every entry in filter.
	Scan(ctx context.Context, table string, filter map[string]any, opts ScanOptions) ([]Item, error)

	// UpdateItem applies u atomically and returns the item after the update.
	UpdateItem(ctx context.Context, table string, key Key, u Update) (Item, error)

	// BatchGet reads many keys per table. Missing items are absent from the result.
	BatchGet(ctx context.Context, keys map[string][]Key, opts ReadOptions) (map[string][]Item, error)

	CreateTable(ctx context.Context, table string, spec TableSpec) (bool, error)
	DeleteTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)
	ListTables(ctx context.Context) ([]string, error)
}

var (
	// ErrConditionalCheckFailed is returned when a write precondition does not hold.
	ErrConditionalCheckFailed = errors.New("adapter: conditional check failed")

	// ErrTableNotFound is returned when an operation targets a missing table.
	ErrTableNotFound = errors.New("adapter: table not found")
)
