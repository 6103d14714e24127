// Package index declares the secondary indexes of a model and resolves queries to them.
//
// An index is a separate table keyed by a composite string built from the values of
// its attributes, sorted by attribute name and joined with [Delimiter]. Each index
// record holds the set of primary refs whose attributes currently produce that key.
// An index may carry one trailing range attribute; its value is stored as the
// numeric range key of the index record.
package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Delimiter joins the attribute values of a composite index hash key.
const Delimiter = "."

// Attribute names of index records.
const (
	HashAttr  = "id"
	RangeAttr = "range"
	IDsAttr   = "ids"
)

// ErrDuplicateIndex is returned when an attribute set is registered twice.
var ErrDuplicateIndex = errors.New("index: attribute set already registered")

// Spec declares an index. Range, if set, must not also appear in Hash.
type Spec struct {
	Hash  []string
	Range string
}

// Index is a registered index descriptor.
type Index struct {
	// Attributes is the sorted list of every attribute the index covers, range included.
	Attributes []string

	// Range is the attribute stored as the index range key, or empty.
	Range string

	// TableName is the backing index table.
	TableName string

	hash []string
}

// HashKeys returns the sorted attributes that form the composite hash key.
func (i *Index) HashKeys() []string {
	out := make([]string, len(i.hash))
	copy(out, i.hash)
	return out
}

// HasRange reports whether the index carries a range attribute.
func (i *Index) HasRange() bool { return i.Range != "" }

// HashValue builds the composite hash key from the string form of each hash
// attribute value. It reports false when any value is missing or blank.
func (i *Index) HashValue(values map[string]string) (string, bool) {
	parts := make([]string, 0, len(i.hash))
	for _, name := range i.hash {
		v, ok := values[name]
		if !ok || v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, Delimiter), true
}

// TableName derives the backing table of an index over attrs.
func TableName(modelTable string, attrs []string) string {
	sorted := sortedCopy(attrs)
	return modelTable + "_index_" + strings.Join(sorted, "_and_")
}

// Registry holds the indexes of one model.
type Registry struct {
	mu      sync.RWMutex
	table   string
	indexes []*Index
	bySet   map[string]*Index
}

// NewRegistry creates an empty registry for the model stored in modelTable.
func NewRegistry(modelTable string) *Registry {
	return &Registry{
		table: modelTable,
		bySet: make(map[string]*Index),
	}
}

// Register adds an index. It should be called while the model is declared.
func (r *Registry) Register(spec Spec) (*Index, error) {
	if len(spec.Hash) == 0 {
		return nil, errors.New("index: at least one hash attribute is required")
	}
	hash := sortedCopy(spec.Hash)
	all := hash
	if spec.Range != "" {
		for _, h := range hash {
			if h == spec.Range {
				return nil, fmt.Errorf("index: %q is both hash and range attribute", h)
			}
		}
		all = sortedCopy(append(append([]string{}, hash...), spec.Range))
	}

	idx := &Index{
		Attributes: all,
		Range:      spec.Range,
		TableName:  TableName(r.table, all),
		hash:       hash,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := setKey(all)
	if _, exists := r.bySet[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIndex, strings.Join(all, ","))
	}
	r.bySet[key] = idx
	r.indexes = append(r.indexes, idx)
	return idx, nil
}

// Find returns the index whose attribute set equals attrs exactly.
func (r *Registry) Find(attrs []string) (*Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.bySet[setKey(attrs)]
	return idx, ok
}

// All returns every registered index in registration order.
func (r *Registry) All() []*Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Index, len(r.indexes))
	copy(out, r.indexes)
	return out
}

// Len returns the number of registered indexes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes)
}

func setKey(attrs []string) string {
	seen := make(map[string]struct{}, len(attrs))
	uniq := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		uniq = append(uniq, a)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "\x00")
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
