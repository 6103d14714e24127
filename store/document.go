package store

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/internal/shard"
)

// Document is one record of a model. It is not safe for concurrent use.
type Document struct {
	model *Model

	attrs map[string]any
	// orig holds the attributes as last persisted or loaded.
	orig map[string]any

	newRecord bool
	destroyed bool
}

// load builds a persisted document from a stored item.
func (m *Model) load(item adapter.Item) (*Document, error) {
	raw := make(map[string]any, len(item))
	for k, v := range item {
		raw[k] = v
	}
	if m.store.config.partitions() > 0 {
		if h, ok := raw[m.hashKey].(string); ok {
			raw[m.hashKey] = shard.Strip(h)
		}
	}
	values, err := attr.Undump(raw, m.attrs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", m.name, err)
	}
	return &Document{model: m, attrs: values, orig: cloneValues(values)}, nil
}

// Model returns the model of d.
func (d *Document) Model() *Model { return d.model }

// Get returns the typed value of an attribute, or nil.
func (d *Document) Get(name string) any { return d.attrs[name] }

// Set assigns an attribute. Declared attributes are coerced to their kind;
// blank values clear the attribute. Undeclared attributes are kept in memory
// but never persisted.
func (d *Document) Set(name string, v any) error {
	if v == nil {
		delete(d.attrs, name)
		return nil
	}
	f, ok := d.model.attrs.Field(name)
	if !ok || f.Kind == attr.Serialized {
		d.attrs[name] = v
		return nil
	}
	w, err := attr.DumpField(v, f)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", d.model.name, name, err)
	}
	if w == nil {
		delete(d.attrs, name)
		return nil
	}
	typed, err := attr.UndumpField(w, f)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", d.model.name, name, err)
	}
	d.attrs[name] = typed
	return nil
}

// String returns a string attribute, or "".
func (d *Document) String(name string) string {
	s, _ := d.attrs[name].(string)
	return s
}

// Int returns an integer attribute, or 0.
func (d *Document) Int(name string) int64 {
	switch n := d.attrs[name].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// Float returns a numeric attribute, or 0.
func (d *Document) Float(name string) float64 {
	switch n := d.attrs[name].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

// Time returns a datetime attribute, or the zero time.
func (d *Document) Time(name string) time.Time {
	t, _ := d.attrs[name].(time.Time)
	return t
}

// Strings returns a string set attribute, or nil.
func (d *Document) Strings(name string) []string {
	switch s := d.attrs[name].(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, v := range s {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// HashKey returns the hash key value.
func (d *Document) HashKey() any { return d.attrs[d.model.hashKey] }

// RangeValue returns the range key value, or nil for hash-only models.
func (d *Document) RangeValue() any {
	if d.model.rangeKey == "" {
		return nil
	}
	return d.attrs[d.model.rangeKey]
}

// Key returns the key of d.
func (d *Document) Key() Key { return d.model.keyOf(d.attrs) }

// ID returns the identity of d: the hash key, joined with the range key by
// "." for range-keyed models, with dots in the hash escaped. It is empty
// until the keys are set.
func (d *Document) ID() string {
	ref, err := d.model.refOfKey(d.Key())
	if err != nil {
		return ""
	}
	return ref
}

// NewRecord reports whether d has never been persisted.
func (d *Document) NewRecord() bool { return d.newRecord }

// Persisted reports whether d is stored and not destroyed.
func (d *Document) Persisted() bool { return !d.newRecord && !d.destroyed }

// Destroyed reports whether d was deleted.
func (d *Document) Destroyed() bool { return d.destroyed }

// Changed reports whether any attribute differs from the persisted state.
func (d *Document) Changed() bool { return len(d.ChangedAttributes()) > 0 }

// ChangedAttributes returns the sorted names of attributes that differ from
// the persisted state. Every set attribute of a new record counts as changed.
func (d *Document) ChangedAttributes() []string {
	var names []string
	for k, v := range d.attrs {
		if !sameValue(v, d.orig[k]) {
			names = append(names, k)
		}
	}
	for k := range d.orig {
		if _, ok := d.attrs[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Was returns the persisted value of an attribute.
func (d *Document) Was(name string) any { return d.orig[name] }

// Attributes returns a copy of the typed attributes.
func (d *Document) Attributes() map[string]any { return cloneValues(d.attrs) }

func (d *Document) markPersisted() {
	d.orig = cloneValues(d.attrs)
	d.newRecord = false
}

func cloneValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case []string:
			out[k] = append([]string(nil), x...)
		case []float64:
			out[k] = append([]float64(nil), x...)
		default:
			out[k] = v
		}
	}
	return out
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
