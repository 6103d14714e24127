package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
	"github.com/jacentio/docmap/internal/shard"
)

// refSeparator joins hash and range in the refs stored by index records.
// Occurrences in the hash part are escaped with refEscape.
const (
	refSeparator = '.'
	refEscape    = '\\'
)

var refEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`)

// wireString renders a wire scalar for composite keys and refs.
func wireString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case int64, float64:
		return attr.FormatNumber(x)
	}
	return "", false
}

// dumpKeyPart converts one key value to its wire form.
func (m *Model) dumpKeyPart(name string, v any) (any, error) {
	f, _ := m.attrs.Field(name)
	w, err := attr.DumpField(v, attr.Field{Name: f.Name, Kind: f.Kind})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, m.name, name)
	}
	return w, nil
}

// dumpKey converts typed or wire key values to wire values, without partitioning.
func (m *Model) dumpKey(key Key) (hash, rng any, err error) {
	if hash, err = m.dumpKeyPart(m.hashKey, key.Hash); err != nil {
		return nil, nil, err
	}
	if m.rangeKey == "" {
		return hash, nil, nil
	}
	if rng, err = m.dumpKeyPart(m.rangeKey, key.Range); err != nil {
		return nil, nil, err
	}
	return hash, rng, nil
}

// wireKey returns the adapter key of a record, applying partitioning.
func (m *Model) wireKey(key Key) (adapter.Key, error) {
	hash, rng, err := m.dumpKey(key)
	if err != nil {
		return adapter.Key{}, err
	}
	return adapter.Key{Hash: m.partitioned(hash, rng), Range: rng}, nil
}

// partitioned maps a wire hash value to its stored form.
func (m *Model) partitioned(hash, rng any) any {
	n := m.store.config.partitions()
	if n == 0 {
		return hash
	}
	h, _ := wireString(hash)
	r, _ := wireString(rng)
	return shard.Key(h, r, n)
}

// keyOf extracts the key of typed attribute values.
func (m *Model) keyOf(values map[string]any) Key {
	k := Key{Hash: values[m.hashKey]}
	if m.rangeKey != "" {
		k.Range = values[m.rangeKey]
	}
	return k
}

// refOfKey renders a key as the ref stored in index records: "hash" or
// "hash.range", with separators in the hash escaped as `\.`.
func (m *Model) refOfKey(key Key) (string, error) {
	hash, rng, err := m.dumpKey(key)
	if err != nil {
		return "", err
	}
	h, _ := wireString(hash)
	if m.rangeKey == "" {
		return h, nil
	}
	r, _ := wireString(rng)
	return refEscaper.Replace(h) + string(refSeparator) + r, nil
}

// splitRef cuts a ref at its first unescaped separator and unescapes the hash.
func splitRef(ref string) (hash, rng string, ok bool) {
	var b strings.Builder
	for i := 0; i < len(ref); i++ {
		switch ref[i] {
		case refEscape:
			if i+1 < len(ref) {
				i++
			}
		case refSeparator:
			return b.String(), ref[i+1:], true
		}
		b.WriteByte(ref[i])
	}
	return b.String(), "", false
}

// parseRef is the inverse of refOfKey. It returns wire values.
func (m *Model) parseRef(ref string) (Key, error) {
	if m.rangeKey == "" {
		h, err := m.parseKeyPart(m.hashKey, ref)
		return Key{Hash: h}, err
	}
	hs, rs, ok := splitRef(ref)
	if !ok {
		return Key{}, fmt.Errorf("%s: malformed index ref %q", m.name, ref)
	}
	h, err := m.parseKeyPart(m.hashKey, hs)
	if err != nil {
		return Key{}, err
	}
	r, err := m.parseKeyPart(m.rangeKey, rs)
	if err != nil {
		return Key{}, err
	}
	return Key{Hash: h, Range: r}, nil
}

func (m *Model) parseKeyPart(name, s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s.%s in index ref", ErrMissingKey, m.name, name)
	}
	f, _ := m.attrs.Field(name)
	switch f.Kind {
	case attr.Integer:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: index ref part %q: %w", m.name, s, err)
		}
		return n, nil
	case attr.Float, attr.Datetime:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: index ref part %q: %w", m.name, s, err)
		}
		return v, nil
	}
	return s, nil
}

// indexKey is the address of one index record.
type indexKey struct {
	hash     string
	rng      float64
	hasRange bool
}

func (k indexKey) adapterKey() adapter.Key {
	if k.hasRange {
		return adapter.Key{Hash: k.hash, Range: k.rng}
	}
	return adapter.Key{Hash: k.hash}
}

// indexKeyOf computes where typed values are indexed in idx. It reports false
// when any covered attribute is blank or not a scalar.
func (m *Model) indexKeyOf(idx *index.Index, values map[string]any) (indexKey, bool) {
	parts := make(map[string]string, len(idx.Attributes))
	for _, name := range idx.HashKeys() {
		f, _ := m.attrs.Field(name)
		w, err := attr.DumpField(values[name], attr.Field{Name: f.Name, Kind: f.Kind, Serializer: f.Serializer})
		if err != nil {
			return indexKey{}, false
		}
		s, ok := wireString(w)
		if !ok {
			return indexKey{}, false
		}
		parts[name] = s
	}
	hash, ok := idx.HashValue(parts)
	if !ok {
		return indexKey{}, false
	}
	k := indexKey{hash: hash}
	if idx.HasRange() {
		r, ok := indexRangeValue(values[idx.Range])
		if !ok {
			return indexKey{}, false
		}
		k.rng, k.hasRange = r, true
	}
	return k, true
}

// indexRangeValue coerces a typed or wire value to the numeric index range.
func indexRangeValue(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := attr.DumpField(v, attr.Field{Name: index.RangeAttr, Kind: attr.Float})
	if err == nil {
		if x, ok := f.(float64); ok {
			return x, true
		}
	}
	t, err := attr.DumpField(v, attr.Field{Name: index.RangeAttr, Kind: attr.Datetime})
	if err != nil {
		return 0, false
	}
	x, ok := t.(float64)
	return x, ok
}
