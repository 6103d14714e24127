// Package memory is an in-process implementation of adapter.Adapter.
//
// It follows the DynamoDB semantics the mapper relies on (upserts, key queries
// ordered by range key, conditional updates, ADD/DELETE on sets) and records
// every call so tests can assert which requests a plan issued.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/jacentio/docmap/adapter"
)

// Call is one recorded adapter request.
type Call struct {
	Op    string
	Table string
}

type table struct {
	spec  adapter.TableSpec
	items map[string]adapter.Item
	order []string
}

// Adapter stores tables in memory. It is safe for concurrent use.
type Adapter struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  []Call
}

var _ adapter.Adapter = (*Adapter)(nil)

// New returns an empty store.
func New() *Adapter {
	return &Adapter{tables: make(map[string]*table)}
}

// Calls returns the requests issued so far.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// ResetCalls clears the call log.
func (a *Adapter) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

// Len returns the number of items in name, or zero for a missing table.
func (a *Adapter) Len(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tables[name]; ok {
		return len(t.items)
	}
	return 0
}

func (a *Adapter) record(op, name string) {
	a.calls = append(a.calls, Call{Op: op, Table: name})
}

func (a *Adapter) table(name string) (*table, error) {
	t, ok := a.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrTableNotFound, name)
	}
	return t, nil
}

func (a *Adapter) Write(ctx context.Context, name string, item adapter.Item, opts adapter.WriteOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Write", name)

	t, err := a.table(name)
	if err != nil {
		return err
	}
	key, err := t.keyOf(item)
	if err != nil {
		return err
	}
	id := t.id(key)
	if existing, ok := t.items[id]; ok {
		for _, attr := range opts.UnlessExists {
			if _, has := existing[attr]; has {
				return adapter.ErrConditionalCheckFailed
			}
		}
	}
	t.put(id, copyItem(item))
	return nil
}

func (a *Adapter) Read(ctx context.Context, name string, key adapter.Key, opts adapter.ReadOptions) (adapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Read", name)

	t, err := a.table(name)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[t.id(key)]
	if !ok {
		return nil, nil
	}
	return copyItem(item), nil
}

func (a *Adapter) Delete(ctx context.Context, name string, key adapter.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Delete", name)

	t, err := a.table(name)
	if err != nil {
		return err
	}
	t.remove(t.id(key))
	return nil
}

func (a *Adapter) Query(ctx context.Context, name string, in adapter.QueryInput) ([]adapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Query", name)

	t, err := a.table(name)
	if err != nil {
		return nil, err
	}
	var matched []adapter.Item
	for _, id := range t.order {
		item := t.items[id]
		if !adapter.Equal(item[t.spec.HashKey], in.Hash) {
			continue
		}
		if in.Range != nil && (t.spec.RangeKey == "" || !in.Range.Matches(item[t.spec.RangeKey])) {
			continue
		}
		matched = append(matched, item)
	}
	if t.spec.RangeKey != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			cmp, _ := adapter.Compare(matched[i][t.spec.RangeKey], matched[j][t.spec.RangeKey])
			if in.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if in.StartKey != nil {
		start := t.id(*in.StartKey)
		for i, item := range matched {
			k, _ := t.keyOf(item)
			if t.id(k) == start {
				matched = matched[i+1:]
				break
			}
		}
	}
	return limitCopy(matched, in.Limit), nil
}

func (a *Adapter) Scan(ctx context.Context, name string, filter map[string]any, opts adapter.ScanOptions) ([]adapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Scan", name)

	t, err := a.table(name)
	if err != nil {
		return nil, err
	}
	order := t.order
	if opts.StartKey != nil {
		start := t.id(*opts.StartKey)
		for i, id := range order {
			if id == start {
				order = order[i+1:]
				break
			}
		}
	}
	var matched []adapter.Item
	for _, id := range order {
		item := t.items[id]
		ok := true
		for k, v := range filter {
			if !adapter.Equal(item[k], v) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, item)
		}
	}
	return limitCopy(matched, opts.Limit), nil
}

func (a *Adapter) UpdateItem(ctx context.Context, name string, key adapter.Key, u adapter.Update) (adapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("UpdateItem", name)

	t, err := a.table(name)
	if err != nil {
		return nil, err
	}
	id := t.id(key)
	current := t.items[id]
	for attr, want := range u.Expected {
		got := current[attr]
		if want == nil {
			if got != nil {
				return nil, adapter.ErrConditionalCheckFailed
			}
			continue
		}
		if !adapter.Equal(got, want) {
			return nil, adapter.ErrConditionalCheckFailed
		}
	}

	next := copyItem(current)
	if next == nil {
		next = adapter.Item{}
	}
	next[t.spec.HashKey] = key.Hash
	if t.spec.RangeKey != "" {
		next[t.spec.RangeKey] = key.Range
	}
	for attr, v := range u.Set {
		next[attr] = copyValue(v)
	}
	for attr, v := range u.Add {
		merged, err := add(next[attr], v)
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", attr, err)
		}
		next[attr] = merged
	}
	for attr, v := range u.Delete {
		if rest := subtract(next[attr], v); rest == nil {
			delete(next, attr)
		} else {
			next[attr] = rest
		}
	}
	for _, attr := range u.Remove {
		delete(next, attr)
	}
	t.put(id, next)
	return copyItem(next), nil
}

func (a *Adapter) BatchGet(ctx context.Context, keys map[string][]adapter.Key, opts adapter.ReadOptions) (map[string][]adapter.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]adapter.Item, len(keys))
	for name, ks := range keys {
		a.record("BatchGet", name)
		t, err := a.table(name)
		if err != nil {
			return nil, err
		}
		for _, k := range ks {
			if item, ok := t.items[t.id(k)]; ok {
				out[name] = append(out[name], copyItem(item))
			}
		}
	}
	return out, nil
}

func (a *Adapter) CreateTable(ctx context.Context, name string, spec adapter.TableSpec) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("CreateTable", name)

	if _, exists := a.tables[name]; exists {
		return false, nil
	}
	a.tables[name] = &table{spec: spec, items: make(map[string]adapter.Item)}
	return true, nil
}

func (a *Adapter) DeleteTable(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("DeleteTable", name)

	if _, err := a.table(name); err != nil {
		return err
	}
	delete(a.tables, name)
	return nil
}

func (a *Adapter) TableExists(ctx context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("TableExists", name)

	_, ok := a.tables[name]
	return ok, nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("ListTables", "")

	names := make([]string, 0, len(a.tables))
	for name := range a.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (t *table) keyOf(item adapter.Item) (adapter.Key, error) {
	hash, ok := item[t.spec.HashKey]
	if !ok || hash == nil {
		return adapter.Key{}, fmt.Errorf("memory: item is missing hash key %q", t.spec.HashKey)
	}
	key := adapter.Key{Hash: hash}
	if t.spec.RangeKey != "" {
		rng, ok := item[t.spec.RangeKey]
		if !ok || rng == nil {
			return adapter.Key{}, fmt.Errorf("memory: item is missing range key %q", t.spec.RangeKey)
		}
		key.Range = rng
	}
	return key, nil
}

func (t *table) id(k adapter.Key) string {
	if t.spec.RangeKey == "" {
		return keyPart(k.Hash)
	}
	return keyPart(k.Hash) + "\x00" + keyPart(k.Range)
}

func (t *table) put(id string, item adapter.Item) {
	if _, exists := t.items[id]; !exists {
		t.order = append(t.order, id)
	}
	t.items[id] = item
}

func (t *table) remove(id string) {
	if _, exists := t.items[id]; !exists {
		return
	}
	delete(t.items, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

func keyPart(v any) string {
	switch x := v.(type) {
	case string:
		return "s:" + x
	case int64:
		return "n:" + strconv.FormatFloat(float64(x), 'f', -1, 64)
	case int:
		return "n:" + strconv.FormatFloat(float64(x), 'f', -1, 64)
	case float64:
		return "n:" + strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprintf("?:%v", v)
}

func add(current, delta any) (any, error) {
	if current == nil {
		return copyValue(delta), nil
	}
	switch cur := current.(type) {
	case int64:
		if d, ok := delta.(int64); ok {
			return cur + d, nil
		}
	case []string:
		d, ok := delta.([]string)
		if !ok {
			return nil, fmt.Errorf("cannot add %T to a string set", delta)
		}
		return union(cur, d), nil
	case []float64:
		d, ok := delta.([]float64)
		if !ok {
			return nil, fmt.Errorf("cannot add %T to a number set", delta)
		}
		return union(cur, d), nil
	}
	c, cok := asFloat(current)
	d, dok := asFloat(delta)
	if !cok || !dok {
		return nil, fmt.Errorf("cannot add %T to %T", delta, current)
	}
	return c + d, nil
}

func subtract(current, delta any) any {
	switch cur := current.(type) {
	case []string:
		d, _ := delta.([]string)
		if rest := difference(cur, d); len(rest) > 0 {
			return rest
		}
		return nil
	case []float64:
		d, _ := delta.([]float64)
		if rest := difference(cur, d); len(rest) > 0 {
			return rest
		}
		return nil
	}
	return current
}

func union[T comparable](a, b []T) []T {
	seen := make(map[T]struct{}, len(a)+len(b))
	out := make([]T, 0, len(a)+len(b))
	for _, v := range append(append([]T{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func difference[T comparable](a, b []T) []T {
	drop := make(map[T]struct{}, len(b))
	for _, v := range b {
		drop[v] = struct{}{}
	}
	var out []T
	for _, v := range a {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func limitCopy(items []adapter.Item, limit int) []adapter.Item {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]adapter.Item, len(items))
	for i, item := range items {
		out[i] = copyItem(item)
	}
	return out
}

func copyItem(item adapter.Item) adapter.Item {
	if item == nil {
		return nil
	}
	out := make(adapter.Item, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	}
	return v
}
