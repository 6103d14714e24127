package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
	"github.com/jacentio/docmap/internal/shard"
)

// Condition is one normalized query condition. Value is in wire form.
type Condition struct {
	Field string
	Op    adapter.Operator
	Value any
}

// PlanKind is the access path chosen for a chain.
type PlanKind int

const (
	// PlanPrimary reads or queries the primary table by hash key.
	PlanPrimary PlanKind = iota
	// PlanIndex resolves ids through an index table, then batch-reads them.
	PlanIndex
	// PlanScan scans the primary table.
	PlanScan
)

func (k PlanKind) String() string {
	switch k {
	case PlanPrimary:
		return "primary"
	case PlanIndex:
		return "index"
	case PlanScan:
		return "scan"
	}
	return fmt.Sprintf("plan(%d)", int(k))
}

// Plan describes how a chain will be executed.
type Plan struct {
	Kind  PlanKind
	Table string
	// Index is set for PlanIndex.
	Index *index.Index
}

type plan struct {
	Plan
	eq  map[string]any
	rng *Condition
}

// Chain builds one query. Each refining call mutates the chain and returns it.
// Realizing methods (All, Each, Records, First, Count, DestroyAll) plan and run
// the query anew on every call. A Chain is not safe for concurrent use.
type Chain struct {
	model      *Model
	conds      []Condition
	consistent bool
	batch      int
	start      *Document
	limit      int
	err        error
}

// Where adds a condition. The key is an attribute name, optionally suffixed with
// a comparator: "age.gt", "age.lt", "age.gte", "age.lte", "name.begins_with".
func (c *Chain) Where(key string, value any) *Chain {
	if c.err != nil {
		return c
	}
	cond, err := c.model.condition(key, value)
	if err != nil {
		c.err = err
		return c
	}
	c.conds = append(c.conds, cond)
	return c
}

func (m *Model) condition(key string, value any) (Condition, error) {
	name, suffix, hasSuffix := strings.Cut(key, ".")
	op := adapter.OpEq
	if hasSuffix {
		var ok bool
		if op, ok = adapter.ParseOperator(suffix); !ok {
			return Condition{}, configError(m.name, fmt.Errorf("condition %q: unknown comparator %q", key, suffix))
		}
	}
	f, ok := m.attrs.Field(name)
	if !ok {
		return Condition{}, configError(m.name, fmt.Errorf("condition %q: %w", key, ErrUnknownField))
	}
	if op == adapter.OpBeginsWith {
		s, ok := value.(string)
		if !ok || s == "" {
			return Condition{}, configError(m.name, fmt.Errorf("condition %q needs a non-empty string", key))
		}
		return Condition{Field: name, Op: op, Value: s}, nil
	}
	w, err := attr.DumpField(value, attr.Field{Name: f.Name, Kind: f.Kind, Serializer: f.Serializer})
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: %w", key, err)
	}
	if w == nil {
		return Condition{}, configError(m.name, fmt.Errorf("condition %q has a blank value", key))
	}
	return Condition{Field: name, Op: op, Value: w}, nil
}

// Conditions returns the normalized conditions.
func (c *Chain) Conditions() []Condition {
	return append([]Condition(nil), c.conds...)
}

// Consistent makes the reads of the chain strongly consistent.
func (c *Chain) Consistent() *Chain {
	c.consistent = true
	return c
}

// Start resumes a scan or a primary query after doc. It is ignored on the index path.
func (c *Chain) Start(doc *Document) *Chain {
	c.start = doc
	return c
}

// Limit caps the number of records returned.
func (c *Chain) Limit(n int) *Chain {
	c.limit = n
	return c
}

// Batch fetches index ids in groups of n. It cannot be combined with partitioning.
func (c *Chain) Batch(n int) *Chain {
	if c.err == nil && (n < 1 || n > MaxBatchSize) {
		c.err = configError(c.model.name, fmt.Errorf("batch size %d outside 1..%d", n, MaxBatchSize))
		return c
	}
	c.batch = n
	return c
}

// Plan reports the access path the chain would use, without issuing requests.
func (c *Chain) Plan() (Plan, error) {
	p, err := c.plan()
	return p.Plan, err
}

func (c *Chain) plan() (plan, error) {
	m := c.model
	if c.err != nil {
		return plan{}, c.err
	}
	if c.batch > 0 && m.store.config.Partitioning {
		return plan{}, configError(m.name, ErrBatchWithPartitioning)
	}

	p := plan{eq: make(map[string]any)}
	for i := range c.conds {
		cond := c.conds[i]
		if cond.Op == adapter.OpEq {
			p.eq[cond.Field] = cond.Value
			continue
		}
		if p.rng != nil {
			return plan{}, configError(m.name, ErrMultipleRangeConditions)
		}
		p.rng = &cond
	}

	if m.primaryServes(p) {
		p.Kind, p.Table = PlanPrimary, m.table
		return p, nil
	}

	attrs := make([]string, 0, len(p.eq)+1)
	for name := range p.eq {
		attrs = append(attrs, name)
	}
	if p.rng != nil {
		if _, dup := p.eq[p.rng.Field]; !dup {
			attrs = append(attrs, p.rng.Field)
		}
	}
	if idx, ok := m.indexes.Find(attrs); ok && indexServes(idx, p) {
		p.Kind, p.Table, p.Index = PlanIndex, idx.TableName, idx
		return p, nil
	}

	p.Kind, p.Table = PlanScan, m.table
	return p, nil
}

// primaryServes reports whether the conditions address the primary key only:
// hash key equality, plus at most one condition on the range key.
func (m *Model) primaryServes(p plan) bool {
	if _, ok := p.eq[m.hashKey]; !ok {
		return false
	}
	others := len(p.eq) - 1
	_, rangeEq := p.eq[m.rangeKey]
	if m.rangeKey != "" && rangeEq {
		others--
	}
	if others > 0 {
		return false
	}
	if p.rng == nil {
		return true
	}
	return m.rangeKey != "" && p.rng.Field == m.rangeKey && !rangeEq
}

func indexServes(idx *index.Index, p plan) bool {
	if p.rng == nil {
		return true
	}
	if !idx.HasRange() || p.rng.Field != idx.Range {
		return false
	}
	_, dup := p.eq[idx.Range]
	return !dup && p.rng.Op != adapter.OpBeginsWith
}

// All realizes the chain.
func (c *Chain) All(ctx context.Context) ([]*Document, error) {
	return c.fetch(ctx)
}

// Each calls fn for every record. It stops at the first error fn returns.
func (c *Chain) Each(ctx context.Context, fn func(*Document) error) error {
	r := c.Records(ctx)
	for r.Next() {
		if err := fn(r.Document()); err != nil {
			return err
		}
	}
	return r.Err()
}

// First returns the first record, or ErrNotFound.
func (c *Chain) First(ctx context.Context) (*Document, error) {
	one := *c
	one.conds = c.Conditions()
	one.limit = 1
	docs, err := one.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c.model.name)
	}
	return docs[0], nil
}

// Count returns the number of matching records.
func (c *Chain) Count(ctx context.Context) (int, error) {
	docs, err := c.fetch(ctx)
	return len(docs), err
}

// DestroyAll destroys every matching record and its index entries. It returns
// the number of records destroyed.
func (c *Chain) DestroyAll(ctx context.Context) (int, error) {
	docs, err := c.fetch(ctx)
	if err != nil {
		return 0, err
	}
	for i, d := range docs {
		if err := d.Destroy(ctx); err != nil {
			return i, err
		}
	}
	return len(docs), nil
}

// Records returns a lazy iterator over the chain. The query runs on the first
// call to Next; every Records call runs it again.
func (c *Chain) Records(ctx context.Context) *Records {
	return &Records{ctx: ctx, chain: c}
}

// Records iterates the results of a chain.
type Records struct {
	ctx     context.Context
	chain   *Chain
	docs    []*Document
	pos     int
	cur     *Document
	err     error
	started bool
}

// Next advances to the next record.
func (r *Records) Next() bool {
	if !r.started {
		r.started = true
		r.docs, r.err = r.chain.fetch(r.ctx)
	}
	if r.err != nil || r.pos >= len(r.docs) {
		r.cur = nil
		return false
	}
	r.cur = r.docs[r.pos]
	r.pos++
	return true
}

// Document returns the current record.
func (r *Records) Document() *Document { return r.cur }

// Err returns the error that stopped iteration, if any.
func (r *Records) Err() error { return r.err }

func (c *Chain) fetch(ctx context.Context) ([]*Document, error) {
	m := c.model
	p, err := c.plan()
	if err != nil {
		return nil, err
	}
	log := m.store.log
	log.Debug().Str("model", m.name).Stringer("plan", p.Kind).Str("table", p.Table).Int("conditions", len(c.conds)).Msg("query plan")

	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}

	var docs []*Document
	switch p.Kind {
	case PlanPrimary:
		docs, err = c.fetchPrimary(ctx, p)
	case PlanIndex:
		docs, err = c.fetchIndex(ctx, p)
	default:
		docs, err = c.fetchScan(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	docs = dedup(docs)
	if c.limit > 0 && len(docs) > c.limit {
		docs = docs[:c.limit]
	}
	return docs, nil
}

func (c *Chain) fetchPrimary(ctx context.Context, p plan) ([]*Document, error) {
	m := c.model
	hash := p.eq[m.hashKey]
	if rv, ok := p.eq[m.rangeKey]; ok || m.rangeKey == "" {
		doc, err := m.find(ctx, Key{Hash: hash, Range: rv}, c.consistent)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*Document{doc}, nil
	}

	in := adapter.QueryInput{Consistent: c.consistent}
	if p.rng != nil {
		in.Range = &adapter.RangeCondition{Op: p.rng.Op, Value: p.rng.Value}
	}

	var (
		items []adapter.Item
		err   error
	)
	if n := m.store.config.partitions(); n > 0 {
		items, err = c.queryPartitions(ctx, hash, in, n)
	} else {
		in.Hash = hash
		in.Limit = c.limit
		if c.start != nil {
			key, err := m.wireKey(c.start.persistedKey())
			if err != nil {
				return nil, err
			}
			in.StartKey = &key
		}
		items, err = m.store.adapter.Query(ctx, m.table, in)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", m.name, err)
	}
	return m.loadAll(items)
}

// queryPartitions fans a hash-key query out over every partition and merges
// the results in range order.
func (c *Chain) queryPartitions(ctx context.Context, hash any, in adapter.QueryInput, n int) ([]adapter.Item, error) {
	m := c.model
	h, _ := wireString(hash)
	keys := shard.Keys(h, n)

	var mu sync.Mutex
	var all []adapter.Item
	var wg sync.WaitGroup
	errs := make(chan error, len(keys))

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			q := in
			q.Hash = key
			items, err := m.store.adapter.Query(ctx, m.table, q)
			if err != nil {
				errs <- fmt.Errorf("partition %s: %w", key, err)
				return
			}
			mu.Lock()
			all = append(all, items...)
			mu.Unlock()
		}(key)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		cmp, _ := adapter.Compare(all[i][m.rangeKey], all[j][m.rangeKey])
		return cmp < 0
	})
	if c.start != nil {
		_, startRange, err := m.dumpKey(c.start.persistedKey())
		if err != nil {
			return nil, err
		}
		after := &adapter.RangeCondition{Op: adapter.OpGT, Value: startRange}
		kept := all[:0]
		for _, item := range all {
			if after.Matches(item[m.rangeKey]) {
				kept = append(kept, item)
			}
		}
		all = kept
	}
	return all, nil
}

func (c *Chain) fetchIndex(ctx context.Context, p plan) ([]*Document, error) {
	m := c.model
	idx := p.Index
	log := m.store.log

	parts := make(map[string]string, len(idx.HashKeys()))
	for _, name := range idx.HashKeys() {
		s, ok := wireString(p.eq[name])
		if !ok {
			return nil, configError(m.name, fmt.Errorf("condition on %q cannot be indexed", name))
		}
		parts[name] = s
	}
	hash, ok := idx.HashValue(parts)
	if !ok {
		return nil, nil
	}

	var records []adapter.Item
	if idx.HasRange() {
		rc := adapter.RangeCondition{Op: adapter.OpEq}
		var raw any
		if p.rng != nil {
			rc.Op, raw = p.rng.Op, p.rng.Value
		} else {
			raw = p.eq[idx.Range]
		}
		rv, ok := indexRangeValue(raw)
		if !ok {
			return nil, configError(m.name, fmt.Errorf("range condition on %q is not numeric", idx.Range))
		}
		rc.Value = rv
		var err error
		records, err = m.store.adapter.Query(ctx, idx.TableName, adapter.QueryInput{
			Hash:       hash,
			Range:      &rc,
			Consistent: c.consistent,
		})
		if err != nil {
			return nil, fmt.Errorf("query index %s: %w", idx.TableName, err)
		}
	} else {
		rec, err := m.store.adapter.Read(ctx, idx.TableName, adapter.Key{Hash: hash}, adapter.ReadOptions{Consistent: c.consistent})
		if err != nil {
			return nil, fmt.Errorf("read index %s: %w", idx.TableName, err)
		}
		if rec != nil {
			records = []adapter.Item{rec}
		}
	}

	var refs []string
	for _, rec := range records {
		refs = append(refs, idsOf(rec)...)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	size := c.batch
	if size == 0 {
		size = m.store.config.BatchSize
	}
	docs, stale, err := m.fetchRefs(ctx, refs, size, c.consistent)
	if err != nil {
		return nil, err
	}
	// The index may lag behind the primary table, and composite keys of
	// dotted values can collide.
	kept := docs[:0]
	for _, d := range docs {
		if d.matches(c.conds) {
			kept = append(kept, d)
		} else {
			stale++
		}
	}
	if stale > 0 {
		log.Warn().Str("model", m.name).Str("index", idx.TableName).Int("stale", stale).Msg("index references missing or changed records")
	}
	return kept, nil
}

// matches reports whether the stored values of d satisfy every condition.
func (d *Document) matches(conds []Condition) bool {
	for _, cond := range conds {
		f, _ := d.model.attrs.Field(cond.Field)
		w, err := attr.DumpField(d.attrs[cond.Field], attr.Field{Name: f.Name, Kind: f.Kind, Serializer: f.Serializer})
		if err != nil {
			return false
		}
		rc := adapter.RangeCondition{Op: cond.Op, Value: cond.Value}
		if !rc.Matches(w) {
			return false
		}
	}
	return true
}

func idsOf(rec adapter.Item) []string {
	switch ids := rec[index.IDsAttr].(type) {
	case []string:
		return ids
	case string:
		return []string{ids}
	}
	return nil
}

// fetchRefs batch-reads the records behind index refs in groups of size.
// Refs whose record is missing are counted as stale and skipped.
func (m *Model) fetchRefs(ctx context.Context, refs []string, size int, consistent bool) ([]*Document, int, error) {
	seen := make(map[string]bool, len(refs))
	var keys []adapter.Key
	var ordered []string
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		key, err := m.parseRef(ref)
		if err != nil {
			return nil, 0, err
		}
		wire, err := m.wireKey(key)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, wire)
		ordered = append(ordered, ref)
	}

	byRef := make(map[string]*Document, len(keys))
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		got, err := m.store.adapter.BatchGet(ctx, map[string][]adapter.Key{m.table: keys[start:end]}, adapter.ReadOptions{Consistent: consistent})
		if err != nil {
			return nil, 0, fmt.Errorf("batch get %s: %w", m.name, err)
		}
		for _, item := range got[m.table] {
			d, err := m.load(item)
			if err != nil {
				return nil, 0, err
			}
			byRef[d.ID()] = d
		}
	}

	docs := make([]*Document, 0, len(byRef))
	stale := 0
	for _, ref := range ordered {
		if d, ok := byRef[ref]; ok {
			docs = append(docs, d)
		} else {
			stale++
		}
	}
	return docs, stale, nil
}

func (c *Chain) fetchScan(ctx context.Context, p plan) ([]*Document, error) {
	m := c.model
	filter := make(map[string]any, len(p.eq))
	for k, v := range p.eq {
		filter[k] = v
	}
	var hashFilter string
	if m.store.config.partitions() > 0 {
		if h, ok := filter[m.hashKey]; ok {
			hashFilter, _ = wireString(h)
			delete(filter, m.hashKey)
		}
	}

	fields := make([]string, 0, len(c.conds))
	for _, cond := range c.conds {
		fields = append(fields, cond.Field)
	}
	if m.store.config.WarnOnScan {
		m.store.log.Warn().Str("model", m.name).Strs("fields", fields).Msg("no index matches conditions, scanning table")
	}

	opts := adapter.ScanOptions{Consistent: c.consistent}
	if p.rng == nil && hashFilter == "" {
		opts.Limit = c.limit
	}
	if c.start != nil {
		key, err := m.wireKey(c.start.persistedKey())
		if err != nil {
			return nil, err
		}
		opts.StartKey = &key
	}

	items, err := m.store.adapter.Scan(ctx, m.table, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.name, err)
	}

	kept := items[:0]
	for _, item := range items {
		if hashFilter != "" {
			h, _ := item[m.hashKey].(string)
			if shard.Strip(h) != hashFilter {
				continue
			}
		}
		if p.rng != nil {
			rc := adapter.RangeCondition{Op: p.rng.Op, Value: p.rng.Value}
			if !rc.Matches(item[p.rng.Field]) {
				continue
			}
		}
		kept = append(kept, item)
	}
	return m.loadAll(kept)
}

func (m *Model) loadAll(items []adapter.Item) ([]*Document, error) {
	docs := make([]*Document, 0, len(items))
	for _, item := range items {
		d, err := m.load(item)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// dedup keeps the first document of each identity.
func dedup(docs []*Document) []*Document {
	seen := make(map[string]bool, len(docs))
	out := docs[:0]
	for _, d := range docs {
		id := d.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	return out
}
