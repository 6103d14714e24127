package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
)

// Timestamp attributes maintained on every model.
const (
	CreatedAt = "created_at"
	UpdatedAt = "updated_at"
)

// DefaultHashKey is the hash key attribute of a model that does not name one.
const DefaultHashKey = "id"

// Hook runs at a lifecycle point of a document. A non-nil error aborts the operation.
type Hook func(ctx context.Context, d *Document) error

// Hooks are the lifecycle callbacks of a model.
// Save runs BeforeSave, BeforeCreate, the write, AfterCreate, AfterSave;
// the create hooks only on the first persist.
type Hooks struct {
	BeforeCreate  []Hook
	AfterCreate   []Hook
	BeforeSave    []Hook
	AfterSave     []Hook
	BeforeDestroy []Hook
	AfterDestroy  []Hook
}

// Schema declares a model.
type Schema struct {
	// Name is the model name. The table is "<namespace>_<name>".
	Name string

	// HashKey defaults to "id" and HashKind to attr.String. String hash keys
	// are generated when missing at save time.
	HashKey  string
	HashKind attr.Kind

	// RangeKey is optional. RangeKind defaults to attr.String.
	RangeKey  string
	RangeKind attr.Kind

	Fields  []attr.Field
	Indexes []index.Spec
	Hooks   Hooks

	// ReadCapacity and WriteCapacity override the store defaults.
	ReadCapacity  int64
	WriteCapacity int64
}

// Model is a defined document type bound to a Store.
type Model struct {
	store    *Store
	name     string
	table    string
	hashKey  string
	rangeKey string
	attrs    *attr.Schema
	indexes  *index.Registry
	hooks    Hooks
	readCap  int64
	writeCap int64

	ready atomic.Bool
}

// Define validates def, registers the model and returns it.
func (s *Store) Define(def Schema) (*Model, error) {
	if def.Name == "" {
		return nil, configError("", errors.New("model name is required"))
	}
	m := &Model{
		store:    s,
		name:     def.Name,
		table:    s.TableName(def.Name),
		hashKey:  def.HashKey,
		rangeKey: def.RangeKey,
		hooks:    def.Hooks,
	}
	m.readCap, m.writeCap = s.capacity(def.ReadCapacity, def.WriteCapacity)
	if m.hashKey == "" {
		m.hashKey = DefaultHashKey
	}

	fields, err := m.collectFields(def)
	if err != nil {
		return nil, err
	}
	if m.attrs, err = attr.NewSchema(fields...); err != nil {
		return nil, configError(m.name, err)
	}

	m.indexes = index.NewRegistry(m.table)
	for _, spec := range def.Indexes {
		if err := m.checkIndex(spec); err != nil {
			return nil, err
		}
		if _, err := m.indexes.Register(spec); err != nil {
			return nil, configError(m.name, err)
		}
	}

	if err := s.registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) collectFields(def Schema) ([]attr.Field, error) {
	declared := make(map[string]attr.Field, len(def.Fields))
	for _, f := range def.Fields {
		if strings.Contains(f.Name, ".") {
			return nil, configError(m.name, fmt.Errorf("field %q: names must not contain %q", f.Name, "."))
		}
		declared[f.Name] = f
	}

	var fields []attr.Field
	keyField := func(name string, kind attr.Kind) error {
		f, ok := declared[name]
		if !ok {
			if kind == 0 {
				kind = attr.String
			}
			f = attr.Field{Name: name, Kind: kind}
		}
		switch f.Kind {
		case attr.String, attr.Integer, attr.Float, attr.Datetime:
		default:
			return configError(m.name, fmt.Errorf("key %q: %s is not a scalar kind", name, f.Kind))
		}
		if name == m.hashKey && f.Kind == attr.Datetime {
			return configError(m.name, fmt.Errorf("hash key %q cannot be a datetime", name))
		}
		fields = append(fields, f)
		return nil
	}
	if err := keyField(m.hashKey, def.HashKind); err != nil {
		return nil, err
	}
	if m.rangeKey != "" {
		if m.rangeKey == m.hashKey {
			return nil, configError(m.name, errors.New("range key equals hash key"))
		}
		if err := keyField(m.rangeKey, def.RangeKind); err != nil {
			return nil, err
		}
	}

	for _, f := range def.Fields {
		if f.Name != m.hashKey && f.Name != m.rangeKey {
			fields = append(fields, f)
		}
	}
	for _, ts := range []string{CreatedAt, UpdatedAt} {
		if _, ok := declared[ts]; !ok {
			fields = append(fields, attr.Field{Name: ts, Kind: attr.Datetime})
		}
	}
	return fields, nil
}

func (m *Model) checkIndex(spec index.Spec) error {
	for _, name := range spec.Hash {
		if !m.attrs.Has(name) {
			return configError(m.name, fmt.Errorf("index on %q: %w", name, ErrUnknownField))
		}
	}
	if spec.Range == "" {
		return nil
	}
	f, ok := m.attrs.Field(spec.Range)
	if !ok {
		return configError(m.name, fmt.Errorf("index range %q: %w", spec.Range, ErrUnknownField))
	}
	switch f.Kind {
	case attr.Integer, attr.Float, attr.Datetime:
		return nil
	}
	return configError(m.name, fmt.Errorf("index range %q must be numeric or datetime, not %s", spec.Range, f.Kind))
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// TableName returns the primary table name.
func (m *Model) TableName() string { return m.table }

// HashKey returns the hash key attribute.
func (m *Model) HashKey() string { return m.hashKey }

// RangeKey returns the range key attribute, or empty.
func (m *Model) RangeKey() string { return m.rangeKey }

// Fields returns the attribute declarations, keys and timestamps included.
func (m *Model) Fields() []attr.Field { return m.attrs.Fields() }

// Indexes returns the declared indexes.
func (m *Model) Indexes() []*index.Index { return m.indexes.All() }

// FindIndex returns the index covering exactly attrs.
func (m *Model) FindIndex(attrs ...string) (*index.Index, bool) {
	return m.indexes.Find(attrs)
}

// New builds an unsaved document. Defaults are applied to missing declared attributes.
func (m *Model) New(values map[string]any) (*Document, error) {
	d := &Document{model: m, attrs: make(map[string]any), newRecord: true}
	for _, f := range m.attrs.Fields() {
		if _, given := values[f.Name]; given {
			continue
		}
		if f.Default == nil && f.DefaultFunc == nil {
			continue
		}
		if err := d.Set(f.Name, defaultOf(f)); err != nil {
			return nil, err
		}
	}
	for k, v := range values {
		if err := d.Set(k, v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Create builds a document and saves it.
func (m *Model) Create(ctx context.Context, values map[string]any) (*Document, error) {
	d, err := m.New(values)
	if err != nil {
		return nil, err
	}
	if err := d.Save(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Find reads one record by key. It returns ErrNotFound when there is none.
func (m *Model) Find(ctx context.Context, hash any, rng ...any) (*Document, error) {
	key := Key{Hash: hash}
	if len(rng) > 0 {
		key.Range = rng[0]
	}
	return m.find(ctx, key, false)
}

func (m *Model) find(ctx context.Context, key Key, consistent bool) (*Document, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	wire, err := m.wireKey(key)
	if err != nil {
		return nil, err
	}
	item, err := m.store.adapter.Read(ctx, m.table, wire, adapter.ReadOptions{Consistent: consistent})
	if err != nil {
		return nil, fmt.Errorf("read %s %v: %w", m.name, key, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, m.name, key)
	}
	return m.load(item)
}

// FindAll reads many records in batches. Missing records are skipped and the
// rest are returned in the order of keys.
func (m *Model) FindAll(ctx context.Context, keys ...Key) ([]*Document, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(keys))
	for _, k := range keys {
		ref, err := m.refOfKey(k)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	docs, _, err := m.fetchRefs(ctx, refs, m.store.config.BatchSize, false)
	return docs, err
}

// Where starts a query chain.
func (m *Model) Where(field string, value any) *Chain {
	return m.Chain().Where(field, value)
}

// Chain starts an unconditioned query chain.
func (m *Model) Chain() *Chain {
	return &Chain{model: m}
}

// All returns every record of the model.
func (m *Model) All(ctx context.Context) ([]*Document, error) {
	return m.Chain().All(ctx)
}

// CreateTable creates the primary table and the index tables if they are missing.
func (m *Model) CreateTable(ctx context.Context) error {
	return m.ensureTables(ctx)
}

// DeleteTable deletes the primary table and the index tables.
func (m *Model) DeleteTable(ctx context.Context) error {
	m.ready.Store(false)
	tables := []string{m.table}
	for _, idx := range m.indexes.All() {
		tables = append(tables, idx.TableName)
	}
	for _, t := range tables {
		m.store.forgetTable(t)
		exists, err := m.store.adapter.TableExists(ctx, t)
		if err != nil {
			return fmt.Errorf("check table %s: %w", t, err)
		}
		if !exists {
			continue
		}
		if err := m.store.adapter.DeleteTable(ctx, t); err != nil {
			return fmt.Errorf("delete table %s: %w", t, err)
		}
		m.store.log.Info().Str("table", t).Msg("deleted table")
	}
	return nil
}

// RemoveIndexEntries drops the ref of a stored item from every index record
// its attribute values point to. It is used for items deleted outside the mapper.
func (m *Model) RemoveIndexEntries(ctx context.Context, item adapter.Item) error {
	d, err := m.load(item)
	if err != nil {
		return err
	}
	return m.syncIndexes(ctx, d.orig, nil)
}

func (m *Model) ensureTables(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	if err := m.store.ensureTable(ctx, m.table, m.tableSpec()); err != nil {
		return err
	}
	for _, idx := range m.indexes.All() {
		spec := adapter.TableSpec{
			HashKey:       index.HashAttr,
			HashType:      adapter.KeyString,
			ReadCapacity:  m.readCap,
			WriteCapacity: m.writeCap,
		}
		if idx.HasRange() {
			spec.RangeKey = index.RangeAttr
			spec.RangeType = adapter.KeyNumber
		}
		if err := m.store.ensureTable(ctx, idx.TableName, spec); err != nil {
			return err
		}
	}
	m.ready.Store(true)
	return nil
}

func (m *Model) tableSpec() adapter.TableSpec {
	hf, _ := m.attrs.Field(m.hashKey)
	spec := adapter.TableSpec{
		HashKey:       m.hashKey,
		HashType:      keyType(hf.Kind),
		ReadCapacity:  m.readCap,
		WriteCapacity: m.writeCap,
	}
	if m.store.config.partitions() > 0 {
		spec.HashType = adapter.KeyString
	}
	if m.rangeKey != "" {
		rf, _ := m.attrs.Field(m.rangeKey)
		spec.RangeKey = m.rangeKey
		spec.RangeType = keyType(rf.Kind)
	}
	return spec
}

func keyType(k attr.Kind) adapter.KeyType {
	if k == attr.String {
		return adapter.KeyString
	}
	return adapter.KeyNumber
}

func defaultOf(f attr.Field) any {
	if f.DefaultFunc != nil {
		return f.DefaultFunc()
	}
	return f.Default
}
