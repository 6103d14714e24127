package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
)

// Save writes the full record and refreshes its index entries. New records
// get a generated hash key when none is set and fail with ErrAlreadyExists
// when the key is taken.
func (d *Document) Save(ctx context.Context) error {
	if d.destroyed {
		return ErrDestroyed
	}
	m := d.model
	if err := m.ensureTables(ctx); err != nil {
		return err
	}

	creating := d.newRecord
	if err := d.run(ctx, m.hooks.BeforeSave); err != nil {
		return err
	}
	if creating {
		if err := d.run(ctx, m.hooks.BeforeCreate); err != nil {
			return err
		}
	}

	if d.attrs[m.hashKey] == nil {
		f, _ := m.attrs.Field(m.hashKey)
		if f.Kind != attr.String {
			return fmt.Errorf("%w: %s.%s", ErrMissingKey, m.name, m.hashKey)
		}
		d.attrs[m.hashKey] = uuid.NewString()
	}
	if m.rangeKey != "" && d.attrs[m.rangeKey] == nil {
		return fmt.Errorf("%w: %s.%s", ErrMissingKey, m.name, m.rangeKey)
	}

	now := time.Now().UTC()
	if creating && d.attrs[CreatedAt] == nil {
		if err := d.Set(CreatedAt, now); err != nil {
			return err
		}
	}
	// An updated_at assigned by the caller, as Touch does, is kept.
	if (creating || d.Changed()) && sameValue(d.attrs[UpdatedAt], d.orig[UpdatedAt]) {
		if err := d.Set(UpdatedAt, now); err != nil {
			return err
		}
	}

	item, err := attr.Dump(d.attrs, m.attrs)
	if err != nil {
		return fmt.Errorf("save %s: %w", m.name, err)
	}
	item[m.hashKey] = m.partitioned(item[m.hashKey], item[m.rangeKey])

	var opts adapter.WriteOptions
	if creating {
		opts.UnlessExists = []string{m.hashKey}
	}
	if err := m.store.adapter.Write(ctx, m.table, item, opts); err != nil {
		if errors.Is(err, adapter.ErrConditionalCheckFailed) {
			return fmt.Errorf("%w: %s %s", ErrAlreadyExists, m.name, d.ID())
		}
		return fmt.Errorf("save %s %s: %w", m.name, d.ID(), err)
	}

	var prev map[string]any
	if !creating {
		prev = d.orig
	}
	if err := m.syncIndexes(ctx, prev, d.attrs); err != nil {
		return err
	}
	d.markPersisted()
	m.store.log.Debug().Str("model", m.name).Str("id", d.ID()).Bool("created", creating).Msg("saved")

	if creating {
		if err := d.run(ctx, m.hooks.AfterCreate); err != nil {
			return err
		}
	}
	return d.run(ctx, m.hooks.AfterSave)
}

// Updater collects the actions of one atomic update.
type Updater struct {
	model  *Model
	set    map[string]any
	add    map[string]any
	del    map[string]any
	remove []string
	err    error
}

func newUpdater(m *Model) *Updater {
	return &Updater{
		model: m,
		set:   make(map[string]any),
		add:   make(map[string]any),
		del:   make(map[string]any),
	}
}

func (u *Updater) field(name string) (attr.Field, bool) {
	if u.err != nil {
		return attr.Field{}, false
	}
	if name == u.model.hashKey || name == u.model.rangeKey {
		u.err = configError(u.model.name, fmt.Errorf("key attribute %q cannot be updated", name))
		return attr.Field{}, false
	}
	f, ok := u.model.attrs.Field(name)
	if !ok {
		u.err = configError(u.model.name, fmt.Errorf("update %q: %w", name, ErrUnknownField))
		return attr.Field{}, false
	}
	return f, true
}

func (u *Updater) dump(v any, f attr.Field) (any, bool) {
	w, err := attr.DumpField(v, f)
	if err != nil {
		u.err = err
		return nil, false
	}
	return w, true
}

// Set overwrites an attribute. A nil or blank value removes it.
func (u *Updater) Set(name string, v any) *Updater {
	f, ok := u.field(name)
	if !ok {
		return u
	}
	w, ok := u.dump(v, attr.Field{Name: f.Name, Kind: f.Kind, Serializer: f.Serializer})
	if !ok {
		return u
	}
	if w == nil {
		u.remove = append(u.remove, name)
		return u
	}
	u.set[name] = w
	return u
}

// Add adds v to a number or unions it into a set.
func (u *Updater) Add(name string, v any) *Updater {
	f, ok := u.field(name)
	if !ok {
		return u
	}
	switch f.Kind {
	case attr.Integer, attr.Float, attr.Set:
	default:
		u.err = configError(u.model.name, fmt.Errorf("add to %s attribute %q", f.Kind, name))
		return u
	}
	if w, ok := u.dump(v, attr.Field{Name: f.Name, Kind: f.Kind}); ok && w != nil {
		u.add[name] = w
	}
	return u
}

// Delete removes the members of v from a set.
func (u *Updater) Delete(name string, v any) *Updater {
	f, ok := u.field(name)
	if !ok {
		return u
	}
	if f.Kind != attr.Set {
		u.err = configError(u.model.name, fmt.Errorf("delete from %s attribute %q", f.Kind, name))
		return u
	}
	if w, ok := u.dump(v, f); ok && w != nil {
		u.del[name] = w
	}
	return u
}

type updateOptions struct {
	expected map[string]any
	err      error
}

// UpdateOption configures Update and TryUpdate.
type UpdateOption func(m *Model, o *updateOptions)

// If makes the update conditional on stored values. A nil value requires the
// attribute to be absent.
func If(expected map[string]any) UpdateOption {
	return func(m *Model, o *updateOptions) {
		if o.expected == nil {
			o.expected = make(map[string]any, len(expected))
		}
		for name, v := range expected {
			f, ok := m.attrs.Field(name)
			if !ok || name == m.hashKey || name == m.rangeKey {
				o.err = configError(m.name, fmt.Errorf("condition %q: %w", name, ErrUnknownField))
				return
			}
			w, err := attr.DumpField(v, attr.Field{Name: f.Name, Kind: f.Kind, Serializer: f.Serializer})
			if err != nil {
				o.err = err
				return
			}
			o.expected[name] = w
		}
	}
}

// Update atomically applies the actions recorded by fn to the stored record,
// then reloads d from the result and refreshes its index entries. It returns
// ErrConditionalCheckFailed when an If condition does not hold; the stored
// record is then unchanged.
func (d *Document) Update(ctx context.Context, fn func(u *Updater), opts ...UpdateOption) error {
	if d.destroyed {
		return ErrDestroyed
	}
	m := d.model
	u := newUpdater(m)
	fn(u)
	if u.err != nil {
		return u.err
	}
	var o updateOptions
	for _, opt := range opts {
		opt(m, &o)
	}
	if o.err != nil {
		return o.err
	}
	if err := m.ensureTables(ctx); err != nil {
		return err
	}

	key, err := m.wireKey(d.Key())
	if err != nil {
		return err
	}
	if _, ok := u.set[UpdatedAt]; !ok {
		u.set[UpdatedAt] = attr.EpochSeconds(time.Now().UTC())
	}

	item, err := m.store.adapter.UpdateItem(ctx, m.table, key, adapter.Update{
		Set:      u.set,
		Add:      u.add,
		Delete:   u.del,
		Remove:   u.remove,
		Expected: o.expected,
	})
	if errors.Is(err, adapter.ErrConditionalCheckFailed) {
		return fmt.Errorf("%w: %s %s", ErrConditionalCheckFailed, m.name, d.ID())
	}
	if err != nil {
		return fmt.Errorf("update %s %s: %w", m.name, d.ID(), err)
	}

	loaded, err := m.load(item)
	if err != nil {
		return err
	}
	var prev map[string]any
	if !d.newRecord {
		prev = d.orig
	}
	d.attrs = loaded.attrs
	d.markPersisted()
	return m.syncIndexes(ctx, prev, d.attrs)
}

// TryUpdate is Update, except that a failed If condition reports false instead of an error.
func (d *Document) TryUpdate(ctx context.Context, fn func(u *Updater), opts ...UpdateOption) (bool, error) {
	err := d.Update(ctx, fn, opts...)
	if errors.Is(err, ErrConditionalCheckFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Destroy runs the destroy hooks around Delete.
func (d *Document) Destroy(ctx context.Context) error {
	if err := d.run(ctx, d.model.hooks.BeforeDestroy); err != nil {
		return err
	}
	if err := d.Delete(ctx); err != nil {
		return err
	}
	return d.run(ctx, d.model.hooks.AfterDestroy)
}

// Delete removes the index entries of d and then the record itself, without hooks.
func (d *Document) Delete(ctx context.Context) error {
	if d.destroyed {
		return nil
	}
	if d.newRecord {
		d.destroyed = true
		return nil
	}
	m := d.model
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	if err := m.syncIndexes(ctx, d.orig, nil); err != nil {
		return err
	}
	key, err := m.wireKey(m.keyOf(d.orig))
	if err != nil {
		return err
	}
	if err := m.store.adapter.Delete(ctx, m.table, key); err != nil {
		return fmt.Errorf("delete %s %s: %w", m.name, d.ID(), err)
	}
	d.destroyed = true
	m.store.log.Debug().Str("model", m.name).Str("id", d.ID()).Msg("deleted")
	return nil
}

// Touch sets updated_at, and each named attribute, to the current time and saves.
func (d *Document) Touch(ctx context.Context, names ...string) error {
	now := time.Now().UTC()
	for _, name := range append([]string{UpdatedAt}, names...) {
		if !d.model.attrs.Has(name) {
			return configError(d.model.name, fmt.Errorf("touch %q: %w", name, ErrUnknownField))
		}
		if err := d.Set(name, now); err != nil {
			return err
		}
	}
	return d.Save(ctx)
}

// Reload replaces the attributes of d with the stored record.
func (d *Document) Reload(ctx context.Context) error {
	fresh, err := d.model.find(ctx, d.persistedKey(), true)
	if err != nil {
		return err
	}
	d.attrs = fresh.attrs
	d.markPersisted()
	return nil
}

// persistedKey returns the stored key of d, falling back to the in-memory one.
func (d *Document) persistedKey() Key {
	if d.orig != nil && d.orig[d.model.hashKey] != nil {
		return d.model.keyOf(d.orig)
	}
	return d.Key()
}

func (d *Document) run(ctx context.Context, hooks []Hook) error {
	for _, h := range hooks {
		if err := h(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// syncIndexes moves the ref of a record from the index records of prev to
// those of cur. Either may be nil. Index writes follow the primary write and
// are not transactional with it; readers drop refs whose record is gone.
func (m *Model) syncIndexes(ctx context.Context, prev, cur map[string]any) error {
	indexes := m.indexes.All()
	if len(indexes) == 0 {
		return nil
	}
	var prevRef, curRef string
	var err error
	if prev != nil {
		if prevRef, err = m.refOfKey(m.keyOf(prev)); err != nil {
			return err
		}
	}
	if cur != nil {
		if curRef, err = m.refOfKey(m.keyOf(cur)); err != nil {
			return err
		}
	}

	for _, idx := range indexes {
		var oldKey, newKey indexKey
		var hadOld, hasNew bool
		if prev != nil {
			oldKey, hadOld = m.indexKeyOf(idx, prev)
		}
		if cur != nil {
			newKey, hasNew = m.indexKeyOf(idx, cur)
		}
		if hadOld && (!hasNew || oldKey != newKey || prevRef != curRef) {
			if err := m.updateIndexRecord(ctx, idx, oldKey, adapter.Update{Delete: map[string]any{index.IDsAttr: []string{prevRef}}}); err != nil {
				return err
			}
		}
		if hasNew {
			if err := m.updateIndexRecord(ctx, idx, newKey, adapter.Update{Add: map[string]any{index.IDsAttr: []string{curRef}}}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Model) updateIndexRecord(ctx context.Context, idx *index.Index, key indexKey, u adapter.Update) error {
	if _, err := m.store.adapter.UpdateItem(ctx, idx.TableName, key.adapterKey(), u); err != nil {
		return fmt.Errorf("update index %s %q: %w", idx.TableName, key.hash, err)
	}
	return nil
}
