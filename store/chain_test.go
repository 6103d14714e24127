package store_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/adapter/memory"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
	"github.com/jacentio/docmap/store"
)

func TestWhere_Normalizes(t *testing.T) {
	s, _ := newTestStore(t)
	users := defineUser(t, s)

	c := users.Where("name", "Josh").Where("age.gte", "30").Where("email.begins_with", "j")
	_, err := c.Plan()
	assert.ErrorIs(t, err, store.ErrMultipleRangeConditions)

	assert.Equal(t, []store.Condition{
		{Field: "name", Op: adapter.OpEq, Value: "Josh"},
		{Field: "age", Op: adapter.OpGTE, Value: int64(30)},
		{Field: "email", Op: adapter.OpBeginsWith, Value: "j"},
	}, c.Conditions())
}

func TestWhere_Invalid(t *testing.T) {
	s, _ := newTestStore(t)
	users := defineUser(t, s)

	tests := []struct {
		name  string
		chain *store.Chain
		is    error
	}{
		{"unknown field", users.Where("nope", 1), store.ErrUnknownField},
		{"unknown comparator", users.Where("age.between", 1), store.ErrConfiguration},
		{"blank value", users.Where("name", ""), store.ErrConfiguration},
		{"begins_with number", users.Where("name.begins_with", 1), store.ErrConfiguration},
		{"batch too large", users.Where("name", "Josh").Batch(101), store.ErrConfiguration},
		{"batch zero", users.Where("name", "Josh").Batch(0), store.ErrConfiguration},
		{"two range conditions", users.Where("age.gt", 1).Where("age.lt", 5), store.ErrMultipleRangeConditions},
		{"first error wins", users.Where("nope", 1).Where("age.gt", 1).Where("age.lt", 5), store.ErrUnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.chain.All(context.Background())
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestPlan(t *testing.T) {
	s, _ := newTestStore(t)
	users := defineUser(t, s)
	items := defineItem(t, s)

	tests := []struct {
		name  string
		chain *store.Chain
		kind  store.PlanKind
		table string
	}{
		{"hash key", users.Where("id", "u1"), store.PlanPrimary, "docmap_user"},
		{"hash and range key", items.Where("id", "x").Where("rng", "two"), store.PlanPrimary, "docmap_item"},
		{"hash and range condition", items.Where("id", "x").Where("rng.begins_with", "t"), store.PlanPrimary, "docmap_item"},
		{"hash key and attribute", users.Where("id", "u1").Where("age", 3), store.PlanScan, "docmap_user"},
		{"single index", users.Where("name", "Josh"), store.PlanIndex, "docmap_user_index_name"},
		{"composite index", users.Where("name", "Josh").Where("email", "x"), store.PlanIndex, "docmap_user_index_email_and_name"},
		{"composite index reordered", users.Where("email", "x").Where("name", "Josh"), store.PlanIndex, "docmap_user_index_email_and_name"},
		{"range index", users.Where("name", "Josh").Where("age.gt", 30), store.PlanIndex, "docmap_user_index_age_and_name"},
		{"range index equality", users.Where("name", "Josh").Where("age", 30), store.PlanIndex, "docmap_user_index_age_and_name"},
		{"no matching index", users.Where("age", 30), store.PlanScan, "docmap_user"},
		{"superset of an index", users.Where("name", "Josh").Where("status", "active"), store.PlanScan, "docmap_user"},
		{"range on unindexed attribute", users.Where("name", "Josh").Where("score.gt", 1), store.PlanScan, "docmap_user"},
		{"no conditions", users.Chain(), store.PlanScan, "docmap_user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.chain.Plan()
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind, p.Kind.String())
			assert.Equal(t, tt.table, p.Table)
			if tt.kind == store.PlanIndex {
				require.NotNil(t, p.Index)
				assert.Equal(t, tt.table, p.Index.TableName)
			}
		})
	}
}

func TestQuery_PrimaryKeyBypassesIndexes(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	u, err := users.Create(ctx, map[string]any{"name": "Josh", "email": "j@example.com"})
	require.NoError(t, err)
	mem.ResetCalls()

	docs, err := users.Where("id", u.ID()).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{u.ID()}, ids(docs))
	assert.Equal(t, []string{"Read docmap_user"}, ops(mem.Calls()))
}

func TestQuery_Index(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	josh, err := users.Create(ctx, map[string]any{"name": "Josh", "email": "j@example.com", "age": 30})
	require.NoError(t, err)
	josh2, err := users.Create(ctx, map[string]any{"name": "Josh", "email": "other@example.com", "age": 40})
	require.NoError(t, err)
	_, err = users.Create(ctx, map[string]any{"name": "Ann", "email": "j@example.com", "age": 35})
	require.NoError(t, err)
	mem.ResetCalls()

	docs, err := users.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{josh.ID(), josh2.ID()}, ids(docs))
	assert.Equal(t, []string{"Read docmap_user_index_name", "BatchGet docmap_user"}, ops(mem.Calls()))

	docs, err = users.Where("email", "j@example.com").Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{josh.ID()}, ids(docs))

	docs, err = users.Where("name", "Josh").Where("age.gt", 35).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{josh2.ID()}, ids(docs))

	docs, err = users.Where("name", "Josh").Where("age", 30).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{josh.ID()}, ids(docs))

	docs, err = users.Where("name", "Nobody").All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestQuery_CompositeKeyIsSorted(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	u, err := users.Create(ctx, map[string]any{"name": "Josh", "email": "x"})
	require.NoError(t, err)

	rec, err := mem.Read(ctx, "docmap_user_index_email_and_name", adapter.Key{Hash: "x.Josh"}, adapter.ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{u.ID()}, rec[index.IDsAttr])
}

func TestQuery_StaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	kept, err := users.Create(ctx, map[string]any{"name": "Josh"})
	require.NoError(t, err)
	gone, err := users.Create(ctx, map[string]any{"name": "Josh"})
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, users.TableName(), adapter.Key{Hash: gone.ID()}))

	docs, err := users.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID()}, ids(docs))
}

func TestQuery_IndexRechecksConditions(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	moved, err := users.Create(ctx, map[string]any{"name": "Josh", "age": 30})
	require.NoError(t, err)
	// Primary item rewritten without its index entries, as after a crash
	// between the two writes.
	require.NoError(t, mem.Write(ctx, users.TableName(), adapter.Item{"id": moved.ID(), "name": "Ann", "age": int64(50)}, adapter.WriteOptions{}))

	docs, err := users.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = users.Where("name", "Josh").Where("age.lt", 40).All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Both records index under the composite key "x.y.z".
	z, err := users.Create(ctx, map[string]any{"name": "z", "email": "x.y"})
	require.NoError(t, err)
	yz, err := users.Create(ctx, map[string]any{"name": "y.z", "email": "x"})
	require.NoError(t, err)

	docs, err = users.Where("name", "y.z").Where("email", "x").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{yz.ID()}, ids(docs))

	docs, err = users.Where("name", "z").Where("email", "x.y").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{z.ID()}, ids(docs))
}

func TestQuery_DottedHashKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	items := defineItem(t, s)

	dotted, err := items.Create(ctx, map[string]any{"id": "a.b", "rng": "one", "name": "Josh"})
	require.NoError(t, err)
	assert.Equal(t, `a\.b.one`, dotted.ID())
	slashed, err := items.Create(ctx, map[string]any{"id": `a\`, "rng": "b.one", "name": "Josh"})
	require.NoError(t, err)

	docs, err := items.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dotted.ID(), slashed.ID()}, ids(docs))

	readings, err := s.Define(store.Schema{
		Name:     "reading",
		HashKind: attr.Float,
		RangeKey: "rng",
		Fields:   []attr.Field{{Name: "name", Kind: attr.String}},
		Indexes:  []index.Spec{{Hash: []string{"name"}}},
	})
	require.NoError(t, err)
	r, err := readings.Create(ctx, map[string]any{"id": 1.5, "rng": "2.5", "name": "Josh"})
	require.NoError(t, err)

	docs, err = readings.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{r.ID()}, ids(docs))
	assert.Equal(t, 1.5, docs[0].Float("id"))
	assert.Equal(t, "2.5", docs[0].String("rng"))
}

func TestQuery_ScanWarning(t *testing.T) {
	ctx := context.Background()
	for _, warn := range []bool{true, false} {
		var buf bytes.Buffer
		cfg := store.DefaultConfig()
		cfg.WarnOnScan = warn
		s := store.New(memory.New(), cfg, store.WithLogger(zerolog.New(&buf)))
		users := defineUser(t, s)

		_, err := users.Where("age", 30).All(ctx)
		require.NoError(t, err)
		assert.Equal(t, warn, strings.Contains(buf.String(), "scanning table"), "WarnOnScan=%v", warn)
	}
}

func TestQuery_BatchedIndexLookup(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	for i := 0; i < 5; i++ {
		_, err := users.Create(ctx, map[string]any{"name": "Josh"})
		require.NoError(t, err)
	}
	mem.ResetCalls()

	docs, err := users.Where("name", "Josh").Batch(2).All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 5)
	assert.Equal(t, []string{
		"Read docmap_user_index_name",
		"BatchGet docmap_user",
		"BatchGet docmap_user",
		"BatchGet docmap_user",
	}, ops(mem.Calls()))
}

func TestQuery_BatchWithPartitioning(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, partitioned(4))
	users := defineUser(t, s)

	_, err := users.Where("name", "Josh").Batch(10).All(ctx)
	assert.ErrorIs(t, err, store.ErrBatchWithPartitioning)
	assert.ErrorIs(t, err, store.ErrConfiguration)
	assert.Empty(t, mem.Calls(), "no request is issued")
}

func TestQuery_Scan(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	users := defineUser(t, s)

	for _, age := range []int{20, 30, 40} {
		_, err := users.Create(ctx, map[string]any{"name": "n", "age": age, "score": float64(age) / 10})
		require.NoError(t, err)
	}
	mem.ResetCalls()

	docs, err := users.Where("age", 30).All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(30), docs[0].Int("age"))
	assert.Equal(t, []string{"Scan docmap_user"}, ops(mem.Calls()))

	docs, err = users.Where("score.gte", 3).All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err := users.Chain().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := users.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := users.Chain().Start(all[0]).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(all[1:]), ids(rest))
}

func TestQuery_LimitFirstEach(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	events := defineEvent(t, s)

	for seq := 1; seq <= 4; seq++ {
		_, err := events.Create(ctx, map[string]any{"id": "s", "seq": seq, "kind": "tick"})
		require.NoError(t, err)
	}

	docs, err := events.Where("id", "s").Limit(2).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.1", "s.2"}, ids(docs))

	docs, err = events.Where("id", "s").Start(docs[1]).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.3", "s.4"}, ids(docs))

	docs, err = events.Where("id", "s").Where("seq.lte", 2).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.1", "s.2"}, ids(docs))

	first, err := events.Where("id", "s").Where("seq.gt", 2).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s.3", first.ID())

	_, err = events.Where("id", "none").First(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	var seen []string
	err = events.Where("kind", "tick").Each(ctx, func(d *store.Document) error {
		seen = append(seen, d.ID())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 4)

	errStop := errors.New("stop")
	calls := 0
	err = events.Where("id", "s").Each(ctx, func(d *store.Document) error {
		calls++
		return errStop
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}

func TestRecords_RerunsQuery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	events := defineEvent(t, s)

	_, err := events.Create(ctx, map[string]any{"id": "s", "seq": 1})
	require.NoError(t, err)

	chain := events.Where("id", "s")
	count := func() int {
		r := chain.Records(ctx)
		n := 0
		for r.Next() {
			require.NotNil(t, r.Document())
			n++
		}
		require.NoError(t, r.Err())
		return n
	}
	assert.Equal(t, 1, count())

	_, err = events.Create(ctx, map[string]any{"id": "s", "seq": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, count(), "each iteration runs the query again")

	r := events.Where("nope", 1).Records(ctx)
	assert.False(t, r.Next())
	assert.ErrorIs(t, r.Err(), store.ErrUnknownField)
}

func TestEndToEnd_RangeKeyedItems(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	items := defineItem(t, s)

	a, err := items.Create(ctx, map[string]any{"id": "x", "rng": "one", "name": "thing"})
	require.NoError(t, err)
	b, err := items.Create(ctx, map[string]any{"id": "x", "rng": "two", "name": "thing"})
	require.NoError(t, err)

	docs, err := items.Where("id", "x").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID(), b.ID()}, ids(docs))

	docs, err = items.Where("id", "x").Where("rng", "two").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID()}, ids(docs))

	docs, err = items.Where("name", "thing").All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err := items.Where("id", "x").DestroyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, mem.Len(items.TableName()))

	rec, err := mem.Read(ctx, "docmap_item_index_name", adapter.Key{Hash: "thing"}, adapter.ReadOptions{})
	require.NoError(t, err)
	assert.NotContains(t, rec, index.IDsAttr)

	docs, err = items.Where("name", "thing").All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPartitioning(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, partitioned(4))
	events := defineEvent(t, s)

	for seq := 1; seq <= 6; seq++ {
		_, err := events.Create(ctx, map[string]any{"id": "s", "seq": seq, "kind": "tick"})
		require.NoError(t, err)
	}

	stored, err := mem.Scan(ctx, events.TableName(), nil, adapter.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for _, item := range stored {
		h, _ := item["id"].(string)
		assert.True(t, strings.HasPrefix(h, "s."), h)
	}
	mem.ResetCalls()

	docs, err := events.Where("id", "s").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.1", "s.2", "s.3", "s.4", "s.5", "s.6"}, ids(docs))
	assert.Equal(t, "s", docs[0].HashKey(), "partition suffix is stripped")
	assert.Len(t, mem.Calls(), 4, "one query per partition")

	mem.ResetCalls()
	d, err := events.Find(ctx, "s", 3)
	require.NoError(t, err)
	assert.Equal(t, "s.3", d.ID())
	assert.Equal(t, []string{"Read docmap_event"}, ops(mem.Calls()))

	docs, err = events.Where("id", "s").Where("seq.gt", 4).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.5", "s.6"}, ids(docs))

	docs, err = events.Where("id", "s").Start(d).Limit(2).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.4", "s.5"}, ids(docs))

	docs, err = events.Where("id", "s").Where("kind", "tick").All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 6, "scans match the hash key without its suffix")

	n, err := events.Where("id", "s").DestroyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 0, mem.Len(events.TableName()))
}

func TestPartitioning_Index(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, partitioned(8))
	users := defineUser(t, s)

	u, err := users.Create(ctx, map[string]any{"name": "Josh"})
	require.NoError(t, err)

	docs, err := users.Where("name", "Josh").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{u.ID()}, ids(docs))

	got, err := users.Find(ctx, u.ID())
	require.NoError(t, err)
	assert.Equal(t, u.ID(), got.ID())
}
