package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacentio/docmap/adapter/memory"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
	"github.com/jacentio/docmap/store"
)

func newTestStore(t *testing.T, configure ...func(*store.Config)) (*store.Store, *memory.Adapter) {
	t.Helper()
	cfg := store.DefaultConfig()
	for _, fn := range configure {
		fn(&cfg)
	}
	mem := memory.New()
	return store.New(mem, cfg), mem
}

func partitioned(n int) func(*store.Config) {
	return func(c *store.Config) {
		c.Partitioning = true
		c.PartitionCount = n
	}
}

// defineUser declares a hash-keyed model with single, composite and ranged indexes.
func defineUser(t *testing.T, s *store.Store) *store.Model {
	t.Helper()
	m, err := s.Define(store.Schema{
		Name: "user",
		Fields: []attr.Field{
			{Name: "name", Kind: attr.String},
			{Name: "email", Kind: attr.String},
			{Name: "age", Kind: attr.Integer},
			{Name: "score", Kind: attr.Float},
			{Name: "tags", Kind: attr.Set},
			{Name: "joined", Kind: attr.Datetime},
			{Name: "prefs", Kind: attr.Serialized},
			{Name: "status", Kind: attr.String, Default: "active"},
		},
		Indexes: []index.Spec{
			{Hash: []string{"name"}},
			{Hash: []string{"email"}},
			{Hash: []string{"name", "email"}},
			{Hash: []string{"name"}, Range: "age"},
		},
	})
	require.NoError(t, err)
	return m
}

// defineItem declares a hash and range keyed model with an index on name.
func defineItem(t *testing.T, s *store.Store) *store.Model {
	t.Helper()
	m, err := s.Define(store.Schema{
		Name:     "item",
		RangeKey: "rng",
		Fields: []attr.Field{
			{Name: "name", Kind: attr.String},
		},
		Indexes: []index.Spec{{Hash: []string{"name"}}},
	})
	require.NoError(t, err)
	return m
}

// defineEvent declares a model with a numeric range key.
func defineEvent(t *testing.T, s *store.Store) *store.Model {
	t.Helper()
	m, err := s.Define(store.Schema{
		Name:      "event",
		RangeKey:  "seq",
		RangeKind: attr.Integer,
		Fields: []attr.Field{
			{Name: "kind", Kind: attr.String},
		},
	})
	require.NoError(t, err)
	return m
}

func ops(calls []memory.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op + " " + c.Table
	}
	return out
}

func ids(docs []*store.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}
