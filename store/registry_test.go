package store_test

import (
	"errors"
	"testing"

	"github.com/jacentio/docmap/adapter/memory"
	"github.com/jacentio/docmap/attr"
	"github.com/jacentio/docmap/index"
	"github.com/jacentio/docmap/store"
)

func TestNewRegistry(t *testing.T) {
	r := store.NewRegistry()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_Define(t *testing.T) {
	s := store.New(memory.New(), store.DefaultConfig())

	users, err := s.Define(store.Schema{
		Name:    "user",
		Fields:  []attr.Field{{Name: "name", Kind: attr.String}},
		Indexes: []index.Spec{{Hash: []string{"name"}}},
	})
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	r := s.Registry()
	if r.Len() != 1 {
		t.Errorf("expected 1 model, got %d", r.Len())
	}
	if m, ok := r.Model("user"); !ok || m != users {
		t.Error("expected model registered by name")
	}
	if m, ok := r.ForTable("docmap_user"); !ok || m != users {
		t.Error("expected model registered by table")
	}

	tables := r.Tables()
	if len(tables) != 2 {
		t.Fatalf("expected primary and index table, got %v", tables)
	}
	if tables[0] != "docmap_user" || tables[1] != "docmap_user_index_name" {
		t.Errorf("unexpected tables %v", tables)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	s := store.New(memory.New(), store.DefaultConfig())
	if _, err := s.Define(store.Schema{Name: "user"}); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	_, err := s.Define(store.Schema{Name: "user"})
	if !errors.Is(err, store.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestRegistry_Shared(t *testing.T) {
	r := store.NewRegistry()
	a := store.New(memory.New(), store.DefaultConfig(), store.WithRegistry(r))
	b := store.New(memory.New(), store.DefaultConfig(), store.WithRegistry(r))

	if _, err := a.Define(store.Schema{Name: "post"}); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if _, err := b.Define(store.Schema{Name: "post"}); err == nil {
		t.Error("expected duplicate across shared registry")
	}
	if _, err := b.Define(store.Schema{Name: "comment"}); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	models := r.Models()
	if len(models) != 2 || models[0].Name() != "comment" || models[1].Name() != "post" {
		t.Errorf("expected models sorted by name, got %d", len(models))
	}
}

func TestRegistry_ForTable_Nonexistent(t *testing.T) {
	r := store.NewRegistry()
	if _, ok := r.ForTable("docmap_missing"); ok {
		t.Error("expected no model")
	}
}
