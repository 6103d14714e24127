package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacentio/docmap/adapter"
	"github.com/jacentio/docmap/adapter/dynamo"
)

// Key addresses a record by hash key and optional range key.
type Key = adapter.Key

// Store maps documents of registered models onto an adapter.
type Store struct {
	adapter  adapter.Adapter
	config   Config
	registry *Registry
	log      zerolog.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRegistry shares a model registry between stores.
func WithRegistry(r *Registry) Option {
	return func(s *Store) { s.registry = r }
}

// New creates a new Store instance.
func New(a adapter.Adapter, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		adapter:  a,
		config:   config,
		registry: NewRegistry(),
		log:      zerolog.Nop(),
		tables:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store backed by DynamoDB, logging as configured in config.Log.
func Open(ctx context.Context, config Config, opts ...Option) (*Store, error) {
	client, err := dynamo.NewClient(ctx, config.AWS)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithLogger(NewLogger(config.Log))}, opts...)
	return New(dynamo.New(client), config, opts...), nil
}

// Adapter returns the underlying adapter.
func (s *Store) Adapter() adapter.Adapter { return s.adapter }

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.config }

// Registry returns the model registry.
func (s *Store) Registry() *Registry { return s.registry }

// Logger returns the store logger.
func (s *Store) Logger() zerolog.Logger { return s.log }

// TableName prefixes name with the configured namespace.
func (s *Store) TableName(name string) string {
	if s.config.Namespace == "" {
		return name
	}
	return s.config.Namespace + "_" + name
}

// CreateTables creates the tables of every registered model that are missing.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, m := range s.registry.Models() {
		if err := m.ensureTables(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ensureTable creates table if it does not exist yet. Tables known to exist are cached.
func (s *Store) ensureTable(ctx context.Context, table string, spec adapter.TableSpec) error {
	s.mu.Lock()
	known := s.tables[table]
	s.mu.Unlock()
	if known {
		return nil
	}

	exists, err := s.adapter.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", table, err)
	}
	if !exists {
		created, err := s.adapter.CreateTable(ctx, table, spec)
		if err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if created {
			s.log.Info().Str("table", table).Str("hash_key", spec.HashKey).Str("range_key", spec.RangeKey).Msg("created table")
		}
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) forgetTable(table string) {
	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()
}

func (s *Store) capacity(read, write int64) (int64, int64) {
	if read == 0 {
		read = s.config.ReadCapacity
	}
	if write == 0 {
		write = s.config.WriteCapacity
	}
	return read, write
}
