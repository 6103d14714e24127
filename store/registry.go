package store

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the models defined on a Store, keyed by table name.
type Registry struct {
	mu      sync.RWMutex
	byTable map[string]*Model
	byName  map[string]*Model
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTable: make(map[string]*Model),
		byName:  make(map[string]*Model),
	}
}

// Register adds a model. Each model name and table may be registered once.
func (r *Registry) Register(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[m.name]; ok {
		return configError(m.name, fmt.Errorf("model %q already defined", m.name))
	}
	if _, ok := r.byTable[m.table]; ok {
		return configError(m.name, fmt.Errorf("table %q already mapped", m.table))
	}
	r.byTable[m.table] = m
	r.byName[m.name] = m
	return nil
}

// ForTable returns the model stored in table.
func (r *Registry) ForTable(table string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTable[table]
	return m, ok
}

// Model returns the model registered under name.
func (r *Registry) Model(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// Models returns all registered models sorted by name.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.byName))
	for _, m := range r.byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Tables returns every table owned by registered models, index tables included.
func (r *Registry) Tables() []string {
	var tables []string
	for _, m := range r.Models() {
		tables = append(tables, m.table)
		for _, idx := range m.indexes.All() {
			tables = append(tables, idx.TableName)
		}
	}
	return tables
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
