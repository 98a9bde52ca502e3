package routes

import (
	"sync"

	"eqagent/internal/platform/models"
)

// Table is the engine's read-only view of configured routes: a
// read-through cache over the repository, invalidated by the CRUD
// handlers whenever a route changes.
type Table struct {
	repo *Repository

	mu    sync.RWMutex
	cache map[string]*models.Route
}

func NewTable(repo *Repository) *Table {
	return &Table{
		repo:  repo,
		cache: make(map[string]*models.Route),
	}
}

// Lookup resolves a route id to its destination, hitting the database
// only on a cache miss.
func (t *Table) Lookup(id string) (*models.Route, error) {
	t.mu.RLock()
	route, ok := t.cache[id]
	t.mu.RUnlock()
	if ok {
		return route, nil
	}

	route, err := t.repo.GetByID(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[id] = route
	t.mu.Unlock()
	return route, nil
}

// Invalidate drops the cache after any route mutation.
func (t *Table) Invalidate() {
	t.mu.Lock()
	t.cache = make(map[string]*models.Route)
	t.mu.Unlock()
}
