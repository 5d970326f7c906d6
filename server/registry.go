package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/storage"
)

// Registry hands out the coordinator for a store id, creating it on first
// touch. Coordinators are never evicted; an idle store's coordinator is a
// few hundred bytes.
type Registry struct {
	store    storage.EventStore
	admin    AdminGate
	presence *Presence
	nodeID   string
	chunk    int
	logger   *logging.Logger

	mu     sync.Mutex
	coords map[string]*Coordinator
}

func NewRegistry(store storage.EventStore, admin AdminGate, presence *Presence, chunk int, logger *logging.Logger) *Registry {
	return &Registry{
		store:    store,
		admin:    admin,
		presence: presence,
		nodeID:   uuid.NewString(),
		chunk:    chunk,
		logger:   logger,
		coords:   make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for storeID, creating it if needed.
func (r *Registry) Get(storeID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coords[storeID]; ok {
		return c
	}
	c := NewCoordinator(storeID, r.store, r.admin, r.presence, r.nodeID, r.chunk, r.logger)
	r.coords[storeID] = c
	return c
}

// StoreIDs lists the stores that have seen at least one connection.
func (r *Registry) StoreIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.coords))
	for id := range r.coords {
		ids = append(ids, id)
	}
	return ids
}
