package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/switchboard/switchboard/internal/protocol"
)

// ErrServerFull marks a registration rejected because the broker is at its
// configured client limit.
var ErrServerFull = errors.New("server full")

// Registry tracks every registered client. It is one of the two broker-wide
// shared mutable structures; all mutation happens under the mutex and readers
// get snapshots, never live references.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	maxClients int
}

// NewRegistry creates a registry. maxClients of zero means unlimited.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		clients:    make(map[string]*Client),
		maxClients: maxClients,
	}
}

// Add registers a client, enforcing the client limit.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return fmt.Errorf("%w: %d clients connected", ErrServerFull, len(r.clients))
	}
	r.clients[c.ID] = c
	return nil
}

// Remove deregisters a client and returns it for pending-command cleanup.
func (r *Registry) Remove(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	return c, ok
}

// Get looks up a client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// List returns a snapshot of all registered clients.
func (r *Registry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CountByCapability counts registered clients per capability name. A client
// holding several capabilities is counted under each.
func (r *Registry) CountByCapability() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, c := range r.clients {
		for name, enabled := range c.Capabilities {
			if enabled {
				counts[name]++
			}
		}
	}
	return counts
}

// CountByType counts registered clients per gauge type. Every type is present
// in the result so removals zero the corresponding gauge.
func (r *Registry) CountByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[string]int{"agent": 0, "management": 0, "other": 0}
	for _, c := range r.clients {
		counts[c.Type()]++
	}
	return counts
}

// PendingTotal sums the pending commands across all clients.
func (r *Registry) PendingTotal() int {
	total := 0
	for _, c := range r.List() {
		total += c.PendingCount()
	}
	return total
}

// Snapshot returns the client_list view, ordered by connection time.
func (r *Registry) Snapshot() []protocol.ClientInfo {
	clients := r.List()
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].ConnectedAt.Equal(clients[j].ConnectedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	infos := make([]protocol.ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	return infos
}
