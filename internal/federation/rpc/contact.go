package rpc

import (
	"fmt"
	"net"
	"sort"
	"sync"
)

// Contact is a known federation peer. Contacts are plain data; all I/O to a
// peer goes through the Transport. Two Contacts are the same peer iff their
// IDs are equal.
type Contact struct {
	ID   NodeID
	Addr string
	Port int
}

// HostPort returns the contact's UDP address in "host:port" form.
func (c Contact) HostPort() string {
	return net.JoinHostPort(c.Addr, fmt.Sprintf("%d", c.Port))
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s:%d", c.ID, c.Addr, c.Port)
}

// Registry is the set of peers this node currently believes to be alive.
// Contacts are added when a peer first responds to us or sends us a request,
// and removed when an RPC to them times out.
type Registry struct {
	mu       sync.RWMutex
	contacts map[NodeID]Contact
}

// NewRegistry returns an empty contact registry.
func NewRegistry() *Registry {
	return &Registry{contacts: make(map[NodeID]Contact)}
}

// Add inserts or refreshes a contact. Adding an existing id updates the
// stored address, which covers peers that rebind their endpoint.
func (r *Registry) Add(c Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.ID] = c
}

// Remove deletes a contact; removing an unknown id is a no-op.
func (r *Registry) Remove(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, id)
}

// Find returns the contact for id, if known.
func (r *Registry) Find(id NodeID) (Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	return c, ok
}

// All returns a snapshot of every known contact, ordered by id for
// deterministic iteration.
func (r *Registry) All() []Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// Len returns the number of known contacts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}
