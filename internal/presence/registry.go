// Package presence tracks which identities are online, derived from the
// number of open connections each identity holds. An identity with several
// tabs or devices open counts as online exactly once; the 0→1 and 1→0
// connection-count edges are the only points where a status transition is
// reported.
//
// The registry is process-local. Multiple server processes behind a load
// balancer each hold independent presence state; sharing it would require
// backing this interface with an external store.
package presence

import (
	"sort"
	"sync"
)

// Registry is a mutex-guarded multi-map of identity id to the set of that
// identity's open connection ids. It is constructed once per process and
// passed by reference into connection handlers.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // identity_id -> set of conn ids
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]struct{}),
	}
}

// Register records connID as an open connection for identityID. It returns
// true only when the identity's connection set transitioned from empty to
// non-empty, i.e. the identity just came online. Registering the same
// connection twice is a no-op.
func (r *Registry) Register(identityID, connID string) (wentOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[identityID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[identityID] = set
	}
	wasEmpty := len(set) == 0
	set[connID] = struct{}{}
	return wasEmpty
}

// Unregister removes connID from identityID's connection set. It returns
// true only when the set became empty, i.e. the identity just went
// offline. Unregistering an unknown connection is an idempotent no-op.
func (r *Registry) Unregister(identityID, connID string) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[identityID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, identityID)
		return true
	}
	return false
}

// Online returns the ids of all currently-online identities, sorted for
// deterministic snapshots. It is delivered once to each newly registered
// connection right after registration.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns))
	for id, set := range r.conns {
		if len(set) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether identityID has at least one open connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[identityID]) > 0
}

// Connections returns the number of open connections for identityID.
func (r *Registry) Connections(identityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[identityID])
}

// OnlineCount returns the number of currently-online identities.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
