// Package registry implements the kernel's in-memory service directory
// (spec.md §4.2, component C2): the authoritative index of which
// {tenant, service} identities are currently deployed, and the handle used
// to reach each one.
package registry

import (
	"sort"
	"sync"

	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

// Handle is the opaque reference a caller uses to reach a deployed service.
// It carries no behavior itself; the supervisor owns the goroutine and inbox
// behind it.
type Handle struct {
	TenantID    string
	ServiceID   string
	ModuleID    string
	Deliver     func(message interface{}) error
	RegisteredAt int64
}

// Registry is the concurrent-safe {tenant, service} -> Handle index.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]map[string]Handle // tenantID -> serviceID -> handle
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]map[string]Handle)}
}

// Register adds a handle for {tenantID, serviceID}. It returns a Conflict
// kernelerrors.KernelError if the identity is already registered (spec.md
// §7's "already_registered").
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.handles[h.TenantID]
	if !ok {
		tenant = make(map[string]Handle)
		r.handles[h.TenantID] = tenant
	}
	if _, exists := tenant[h.ServiceID]; exists {
		return kernelerrors.AlreadyRegistered(h.TenantID, h.ServiceID)
	}
	tenant[h.ServiceID] = h
	return nil
}

// Replace overwrites an existing handle in place, used by hot-swap to
// rebind the service ID to a new worker without losing its registration
// slot.
func (r *Registry) Replace(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.handles[h.TenantID]
	if !ok {
		tenant = make(map[string]Handle)
		r.handles[h.TenantID] = tenant
	}
	tenant[h.ServiceID] = h
}

// Unregister removes {tenantID, serviceID} from the index. It is a no-op if
// the identity was not registered.
func (r *Registry) Unregister(tenantID, serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.handles[tenantID]
	if !ok {
		return
	}
	delete(tenant, serviceID)
	if len(tenant) == 0 {
		delete(r.handles, tenantID)
	}
}

// Lookup returns the handle for {tenantID, serviceID}.
func (r *Registry) Lookup(tenantID, serviceID string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.handles[tenantID]
	if !ok {
		return Handle{}, kernelerrors.NotFound("service", serviceID)
	}
	h, ok := tenant[serviceID]
	if !ok {
		return Handle{}, kernelerrors.NotFound("service", serviceID)
	}
	return h, nil
}

// ListTenant returns every handle registered under tenantID, sorted by
// service ID for deterministic output.
func (r *Registry) ListTenant(tenantID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.handles[tenantID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(tenant))
	for _, h := range tenant {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// ListAll returns every handle in the registry, sorted by tenant then
// service ID.
func (r *Registry) ListAll() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0)
	for _, tenant := range r.handles {
		for _, h := range tenant {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

// Count returns the number of services registered for tenantID. The load
// shedder and deployer do not consult it.
func (r *Registry) Count(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles[tenantID])
}
