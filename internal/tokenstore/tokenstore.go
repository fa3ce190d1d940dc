// Package tokenstore persists capability tokens (spec.md §4.3, component
// C3): a token_hash -> capability_record index. There is no separate
// tenant_id -> set<hash> index: ListTenant scans every record in the memory
// store and filters on the tenant_id column in Postgres.
package tokenstore

import (
	"context"
	"time"
)

// Record is the durable representation of a granted capability token. The
// raw token is never stored — only its SHA-256 hash (see internal/capability)
// — so a leaked store cannot be used to reconstruct live tokens. ResourceRef
// scopes the token to the resource it was granted against (typically a
// service ID, but may name a system-level resource such as "net"); Verify
// rejects a token presented against any other resource.
type Record struct {
	TokenHash   string
	TenantID    string
	ResourceRef string
	Permissions []string
	Metadata    map[string]interface{}
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists capability records. Implementations must make Put/Get
// safe for concurrent use.
type Store interface {
	// Put writes or overwrites a record, keyed by its TokenHash.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for tokenHash. Returns a NotFound
	// kernelerrors.KernelError if absent.
	Get(ctx context.Context, tokenHash string) (Record, error)

	// Delete removes a single record by hash. A no-op if absent.
	Delete(ctx context.Context, tokenHash string) error

	// ListTenant returns every non-revoked record for tenantID, used for
	// bulk revocation when a tenant is torn down.
	ListTenant(ctx context.Context, tenantID string) ([]Record, error)

	// RestoreAll returns every record in the store, including expired and
	// revoked ones; it does not filter them out. No component of the kernel
	// calls it during recovery.
	RestoreAll(ctx context.Context) ([]Record, error)

	// CleanupExpired deletes every record whose TTL has elapsed as of now,
	// returning the number removed.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}
