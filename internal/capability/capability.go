// Package capability implements the kernel's capability manager (spec.md
// §4.7, component C7): minting 32-byte random tokens, hashing them for
// storage, verifying presented tokens against the capability a caller
// claims, and revoking tokens — either explicitly or via a periodic sweep
// of expired records.
package capability

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/tokenstore"
)

const tokenBytes = 32

// DefaultTTL is the lifetime granted to a token when the caller does not
// specify one.
const DefaultTTL = 24 * time.Hour

// SweepInterval is how often the manager removes expired tokens from the
// backing store (spec.md §4.7).
const SweepInterval = 60 * time.Second

// Manager grants, verifies, and revokes capability tokens.
type Manager struct {
	store  tokenstore.Store
	events eventstore.Store
	log    *kernellog.Logger

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

// New constructs a capability manager over store, emitting audit events
// through events.
func New(store tokenstore.Store, events eventstore.Store, log *kernellog.Logger) *Manager {
	if log == nil {
		log = kernellog.Default()
	}
	return &Manager{store: store, events: events, log: log}
}

// Grant mints a fresh token bound to {tenantID, resourceRef} with the given
// permissions, TTL, and metadata, persists its hash, emits
// capability_granted, and returns the raw token. The raw token is never
// persisted or logged — only its hash is retained, so this is the only
// moment the caller can observe it.
func (m *Manager) Grant(ctx context.Context, tenantID, resourceRef string, permissions []string, metadata map[string]interface{}, ttl time.Duration) (string, error) {
	if tenantID == "" || resourceRef == "" {
		return "", kernelerrors.InvalidInput("tenant_id/resource_ref", "must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", kernelerrors.Wrap(kernelerrors.CodeTransientIO, "failed to generate token", err)
	}
	token := hex.EncodeToString(raw)
	hash := HashToken(token)

	now := time.Now().UTC()
	rec := tokenstore.Record{
		TokenHash:   hash,
		TenantID:    tenantID,
		ResourceRef: resourceRef,
		Permissions: append([]string(nil), permissions...),
		Metadata:    metadata,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", kernelerrors.TransientIO("capability store put", err)
	}

	m.log.LogAudit(ctx, "grant", "capability", resourceRef, "ok")
	m.emit(ctx, eventstore.TypeCapabilityGranted, tenantID, resourceRef, map[string]interface{}{
		"resource_ref": resourceRef,
		"permissions":  permissions,
		"expires_at":   rec.ExpiresAt,
	})
	return token, nil
}

// Verify checks a presented token against the tenant and resource it is
// being used against, plus the set of permissions required for an
// operation. Acceptance requires all four to hold: the token must be known,
// live (not revoked or expired), presented by the tenant it was granted to,
// and scoped to the resource being acted on -- a token granted to tenant-a
// must never verify a request tenant-b makes, and a token scoped to one
// service must never authorize action against another. Each rejection
// reason is distinct and is both returned via KernelError detail and
// recorded on the emitted capability_denied event.
func (m *Manager) Verify(ctx context.Context, tenantID, token, resourceRef string, required ...string) (tokenstore.Record, error) {
	hash := HashToken(token)
	rec, err := m.store.Get(ctx, hash)
	if err != nil {
		return tokenstore.Record{}, m.deny(ctx, "", "", "not_found")
	}

	now := time.Now().UTC()
	if rec.Revoked {
		return tokenstore.Record{}, m.deny(ctx, rec.TenantID, rec.ResourceRef, "revoked")
	}
	if rec.Expired(now) {
		return tokenstore.Record{}, m.deny(ctx, rec.TenantID, rec.ResourceRef, "expired")
	}
	if rec.TenantID != tenantID {
		return tokenstore.Record{}, m.deny(ctx, rec.TenantID, rec.ResourceRef, "tenant_mismatch")
	}
	if resourceRef != "" && rec.ResourceRef != resourceRef {
		return tokenstore.Record{}, m.deny(ctx, rec.TenantID, rec.ResourceRef, "resource_mismatch")
	}

	for _, need := range required {
		if !hasCapability(rec.Permissions, need) {
			m.emit(ctx, eventstore.TypeCapabilityDenied, rec.TenantID, rec.ResourceRef, map[string]interface{}{"reason": "permission_denied", "permission": need})
			return tokenstore.Record{}, kernelerrors.PermissionDenied("missing permission: " + need).WithDetail("reason", "permission_denied")
		}
	}

	// capability_verified is best-effort per the event taxonomy: it is
	// high-frequency and its loss does not threaten correctness.
	m.emit(ctx, eventstore.TypeCapabilityVerified, rec.TenantID, rec.ResourceRef, nil)
	return rec, nil
}

func (m *Manager) deny(ctx context.Context, tenantID, resourceRef, reason string) error {
	m.emit(ctx, eventstore.TypeCapabilityDenied, tenantID, resourceRef, map[string]interface{}{"reason": reason})
	return kernelerrors.PermissionDenied(reason).WithDetail("reason", reason)
}

// Revoke invalidates a token immediately by its hash. Per spec.md §9's open
// question on revoking an unknown token, this returns success rather than
// NotFound: the caller's goal (the token must no longer verify) is already
// satisfied. Accepting a hash rather than the raw token lets a caller revoke
// a token it only ever retained the hash of (spec.md §4.7, §6
// RevokeCapability{token_hash}).
func (m *Manager) Revoke(ctx context.Context, tokenHash string) error {
	rec, err := m.store.Get(ctx, tokenHash)
	if err != nil {
		return nil
	}
	rec.Revoked = true
	if err := m.store.Put(ctx, rec); err != nil {
		return kernelerrors.TransientIO("capability store put", err)
	}
	m.log.LogAudit(ctx, "revoke", "capability", rec.ResourceRef, "ok")
	m.emit(ctx, eventstore.TypeCapabilityRevoked, rec.TenantID, rec.ResourceRef, nil)
	return nil
}

// RevokeTenant revokes every outstanding token for tenantID, used when a
// tenant is torn down.
func (m *Manager) RevokeTenant(ctx context.Context, tenantID string) error {
	recs, err := m.store.ListTenant(ctx, tenantID)
	if err != nil {
		return kernelerrors.TransientIO("capability store list", err)
	}
	for _, rec := range recs {
		rec.Revoked = true
		if err := m.store.Put(ctx, rec); err != nil {
			return kernelerrors.TransientIO("capability store put", err)
		}
		m.emit(ctx, eventstore.TypeCapabilityRevoked, rec.TenantID, rec.ResourceRef, nil)
	}
	return nil
}

// StartSweep launches the periodic expired-token cleanup goroutine. Calling
// StartSweep twice without StopSweep is a programmer error; in practice the
// kernel root calls it exactly once during boot.
func (m *Manager) StartSweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFn != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel

	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := m.store.CleanupExpired(sweepCtx, time.Now().UTC())
				if err != nil {
					m.log.WithContext(sweepCtx).WithError(err).Warn("capability sweep failed")
					continue
				}
				if n > 0 {
					m.log.WithContext(sweepCtx).Debugf("capability sweep removed %d expired tokens", n)
				}
			}
		}
	}()
}

// StopSweep stops the periodic cleanup goroutine. Safe to call multiple
// times.
func (m *Manager) StopSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
}

func (m *Manager) emit(ctx context.Context, t eventstore.Type, tenantID, serviceID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	subject := eventstore.ServiceSubject(tenantID, serviceID)
	if tenantID == "" && serviceID == "" {
		subject = eventstore.SystemSubject()
	}
	if _, err := m.events.Append(ctx, t, subject, payload, nil); err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("failed to append capability event")
	}
}

// HashToken returns the SHA-256 hex digest used both as the token store's
// primary key and as the token_hash surfaced to callers for hash-based
// revocation.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hasCapability(have []string, need string) bool {
	for _, c := range have {
		if subtle.ConstantTimeCompare([]byte(c), []byte(need)) == 1 {
			return true
		}
	}
	return false
}
