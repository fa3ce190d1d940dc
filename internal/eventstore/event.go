// Package eventstore implements the kernel's append-only, monotonic,
// filterable, replayable event log (spec.md §4.1, component C1). It is the
// system's source of truth for recovery.
package eventstore

import "time"

// Type enumerates the full event vocabulary from spec.md §3.
type Type string

const (
	TypeServiceDeployed         Type = "service_deployed"
	TypeServiceDeploymentFailed Type = "service_deployment_failed"
	TypeServiceKilled           Type = "service_killed"
	TypeServiceCrashed          Type = "service_crashed"
	TypeServiceRestarted        Type = "service_restarted"
	TypeServiceRecovered        Type = "service_recovered"
	TypeServiceRecoveryFailed   Type = "service_recovery_failed"
	TypeCapabilityGranted       Type = "capability_granted"
	TypeCapabilityVerified      Type = "capability_verified"
	TypeCapabilityDenied        Type = "capability_denied"
	TypeCapabilityRevoked       Type = "capability_revoked"
	TypeResourceViolation       Type = "resource_violation"
	TypeCircuitBreakerOpened    Type = "circuit_breaker_opened"
	TypeCircuitBreakerClosed    Type = "circuit_breaker_closed"
	TypeHotSwapStarted          Type = "hot_swap_started"
	TypeHotSwapSucceeded        Type = "hot_swap_succeeded"
	TypeHotSwapRolledBack       Type = "hot_swap_rolled_back"
	TypeHotSwapFailed           Type = "hot_swap_failed"
	TypeSecretStored            Type = "secret_stored"
	TypeSecretAccessed          Type = "secret_accessed"
	TypeSecretAccessDenied      Type = "secret_access_denied"
	TypeSecretRevoked           Type = "secret_revoked"
	TypeAtomUsageHigh           Type = "atom_usage_high"
	TypeSystemShutdownStarted   Type = "system_shutdown_started"
	TypeSystemShutdownComplete  Type = "system_shutdown_complete"
)

// bestEffort is the set of event types whose persistence is best-effort
// (telemetry-shaped, high-frequency) per spec.md §4.1 and §9 "Async event
// emission": a single well-documented flag per event type, not per caller.
var bestEffort = map[Type]bool{
	TypeCapabilityVerified: true,
	TypeResourceViolation:  true,
	TypeAtomUsageHigh:      true,
}

// Durable reports whether an event type must be durable before the caller
// that appended it is acknowledged.
func Durable(t Type) bool {
	return !bestEffort[t]
}

// Subject identifies what an event is about: typically a {tenant, service}
// pair, or the literal system subject.
type Subject struct {
	TenantID  string
	ServiceID string
	System    bool
}

// SystemSubject is the subject used for kernel-wide events that are not
// about any particular tenant/service.
func SystemSubject() Subject {
	return Subject{System: true}
}

// ServiceSubject builds the subject for a {tenant, service} identity.
func ServiceSubject(tenantID, serviceID string) Subject {
	return Subject{TenantID: tenantID, ServiceID: serviceID}
}

// Event is an immutable record in the append-only log (spec.md §3).
type Event struct {
	ID          uint64
	WallClock   time.Time
	MonotonicTS int64
	TenantID    string
	EventType   Type
	Subject     Subject
	Payload     map[string]interface{}
	CausationID *uint64
}

// Filter selects a subset of the stream by tenant, subject, and/or event
// type. A zero-valued field in Filter is a wildcard for that dimension.
type Filter struct {
	TenantID  string
	ServiceID string
	EventType Type
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Event) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ServiceID != "" && e.Subject.ServiceID != f.ServiceID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return true
}
