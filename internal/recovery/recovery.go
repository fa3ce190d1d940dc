// Package recovery implements the kernel's recovery engine (spec.md §4.11,
// component C11): replaying service_deployed/service_killed events after a
// restart to rebuild the set of services that should be running -- each
// carrying the deploy contract (source, format, restart policy) its original
// service_deployed event recorded -- and a verifier that cross-checks the
// rebuilt set against the live registry.
package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/disruptek/kernelcore/internal/deployer"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/registry"
)

// Identity is a {tenant, service} pair recovered from the event log.
type Identity struct {
	TenantID  string
	ServiceID string
}

// RecoveredService is an Identity together with the deploy contract its
// service_deployed event recorded -- everything a Redeployer needs to
// rebuild the service without consulting any in-memory state that would not
// survive a restart (spec.md §4.6 step 7, §4.11 step 3).
type RecoveredService struct {
	Identity
	Source          string
	Format          string
	RestartPolicy   deployer.RestartPolicy
	CodeFingerprint string
	SourceEventID   uint64
}

// Redeployer recompiles and restarts one recovered service from its
// original deploy contract. The kernel root supplies this so the recovery
// engine never needs to know how a worker is actually launched.
type Redeployer func(ctx context.Context, rs RecoveredService) error

// Engine rebuilds and verifies the set of services that should be running.
type Engine struct {
	events   eventstore.Store
	registry *registry.Registry
	log      *kernellog.Logger
	redeploy Redeployer
}

// New constructs a recovery Engine.
func New(events eventstore.Store, reg *registry.Registry, log *kernellog.Logger, redeploy Redeployer) *Engine {
	if log == nil {
		log = kernellog.Default()
	}
	return &Engine{events: events, registry: reg, log: log, redeploy: redeploy}
}

// Replay streams the entire event log and returns the deploy contract for
// every service that is deployed and not subsequently killed, as of the
// last event (spec.md §4.11). Replay is idempotent: running it twice
// against an unchanged log yields the same set. Only service_deployed
// carries the deploy contract; service_recovered marks a service live again
// without replacing the contract its original service_deployed recorded, so
// a service recovered once and later crashing again still resolves back to
// its original source.
func (e *Engine) Replay(ctx context.Context) ([]RecoveredService, error) {
	events, err := e.events.Stream(ctx, 0)
	if err != nil {
		return nil, err
	}

	live := make(map[Identity]bool)
	specs := make(map[Identity]RecoveredService)
	for _, ev := range events {
		id := Identity{TenantID: ev.Subject.TenantID, ServiceID: ev.Subject.ServiceID}
		switch ev.EventType {
		case eventstore.TypeServiceDeployed:
			live[id] = true
			specs[id] = recoveredServiceFromPayload(id, ev.ID, ev.Payload)
		case eventstore.TypeServiceRecovered:
			live[id] = true
		case eventstore.TypeServiceKilled:
			delete(live, id)
		}
	}

	out := make([]RecoveredService, 0, len(live))
	for id := range live {
		out = append(out, specs[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out, nil
}

// RecoverReport tallies what Recover did with each service the replayed log
// says should be running (spec.md §4.11 step 5).
type RecoverReport struct {
	Recovered []Identity
	Skipped   []Identity // already running, nothing to recover
	Failed    []Identity
}

// Recover replays the log and redeploys every service that should be
// running but is not currently in the registry, emitting
// service_recovered/service_recovery_failed per service with causation_id
// set to the service_deployed event the redeploy was rebuilt from.
func (e *Engine) Recover(ctx context.Context) (RecoverReport, error) {
	services, err := e.Replay(ctx)
	if err != nil {
		return RecoverReport{}, err
	}

	var report RecoverReport
	for _, rs := range services {
		if _, lookupErr := e.registry.Lookup(rs.TenantID, rs.ServiceID); lookupErr == nil {
			report.Skipped = append(report.Skipped, rs.Identity)
			continue
		}

		causationID := rs.SourceEventID
		if err := e.redeploy(ctx, rs); err != nil {
			e.emit(ctx, eventstore.TypeServiceRecoveryFailed, rs.Identity, &causationID, map[string]interface{}{"error": err.Error()})
			report.Failed = append(report.Failed, rs.Identity)
			continue
		}
		e.emit(ctx, eventstore.TypeServiceRecovered, rs.Identity, &causationID, nil)
		report.Recovered = append(report.Recovered, rs.Identity)
	}
	return report, nil
}

// Report describes discrepancies between the rebuilt event-log view and the
// live registry (spec.md §4.11's verifier).
type Report struct {
	OrphanedServices    []Identity // registered but the log has no service_deployed for them
	OrphanedEvents      []Identity // log says deployed and not killed, but the registry has no handle
	AliveKilledServices []Identity // registered, but the last lifecycle event for them is service_killed
}

// Verify cross-checks the live registry against the replayed event view and
// reports discrepancies without mutating anything.
func (e *Engine) Verify(ctx context.Context) (Report, error) {
	events, err := e.events.Stream(ctx, 0)
	if err != nil {
		return Report{}, err
	}

	deployedEver := make(map[Identity]bool)
	lastWasKill := make(map[Identity]bool)
	for _, ev := range events {
		id := Identity{TenantID: ev.Subject.TenantID, ServiceID: ev.Subject.ServiceID}
		switch ev.EventType {
		case eventstore.TypeServiceDeployed, eventstore.TypeServiceRecovered:
			deployedEver[id] = true
			lastWasKill[id] = false
		case eventstore.TypeServiceKilled:
			lastWasKill[id] = true
		}
	}

	registered := make(map[Identity]bool)
	for _, h := range e.registry.ListAll() {
		registered[Identity{TenantID: h.TenantID, ServiceID: h.ServiceID}] = true
	}

	var report Report
	for id := range registered {
		if !deployedEver[id] {
			report.OrphanedServices = append(report.OrphanedServices, id)
		} else if lastWasKill[id] {
			report.AliveKilledServices = append(report.AliveKilledServices, id)
		}
	}
	for id := range deployedEver {
		if lastWasKill[id] {
			continue
		}
		if !registered[id] {
			report.OrphanedEvents = append(report.OrphanedEvents, id)
		}
	}

	sortIdentities(report.OrphanedServices)
	sortIdentities(report.OrphanedEvents)
	sortIdentities(report.AliveKilledServices)
	return report, nil
}

func sortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].TenantID != ids[j].TenantID {
			return ids[i].TenantID < ids[j].TenantID
		}
		return ids[i].ServiceID < ids[j].ServiceID
	})
}

func (e *Engine) emit(ctx context.Context, t eventstore.Type, id Identity, causationID *uint64, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(ctx, t, eventstore.ServiceSubject(id.TenantID, id.ServiceID), payload, causationID); err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("failed to append recovery event")
	}
}

// recoveredServiceFromPayload rebuilds a RecoveredService from a
// service_deployed event's durable payload. Numeric sub-fields are read
// type-tolerantly: MemoryStore preserves the Go types a payload was built
// with, but PostgresStore round-trips payloads through JSON, which decodes
// every JSON number into float64.
func recoveredServiceFromPayload(id Identity, eventID uint64, payload map[string]interface{}) RecoveredService {
	rs := RecoveredService{Identity: id, SourceEventID: eventID}
	if payload == nil {
		return rs
	}
	if s, ok := payload["source"].(string); ok {
		rs.Source = s
	}
	if f, ok := payload["format"].(string); ok {
		rs.Format = f
	}
	if cf, ok := payload["code_fingerprint"].(string); ok {
		rs.CodeFingerprint = cf
	}
	if rp, ok := payload["restart_policy"].(map[string]interface{}); ok {
		rs.RestartPolicy = deployer.RestartPolicy{
			MaxRestarts:     toInt(rp["max_restarts"]),
			WindowSeconds:   toInt(rp["window_seconds"]),
			StartupTimeout:  time.Duration(toFloat(rp["startup_timeout"]) * float64(time.Second)),
			ShutdownTimeout: time.Duration(toFloat(rp["shutdown_timeout"]) * float64(time.Second)),
		}
	}
	return rs
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
