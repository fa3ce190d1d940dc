// Package deployer implements the kernel's deployer (spec.md §4.6,
// component C6): the single entry point for deploying, killing, and
// querying tenant services. Deploy/Kill are serialized per tenant so two
// concurrent requests for the same {tenant, service} identity cannot race
// each other into an inconsistent registry/event state (spec.md §9
// "single-writer discipline").
package deployer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/registry"
)

// RestartPolicy governs how the supervisor that owns a deployed service
// treats its crashes, and how the recovery engine rebuilds it after a
// process restart. It is part of the durable service_deployed contract
// (spec.md §4.6 step 7, §4.11 step 3): every field here is replayed verbatim
// when a service is redeployed from the event log.
type RestartPolicy struct {
	MaxRestarts     int           `json:"max_restarts"`
	WindowSeconds   int           `json:"window_seconds"`
	StartupTimeout  time.Duration `json:"startup_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultRestartPolicy returns the policy applied when a caller leaves
// RestartPolicy zero-valued.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:     5,
		WindowSeconds:   60,
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (p RestartPolicy) orDefault() RestartPolicy {
	if p.MaxRestarts == 0 && p.WindowSeconds == 0 && p.StartupTimeout == 0 && p.ShutdownTimeout == 0 {
		return DefaultRestartPolicy()
	}
	return p
}

func (p RestartPolicy) asPayload() map[string]interface{} {
	return map[string]interface{}{
		"max_restarts":     p.MaxRestarts,
		"window_seconds":   p.WindowSeconds,
		"startup_timeout":  p.StartupTimeout.Seconds(),
		"shutdown_timeout": p.ShutdownTimeout.Seconds(),
	}
}

func codeFingerprint(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Status describes a deployed service for Status/List responses.
type Status struct {
	TenantID        string
	ServiceID       string
	ModuleID        string
	Format          string
	State           string // running | killed
	RestartPolicy   RestartPolicy
	CodeFingerprint string
	DeployedAt      time.Time
}

type deployMeta struct {
	format          string
	restartPolicy   RestartPolicy
	codeFingerprint string
	deployedAt      time.Time
}

// WorkerLauncher starts a compiled module under the tenant's supervision
// tree and returns a Handle the deployer can register. It is supplied by
// the kernel root so the deployer never needs to know about goroutines or
// the supervisor package directly.
type WorkerLauncher func(ctx context.Context, tenantID, serviceID string, module compiler.Module, initArg interface{}) (registry.Handle, error)

// WorkerStopper tears down a running worker identified by its handle.
type WorkerStopper func(ctx context.Context, h registry.Handle) error

// Deployer owns deploy/kill/status/list for every tenant.
type Deployer struct {
	registry *registry.Registry
	events   eventstore.Store
	log      *kernellog.Logger
	launch   WorkerLauncher
	stop     WorkerStopper

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
	meta        map[string]deployMeta
}

// New constructs a Deployer.
func New(reg *registry.Registry, events eventstore.Store, log *kernellog.Logger, launch WorkerLauncher, stop WorkerStopper) *Deployer {
	if log == nil {
		log = kernellog.Default()
	}
	return &Deployer{
		registry:    reg,
		events:      events,
		log:         log,
		launch:      launch,
		stop:        stop,
		tenantLocks: make(map[string]*sync.Mutex),
		meta:        make(map[string]deployMeta),
	}
}

func (d *Deployer) lockFor(tenantID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		d.tenantLocks[tenantID] = l
	}
	return l
}

// Deploy compiles source, starts a worker for it, and registers the
// resulting handle under {tenantID, serviceID}. On any failure it emits
// service_deployment_failed and returns the error; on success it emits
// service_deployed carrying {source, format, restart_policy,
// code_fingerprint} -- the recovery contract the recovery engine rebuilds
// the spec from after a restart (spec.md §4.6 step 7, §4.11 step 3). format
// defaults to "javascript" when empty; restart defaults via
// RestartPolicy.orDefault when left zero-valued.
func (d *Deployer) Deploy(ctx context.Context, tenantID, serviceID, source, format string, restart RestartPolicy, initArg interface{}) (Status, error) {
	lock := d.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if format == "" {
		format = "javascript"
	}
	restart = restart.orDefault()

	if _, err := d.registry.Lookup(tenantID, serviceID); err == nil {
		kerr := kernelerrors.AlreadyRegistered(tenantID, serviceID)
		d.emitFailure(ctx, tenantID, serviceID, kerr)
		return Status{}, kerr
	}

	module, err := compiler.Compile(tenantID, serviceID, source)
	if err != nil {
		d.emitFailure(ctx, tenantID, serviceID, err)
		return Status{}, err
	}

	handle, err := d.launch(ctx, tenantID, serviceID, module, initArg)
	if err != nil {
		kerr := kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "failed to start worker", err)
		d.emitFailure(ctx, tenantID, serviceID, kerr)
		return Status{}, kerr
	}

	if err := d.registry.Register(handle); err != nil {
		_ = d.stop(ctx, handle)
		d.emitFailure(ctx, tenantID, serviceID, err)
		return Status{}, err
	}

	now := time.Now().UTC()
	fingerprint := codeFingerprint(source)
	d.mu.Lock()
	d.meta[tenantID+"/"+serviceID] = deployMeta{format: format, restartPolicy: restart, codeFingerprint: fingerprint, deployedAt: now}
	d.mu.Unlock()

	d.log.LogAudit(ctx, "deploy", "service", serviceID, "ok")
	d.emit(ctx, eventstore.TypeServiceDeployed, tenantID, serviceID, map[string]interface{}{
		"module_id":        module.Identifier,
		"source":           source,
		"format":           format,
		"code_fingerprint": fingerprint,
		"restart_policy":   restart.asPayload(),
	})

	return Status{
		TenantID:        tenantID,
		ServiceID:       serviceID,
		ModuleID:        module.Identifier,
		Format:          format,
		State:           "running",
		RestartPolicy:   restart,
		CodeFingerprint: fingerprint,
		DeployedAt:      now,
	}, nil
}

// Kill stops and unregisters {tenantID, serviceID}.
func (d *Deployer) Kill(ctx context.Context, tenantID, serviceID string) error {
	lock := d.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	handle, err := d.registry.Lookup(tenantID, serviceID)
	if err != nil {
		return err
	}

	if err := d.stop(ctx, handle); err != nil {
		return kernelerrors.Wrap(kernelerrors.CodeTransientIO, "failed to stop worker", err)
	}
	d.registry.Unregister(tenantID, serviceID)

	d.mu.Lock()
	delete(d.meta, tenantID+"/"+serviceID)
	d.mu.Unlock()

	d.log.LogAudit(ctx, "kill", "service", serviceID, "ok")
	d.emit(ctx, eventstore.TypeServiceKilled, tenantID, serviceID, nil)
	return nil
}

// Status returns the current state of {tenantID, serviceID}.
func (d *Deployer) Status(ctx context.Context, tenantID, serviceID string) (Status, error) {
	handle, err := d.registry.Lookup(tenantID, serviceID)
	if err != nil {
		return Status{}, err
	}
	d.mu.Lock()
	m := d.meta[tenantID+"/"+serviceID]
	d.mu.Unlock()
	return Status{
		TenantID:        tenantID,
		ServiceID:       serviceID,
		ModuleID:        handle.ModuleID,
		Format:          m.format,
		State:           "running",
		RestartPolicy:   m.restartPolicy,
		CodeFingerprint: m.codeFingerprint,
		DeployedAt:      m.deployedAt,
	}, nil
}

// List returns every deployed service for tenantID.
func (d *Deployer) List(ctx context.Context, tenantID string) []Status {
	handles := d.registry.ListTenant(tenantID)
	out := make([]Status, 0, len(handles))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handles {
		m := d.meta[h.TenantID+"/"+h.ServiceID]
		out = append(out, Status{
			TenantID:        h.TenantID,
			ServiceID:       h.ServiceID,
			ModuleID:        h.ModuleID,
			Format:          m.format,
			State:           "running",
			RestartPolicy:   m.restartPolicy,
			CodeFingerprint: m.codeFingerprint,
			DeployedAt:      m.deployedAt,
		})
	}
	return out
}

func (d *Deployer) emit(ctx context.Context, t eventstore.Type, tenantID, serviceID string, payload map[string]interface{}) {
	if d.events == nil {
		return
	}
	if _, err := d.events.Append(ctx, t, eventstore.ServiceSubject(tenantID, serviceID), payload, nil); err != nil {
		d.log.WithContext(ctx).WithError(err).Warn("failed to append deploy event")
	}
}

func (d *Deployer) emitFailure(ctx context.Context, tenantID, serviceID string, err error) {
	d.emit(ctx, eventstore.TypeServiceDeploymentFailed, tenantID, serviceID, map[string]interface{}{"error": err.Error()})
}
