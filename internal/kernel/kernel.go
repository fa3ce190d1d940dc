// Package kernel wires components C1-C12 into the kernel root (spec.md
// §4.13, component C13): the boot-ordered supervision tree, the
// tenant/service worker layer, and the glue callbacks each component needs
// but must not import directly (grounded on the teacher's
// applications/system.Manager, which owns the same deterministic
// start/reverse-stop discipline over a flat service list).
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disruptek/kernelcore/internal/capability"
	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/deployer"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/hotswap"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/metrics"
	"github.com/disruptek/kernelcore/internal/recovery"
	"github.com/disruptek/kernelcore/internal/registry"
	"github.com/disruptek/kernelcore/internal/resourcemon"
	"github.com/disruptek/kernelcore/internal/shedder"
	"github.com/disruptek/kernelcore/internal/shutdown"
	"github.com/disruptek/kernelcore/internal/supervisor"
	"github.com/disruptek/kernelcore/internal/tokenstore"
)

// Kernel is the root object: it owns every system component (C1-C12) plus
// the per-tenant supervision tree that hosts deployed services. New
// constructs the capability manager, resource monitor, load shedder,
// deployer, hot-swap watchdog, recovery engine and shutdown coordinator, in
// that order, over the event store and token store it is given. Start runs
// only the root supervisor (whose single child drives the capability sweep)
// and then the recovery pass; the other components are not supervised
// children of the root, and the shutdown coordinator only runs when its
// Listen or Shutdown method is called.
type Kernel struct {
	cfg kernelconfig.Config
	log *kernellog.Logger

	Events       eventstore.Store
	Registry     *registry.Registry
	Tokens       tokenstore.Store
	Capabilities *capability.Manager
	Monitor      *resourcemon.Monitor
	Shedder      *shedder.Shedder
	Deployer     *deployer.Deployer
	HotSwap      *hotswap.Watchdog
	Recovery     *recovery.Engine
	Shutdown     *shutdown.Coordinator
	Metrics      *metrics.Registry

	root *supervisor.Supervisor

	mu       sync.Mutex
	tenants  map[string]*tenantSupervision
	lastInit map[string]interface{}
}

// tenantSupervision is the per-tenant node of the supervision tree: a
// RestForOne-free OneForOne supervisor whose children are individual
// service workers (spec.md §4.4's per-tenant supervisor layer).
type tenantSupervision struct {
	sup     *supervisor.Supervisor
	workers map[string]*workerHandle
}

type workerHandle struct {
	index  int
	worker *worker
}

// New assembles every system component without starting any of them.
func New(cfg kernelconfig.Config, events eventstore.Store, tokens tokenstore.Store, metricsReg *metrics.Registry, log *kernellog.Logger) *Kernel {
	if log == nil {
		log = kernellog.Default()
	}

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		Events:   events,
		Registry: registry.New(),
		Tokens:   tokens,
		Metrics:  metricsReg,
		tenants:  make(map[string]*tenantSupervision),
		lastInit: make(map[string]interface{}),
	}

	k.Capabilities = capability.New(tokens, events, log)
	k.Monitor = resourcemon.New(cfg, events, log, k.onResourceAction)
	k.Shedder = shedder.New(cfg)
	k.Deployer = deployer.New(k.Registry, events, log, k.launchWorker, k.stopWorker)
	k.HotSwap = hotswap.New(k.Registry, events, log, k.swapWorker)
	k.Recovery = recovery.New(events, k.Registry, log, k.redeployWorker)
	k.Shutdown = shutdown.New(events, log, cfg.GraceShutdownDelay, k.stopAll)

	k.root = supervisor.New("kernel-root", supervisor.OneForOne, events, log)

	return k
}

// Start launches the fixed system-component layer (capability sweep,
// resource monitor are passive/pull-based and need no goroutine of their
// own beyond what Start wires) and replays the event log to recover any
// service that was running before the last restart.
func (k *Kernel) Start(ctx context.Context) error {
	intensity := supervisor.Intensity{MaxRestarts: k.cfg.RestartIntensityMax, Window: k.cfg.RestartIntensityWin}
	if err := k.root.Start(ctx, intensity, supervisor.NamedChild{
		Name: "capability-sweep",
		Run: func(ctx context.Context) error {
			k.Capabilities.StartSweep(ctx)
			<-ctx.Done()
			k.Capabilities.StopSweep()
			return nil
		},
	}); err != nil {
		return fmt.Errorf("start system supervisor: %w", err)
	}

	report, err := k.Recovery.Recover(ctx)
	if err != nil {
		k.log.WithContext(ctx).WithError(err).Warn("recovery pass failed at boot")
	} else if len(report.Recovered) > 0 || len(report.Failed) > 0 {
		k.log.WithContext(ctx).Infof("recovery: %d recovered, %d skipped, %d failed", len(report.Recovered), len(report.Skipped), len(report.Failed))
	}

	k.log.WithContext(ctx).Info("kernel started")
	return nil
}

// Status returns the introspection descriptor for the kernel root and every
// deployed service, sorted by layer then name (SPEC_FULL.md's descriptor
// surface, grounded on the teacher's applications/system/descriptors.go).
func (k *Kernel) Status() []Descriptor {
	out := []Descriptor{
		{Name: "kernel-root", Layer: LayerSystem, Capabilities: []string{"event_store", "registry", "capability_manager", "compiler", "deployer", "resource_monitor", "shedder", "hot_swap", "recovery", "shutdown"}},
	}
	for _, h := range k.Registry.ListAll() {
		out = append(out, Descriptor{
			Name:         h.TenantID + "/" + h.ServiceID,
			Layer:        LayerService,
			Capabilities: []string{h.ModuleID},
		})
	}
	return sortDescriptors(out)
}

// tenantSup returns (creating if needed) the supervisor node for tenantID.
func (k *Kernel) tenantSup(ctx context.Context, tenantID string) *tenantSupervision {
	k.mu.Lock()
	defer k.mu.Unlock()

	ts, ok := k.tenants[tenantID]
	if ok {
		return ts
	}

	sup := supervisor.New("tenant-"+tenantID, supervisor.OneForOne, k.Events, k.log)
	intensity := supervisor.Intensity{MaxRestarts: k.cfg.RestartIntensityMax, Window: k.cfg.RestartIntensityWin}
	_ = sup.Start(ctx, intensity)

	ts = &tenantSupervision{sup: sup, workers: make(map[string]*workerHandle)}
	k.tenants[tenantID] = ts
	return ts
}

func workerKey(tenantID, serviceID string) string {
	return tenantID + "/" + serviceID
}

// launchWorker satisfies deployer.WorkerLauncher: it starts a fresh
// compiler.Instance, wraps it in a worker actor, and attaches the actor as a
// new child of the tenant's supervisor.
func (k *Kernel) launchWorker(ctx context.Context, tenantID, serviceID string, module compiler.Module, initArg interface{}) (registry.Handle, error) {
	instance, initialState, err := compiler.Start(module, initArg)
	if err != nil {
		return registry.Handle{}, err
	}

	w := newWorker(tenantID, serviceID, instance, initialState)
	ts := k.tenantSup(ctx, tenantID)

	index := ts.sup.AddChild(supervisor.NamedChild{
		Name: serviceID,
		Run: func(childCtx context.Context) error {
			return w.run(childCtx, k.Monitor)
		},
	})

	k.mu.Lock()
	ts.workers[serviceID] = &workerHandle{index: index, worker: w}
	k.lastInit[workerKey(tenantID, serviceID)] = initArg
	k.mu.Unlock()

	if k.Metrics != nil {
		k.Metrics.ServicesDeployed.Inc()
		k.Metrics.DeploysTotal.WithLabelValues("succeeded").Inc()
	}

	return w.Handle(module.Identifier), nil
}

// stopWorker satisfies deployer.WorkerStopper.
func (k *Kernel) stopWorker(ctx context.Context, h registry.Handle) error {
	k.mu.Lock()
	ts, ok := k.tenants[h.TenantID]
	if !ok {
		k.mu.Unlock()
		return nil
	}
	wh, ok := ts.workers[h.ServiceID]
	if ok {
		delete(ts.workers, h.ServiceID)
	}
	delete(k.lastInit, workerKey(h.TenantID, h.ServiceID))
	k.mu.Unlock()

	if ok {
		ts.sup.RemoveChild(wh.index)
	}
	if k.Metrics != nil {
		k.Metrics.ServicesDeployed.Dec()
	}
	return nil
}

// swapWorker satisfies hotswap.Swapper: it starts a new instance from
// newModule, migrates state through the old instance's code_change hook
// when available, removes the old child, and attaches the new one.
func (k *Kernel) swapWorker(ctx context.Context, tenantID, serviceID string, newModule compiler.Module) (registry.Handle, error) {
	k.mu.Lock()
	ts, ok := k.tenants[tenantID]
	var oldWorker *worker
	if ok {
		if wh, exists := ts.workers[serviceID]; exists {
			oldWorker = wh.worker
		}
	}
	initArg := k.lastInit[workerKey(tenantID, serviceID)]
	k.mu.Unlock()
	if !ok {
		return registry.Handle{}, fmt.Errorf("no supervisor for tenant %q", tenantID)
	}

	newInstance, startedState, err := compiler.Start(newModule, initArg)
	if err != nil {
		return registry.Handle{}, err
	}

	state := startedState
	if oldWorker != nil && newInstance.SupportsCodeChange() {
		if migrated, err := newInstance.CodeChange(oldWorker.State()); err == nil {
			state = migrated
		}
	}

	newW := newWorker(tenantID, serviceID, newInstance, state)

	if oldWorker != nil {
		k.mu.Lock()
		oldIndex := ts.workers[serviceID].index
		k.mu.Unlock()
		ts.sup.RemoveChild(oldIndex)
	}

	index := ts.sup.AddChild(supervisor.NamedChild{
		Name: serviceID,
		Run: func(childCtx context.Context) error {
			return newW.run(childCtx, k.Monitor)
		},
	})

	k.mu.Lock()
	ts.workers[serviceID] = &workerHandle{index: index, worker: newW}
	k.mu.Unlock()

	if k.Metrics != nil {
		k.Metrics.HotSwapOutcomes.WithLabelValues("succeeded").Inc()
	}

	return newW.Handle(newModule.Identifier), nil
}

// redeployWorker satisfies recovery.Redeployer: it rebuilds the service
// exactly as recovery.Replay reconstructed it from its original
// service_deployed event -- same source, format, and restart policy -- so a
// service recovered after a crash runs its real compiled logic rather than
// a placeholder (spec.md §4.6 step 7, §4.11 step 3).
func (k *Kernel) redeployWorker(ctx context.Context, rs recovery.RecoveredService) error {
	_, err := k.Deployer.Deploy(ctx, rs.TenantID, rs.ServiceID, rs.Source, rs.Format, rs.RestartPolicy, nil)
	if k.Metrics != nil {
		if err != nil {
			k.Metrics.RecoveryRedeploys.WithLabelValues("failed").Inc()
		} else {
			k.Metrics.RecoveryRedeploys.WithLabelValues("succeeded").Inc()
		}
	}
	return err
}

// onResourceAction is the resourcemon.Monitor callback: it kills the service
// whenever the verdict's action is "kill" (its circuit breaker is open, or
// the tenant's configured violation action is kill). Throttle verdicts are
// not acted on here or anywhere else.
func (k *Kernel) onResourceAction(tenantID, serviceID string, v resourcemon.Verdict) {
	if v.Action != "kill" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.Deployer.Kill(ctx, tenantID, serviceID); err != nil {
		k.log.WithContext(ctx).WithError(err).Warnf("failed to kill %s/%s after circuit breaker trip", tenantID, serviceID)
	}
}

// stopAll is the shutdown.Stopper: it stops every tenant supervisor then the
// root system supervisor, in that order, so services wind down before the
// event store and other core components do.
func (k *Kernel) stopAll(ctx context.Context) error {
	k.mu.Lock()
	tenants := make([]*tenantSupervision, 0, len(k.tenants))
	for _, ts := range k.tenants {
		tenants = append(tenants, ts)
	}
	k.mu.Unlock()

	for _, ts := range tenants {
		ts.sup.Stop()
	}
	k.root.Stop()
	return nil
}
