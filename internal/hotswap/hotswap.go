// Package hotswap implements the kernel's hot-swap watchdog (spec.md
// §4.10, component C10): swapping a running worker's module for a new
// version in place, and rolling back to the previous source when the swap
// itself fails.
package hotswap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/registry"
)

// RollbackWindow is a rollback window length of 10 seconds. Swap does not
// read it: a swapped-in module is not watched once the Swapper returns.
const RollbackWindow = 10 * time.Second

// Swapper performs the in-place replacement of a running worker's module,
// migrating its state through the module's optional code_change hook, and
// returns a handle bound to the new module. It is supplied by the kernel
// root, which owns the actual supervisor/worker wiring.
type Swapper func(ctx context.Context, tenantID, serviceID string, newModule compiler.Module) (registry.Handle, error)

// Watchdog coordinates hot swaps across every tenant/service.
type Watchdog struct {
	registry *registry.Registry
	events   eventstore.Store
	log      *kernellog.Logger
	swap     Swapper
}

// New constructs a Watchdog.
func New(reg *registry.Registry, events eventstore.Store, log *kernellog.Logger, swap Swapper) *Watchdog {
	if log == nil {
		log = kernellog.Default()
	}
	return &Watchdog{registry: reg, events: events, log: log, swap: swap}
}

// Result reports the outcome of a hot-swap attempt.
type Result struct {
	JobID      string
	Succeeded  bool
	RolledBack bool
}

// Swap compiles newSource, hands it to the Swapper to replace the running
// worker, and declares success as soon as the Swapper returns without error;
// a crash of the new module after that point does not trigger a rollback.
// If the Swapper itself fails, Swap rolls back immediately by re-issuing the swap
// with the previously running module (captured by the caller in
// previousSource) and emits hot_swap_rolled_back.
func (w *Watchdog) Swap(ctx context.Context, tenantID, serviceID, newSource, previousSource string) (Result, error) {
	jobID := uuid.New().String()

	handle, err := w.registry.Lookup(tenantID, serviceID)
	if err != nil {
		return Result{}, err
	}

	newModule, err := compiler.Compile(tenantID, serviceID, newSource)
	if err != nil {
		return Result{}, err
	}

	w.emit(ctx, eventstore.TypeHotSwapStarted, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "from_module": handle.ModuleID, "to_module": newModule.Identifier})

	newHandle, swapErr := w.swap(ctx, tenantID, serviceID, newModule)
	if swapErr != nil {
		return w.rollback(ctx, tenantID, serviceID, jobID, previousSource, swapErr)
	}

	w.registry.Replace(newHandle)
	w.log.LogAudit(ctx, "hot_swap", "service", serviceID, "ok")
	w.emit(ctx, eventstore.TypeHotSwapSucceeded, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "module_id": newModule.Identifier})

	return Result{JobID: jobID, Succeeded: true}, nil
}

func (w *Watchdog) rollback(ctx context.Context, tenantID, serviceID, jobID, previousSource string, cause error) (Result, error) {
	if previousSource == "" {
		w.emit(ctx, eventstore.TypeHotSwapFailed, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "error": cause.Error(), "rollback": "unavailable"})
		return Result{JobID: jobID}, kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "hot swap failed and no rollback source is available", cause)
	}

	oldModule, err := compiler.Compile(tenantID, serviceID, previousSource)
	if err != nil {
		w.emit(ctx, eventstore.TypeHotSwapFailed, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "error": cause.Error()})
		return Result{JobID: jobID}, kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "hot swap failed and rollback source did not recompile", err)
	}

	oldHandle, rollbackErr := w.swap(ctx, tenantID, serviceID, oldModule)
	if rollbackErr != nil {
		w.emit(ctx, eventstore.TypeHotSwapFailed, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "error": cause.Error(), "rollback_error": rollbackErr.Error()})
		return Result{JobID: jobID}, kernelerrors.Wrap(kernelerrors.CodeInvariantViolation, "hot swap failed and rollback also failed", rollbackErr)
	}

	w.registry.Replace(oldHandle)
	w.emit(ctx, eventstore.TypeHotSwapRolledBack, tenantID, serviceID, map[string]interface{}{"job_id": jobID, "error": cause.Error()})
	return Result{JobID: jobID, RolledBack: true}, kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "hot swap failed, rolled back to previous module", cause)
}

func (w *Watchdog) emit(ctx context.Context, t eventstore.Type, tenantID, serviceID string, payload map[string]interface{}) {
	if w.events == nil {
		return
	}
	if _, err := w.events.Append(ctx, t, eventstore.ServiceSubject(tenantID, serviceID), payload, nil); err != nil {
		w.log.WithContext(ctx).WithError(err).Warn("failed to append hot swap event")
	}
}
