package hotswap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/registry"
)

const sourceV1 = `function start_link(initArg) { return { handle: function(s,m){ return s; } }; }`
const sourceV2 = `function start_link(initArg) { return { handle: function(s,m){ return s; }, code_change: function(old){ return old; } }; }`

func setup(t *testing.T, swap Swapper) (*Watchdog, *registry.Registry, eventstore.Store) {
	t.Helper()
	reg := registry.New()
	events := eventstore.NewMemoryStore()
	require.NoError(t, reg.Register(registry.Handle{TenantID: "tenant-a", ServiceID: "svc-1", ModuleID: "tenant_a_svc_1"}))
	return New(reg, events, nil, swap), reg, events
}

func TestSwapSucceedsAndReplacesHandle(t *testing.T) {
	swap := func(ctx context.Context, tenantID, serviceID string, newModule compiler.Module) (registry.Handle, error) {
		return registry.Handle{TenantID: tenantID, ServiceID: serviceID, ModuleID: newModule.Identifier}, nil
	}
	w, reg, events := setup(t, swap)

	result, err := w.Swap(context.Background(), "tenant-a", "svc-1", sourceV2, sourceV1)
	require.NoError(t, err)
	require.True(t, result.Succeeded)

	handle, err := reg.Lookup("tenant-a", "svc-1")
	require.NoError(t, err)
	require.NotEqual(t, "tenant_a_svc_1_old", handle.ModuleID)

	succeeded, err := events.Filter(context.Background(), eventstore.Filter{EventType: eventstore.TypeHotSwapSucceeded})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
}

func TestSwapFailureRollsBackToPreviousModule(t *testing.T) {
	swap := func(ctx context.Context, tenantID, serviceID string, newModule compiler.Module) (registry.Handle, error) {
		if newModule.Source == sourceV2 {
			return registry.Handle{}, errors.New("new module crashed on boot")
		}
		return registry.Handle{TenantID: tenantID, ServiceID: serviceID, ModuleID: newModule.Identifier}, nil
	}
	w, reg, events := setup(t, swap)

	result, err := w.Swap(context.Background(), "tenant-a", "svc-1", sourceV2, sourceV1)
	require.Error(t, err)
	require.True(t, result.RolledBack)

	handle, err2 := reg.Lookup("tenant-a", "svc-1")
	require.NoError(t, err2)
	require.NotEmpty(t, handle.ModuleID)

	rolledBack, err := events.Filter(context.Background(), eventstore.Filter{EventType: eventstore.TypeHotSwapRolledBack})
	require.NoError(t, err)
	require.Len(t, rolledBack, 1)
}

func TestSwapFailureWithNoRollbackSourceReportsFailed(t *testing.T) {
	swap := func(ctx context.Context, tenantID, serviceID string, newModule compiler.Module) (registry.Handle, error) {
		return registry.Handle{}, errors.New("boot failed")
	}
	w, _, events := setup(t, swap)

	_, err := w.Swap(context.Background(), "tenant-a", "svc-1", sourceV2, "")
	require.Error(t, err)

	failed, err := events.Filter(context.Background(), eventstore.Filter{EventType: eventstore.TypeHotSwapFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}
