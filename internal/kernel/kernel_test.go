package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/deployer"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/tokenstore"
)

const echoSource = `
function start_link(initArg) {
  return {
    handle: function(state, message) {
      state.count = (state.count || 0) + 1;
      return state;
    }
  };
}
`

const echoSourceV2 = `
function start_link(initArg) {
  return {
    handle: function(state, message) {
      state.count = (state.count || 0) + 1;
      return state;
    },
    code_change: function(oldState) {
      oldState.migrated = true;
      return oldState;
    }
  };
}
`

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := kernelconfig.Config{
		DataDir:             t.TempDir(),
		GraceShutdownDelay:  time.Second,
		DefaultLimits:       kernelconfig.DefaultResourceLimits(),
		TenantLimits:        map[string]kernelconfig.ResourceLimits{},
		DefaultTenantQuota:  10,
		TenantQuotas:        map[string]int{},
		RestartIntensityMax: 5,
		RestartIntensityWin: time.Minute,
	}
	k := New(cfg, eventstore.NewMemoryStore(), tokenstore.NewMemoryStore(), nil, nil)
	require.NoError(t, k.Start(context.Background()))
	return k
}

func TestDeployRegistersServiceAndIsReachable(t *testing.T) {
	k := newTestKernel(t)

	status, err := k.Deployer.Deploy(context.Background(), "tenant-a", "svc-1", echoSource, "javascript", deployer.DefaultRestartPolicy(), map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, "running", status.State)

	handle, err := k.Registry.Lookup("tenant-a", "svc-1")
	require.NoError(t, err)
	require.NoError(t, handle.Deliver("ping"))
}

func TestKillUnregistersAndStopsWorker(t *testing.T) {
	k := newTestKernel(t)

	_, err := k.Deployer.Deploy(context.Background(), "tenant-a", "svc-1", echoSource, "javascript", deployer.DefaultRestartPolicy(), map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, k.Deployer.Kill(context.Background(), "tenant-a", "svc-1"))

	_, err = k.Registry.Lookup("tenant-a", "svc-1")
	require.Error(t, err)
}

func TestHotSwapReplacesModuleAndMigratesState(t *testing.T) {
	k := newTestKernel(t)

	_, err := k.Deployer.Deploy(context.Background(), "tenant-a", "svc-1", echoSource, "javascript", deployer.DefaultRestartPolicy(), map[string]interface{}{})
	require.NoError(t, err)

	result, err := k.HotSwap.Swap(context.Background(), "tenant-a", "svc-1", echoSourceV2, echoSource)
	require.NoError(t, err)
	require.True(t, result.Succeeded)

	handle, err := k.Registry.Lookup("tenant-a", "svc-1")
	require.NoError(t, err)
	require.NoError(t, handle.Deliver("ping"))
}

// TestRecoverRedeploysAfterSimulatedRestart proves the recovered worker runs
// the original deployed source, not a no-op placeholder: only echoSource's
// handler ever adds a "count" key to its state, so its presence after
// delivering a message to the recovered worker is what distinguishes real
// recovery from registering an empty shell.
func TestRecoverRedeploysAfterSimulatedRestart(t *testing.T) {
	events := eventstore.NewMemoryStore()
	cfg := kernelconfig.Config{
		DataDir:             t.TempDir(),
		GraceShutdownDelay:  time.Second,
		DefaultLimits:       kernelconfig.DefaultResourceLimits(),
		DefaultTenantQuota:  10,
		RestartIntensityMax: 5,
		RestartIntensityWin: time.Minute,
	}

	first := New(cfg, events, tokenstore.NewMemoryStore(), nil, nil)
	require.NoError(t, first.Start(context.Background()))
	_, err := first.Deployer.Deploy(context.Background(), "tenant-a", "svc-1", echoSource, "javascript", deployer.DefaultRestartPolicy(), map[string]interface{}{})
	require.NoError(t, err)

	second := New(cfg, events, tokenstore.NewMemoryStore(), nil, nil)
	require.NoError(t, second.Start(context.Background()))

	handle, err := second.Registry.Lookup("tenant-a", "svc-1")
	require.NoError(t, err)
	require.NoError(t, handle.Deliver("ping"))

	second.mu.Lock()
	wh := second.tenants["tenant-a"].workers["svc-1"]
	second.mu.Unlock()

	require.Eventually(t, func() bool {
		state, ok := wh.worker.State().(map[string]interface{})
		if !ok {
			return false
		}
		_, hasCount := state["count"]
		return hasCount
	}, time.Second, 10*time.Millisecond, "recovered worker did not run the originally deployed source")
}

func TestStatusReportsKernelRootAndDeployedServices(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Deployer.Deploy(context.Background(), "tenant-a", "svc-1", echoSource, "javascript", deployer.DefaultRestartPolicy(), map[string]interface{}{})
	require.NoError(t, err)

	descriptors := k.Status()
	require.Len(t, descriptors, 2)
	require.Equal(t, LayerService, descriptors[0].Layer)
	require.Equal(t, LayerSystem, descriptors[1].Layer)
}
