package deployer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
	"github.com/disruptek/kernelcore/internal/registry"
)

const validSource = `
function start_link(initArg) {
	return { handle: function(state, message) { return state; } };
}
`

func newTestDeployer(t *testing.T, launch WorkerLauncher, stop WorkerStopper) (*Deployer, eventstore.Store, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	events := eventstore.NewMemoryStore()
	if launch == nil {
		launch = func(ctx context.Context, tenantID, serviceID string, module compiler.Module, initArg interface{}) (registry.Handle, error) {
			return registry.Handle{TenantID: tenantID, ServiceID: serviceID, ModuleID: module.Identifier}, nil
		}
	}
	if stop == nil {
		stop = func(ctx context.Context, h registry.Handle) error { return nil }
	}
	return New(reg, events, nil, launch, stop), events, reg
}

func TestDeploySucceedsAndEmitsEvent(t *testing.T) {
	d, events, _ := newTestDeployer(t, nil, nil)
	ctx := context.Background()

	status, err := d.Deploy(ctx, "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.NoError(t, err)
	require.Equal(t, "running", status.State)
	require.Equal(t, "javascript", status.Format)
	require.NotEmpty(t, status.CodeFingerprint)
	require.Equal(t, DefaultRestartPolicy(), status.RestartPolicy)

	evs, err := events.Filter(ctx, eventstore.Filter{EventType: eventstore.TypeServiceDeployed})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	payload := evs[0].Payload
	require.Equal(t, validSource, payload["source"])
	require.Equal(t, "javascript", payload["format"])
	require.Equal(t, status.CodeFingerprint, payload["code_fingerprint"])
	restartPayload, ok := payload["restart_policy"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, DefaultRestartPolicy().MaxRestarts, restartPayload["max_restarts"])
}

func TestDeployRejectsDuplicateServiceID(t *testing.T) {
	d, events, _ := newTestDeployer(t, nil, nil)
	ctx := context.Background()

	_, err := d.Deploy(ctx, "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.NoError(t, err)

	_, err = d.Deploy(ctx, "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.Error(t, err)
	require.True(t, kernelerrors.Is(err, kernelerrors.CodeConflict))

	failed, err := events.Filter(ctx, eventstore.Filter{EventType: eventstore.TypeServiceDeploymentFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestDeployFailsOnCompileError(t *testing.T) {
	d, _, _ := newTestDeployer(t, nil, nil)
	_, err := d.Deploy(context.Background(), "tenant-a", "svc-1", "not valid js {{{", "javascript", RestartPolicy{}, nil)
	require.Error(t, err)
}

func TestDeployFailsWhenLaunchErrors(t *testing.T) {
	launch := func(ctx context.Context, tenantID, serviceID string, module compiler.Module, initArg interface{}) (registry.Handle, error) {
		return registry.Handle{}, errors.New("launch failed")
	}
	d, _, reg := newTestDeployer(t, launch, nil)

	_, err := d.Deploy(context.Background(), "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.Error(t, err)
	require.Equal(t, 0, reg.Count("tenant-a"))
}

func TestKillUnregistersAndEmitsEvent(t *testing.T) {
	d, events, reg := newTestDeployer(t, nil, nil)
	ctx := context.Background()

	_, err := d.Deploy(ctx, "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Kill(ctx, "tenant-a", "svc-1"))
	require.Equal(t, 0, reg.Count("tenant-a"))

	evs, err := events.Filter(ctx, eventstore.Filter{EventType: eventstore.TypeServiceKilled})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestKillUnknownServiceReturnsNotFound(t *testing.T) {
	d, _, _ := newTestDeployer(t, nil, nil)
	err := d.Kill(context.Background(), "tenant-a", "missing")
	require.True(t, kernelerrors.Is(err, kernelerrors.CodeNotFound))
}

func TestListReturnsAllDeployedServicesForTenant(t *testing.T) {
	d, _, _ := newTestDeployer(t, nil, nil)
	ctx := context.Background()
	_, err := d.Deploy(ctx, "tenant-a", "svc-1", validSource, "javascript", RestartPolicy{}, nil)
	require.NoError(t, err)
	_, err = d.Deploy(ctx, "tenant-a", "svc-2", validSource, "javascript", RestartPolicy{}, nil)
	require.NoError(t, err)

	list := d.List(ctx, "tenant-a")
	require.Len(t, list, 2)
}
