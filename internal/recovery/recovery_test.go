package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/registry"
)

func appendLifecycle(t *testing.T, store eventstore.Store, t1 eventstore.Type, tenantID, serviceID string) {
	t.Helper()
	_, err := store.Append(context.Background(), t1, eventstore.ServiceSubject(tenantID, serviceID), nil, nil)
	require.NoError(t, err)
}

func appendDeployed(t *testing.T, store eventstore.Store, tenantID, serviceID, source string) {
	t.Helper()
	_, err := store.Append(context.Background(), eventstore.TypeServiceDeployed, eventstore.ServiceSubject(tenantID, serviceID), map[string]interface{}{
		"module_id":        tenantID + "/" + serviceID,
		"source":           source,
		"format":           "javascript",
		"code_fingerprint": "fp-" + serviceID,
		"restart_policy": map[string]interface{}{
			"max_restarts":     5,
			"window_seconds":   60,
			"startup_timeout":  5.0,
			"shutdown_timeout": 5.0,
		},
	}, nil)
	require.NoError(t, err)
}

func TestReplayBuildsLiveSetExcludingKilled(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendDeployed(t, store, "tenant-a", "svc-1", "source-1")
	appendDeployed(t, store, "tenant-a", "svc-2", "source-2")
	appendLifecycle(t, store, eventstore.TypeServiceKilled, "tenant-a", "svc-2")

	eng := New(store, registry.New(), nil, nil)
	services, err := eng.Replay(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)
	require.Equal(t, Identity{TenantID: "tenant-a", ServiceID: "svc-1"}, services[0].Identity)
	require.Equal(t, "source-1", services[0].Source)
	require.Equal(t, "javascript", services[0].Format)
	require.Equal(t, "fp-svc-1", services[0].CodeFingerprint)
	require.Equal(t, 5, services[0].RestartPolicy.MaxRestarts)
	require.Equal(t, 5*time.Second, services[0].RestartPolicy.StartupTimeout)
}

func TestRecoverRedeploysMissingLiveServicesFromTheirOriginalSource(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendDeployed(t, store, "tenant-a", "svc-1", "original-source")

	reg := registry.New()
	var redeployedSources []string
	redeploy := func(ctx context.Context, rs RecoveredService) error {
		redeployedSources = append(redeployedSources, rs.Source)
		return reg.Register(registry.Handle{TenantID: rs.TenantID, ServiceID: rs.ServiceID})
	}

	eng := New(store, reg, nil, redeploy)
	report, err := eng.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Identity{{TenantID: "tenant-a", ServiceID: "svc-1"}}, report.Recovered)
	require.Empty(t, report.Skipped)
	require.Empty(t, report.Failed)
	require.Equal(t, []string{"original-source"}, redeployedSources)

	recovered, err := store.Filter(context.Background(), eventstore.Filter{EventType: eventstore.TypeServiceRecovered})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.NotNil(t, recovered[0].CausationID)
}

func TestRecoverIsIdempotent(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendDeployed(t, store, "tenant-a", "svc-1", "original-source")

	reg := registry.New()
	calls := 0
	redeploy := func(ctx context.Context, rs RecoveredService) error {
		calls++
		return reg.Register(registry.Handle{TenantID: rs.TenantID, ServiceID: rs.ServiceID})
	}

	eng := New(store, reg, nil, redeploy)
	first, err := eng.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Recovered, 1)

	second, err := eng.Recover(context.Background())
	require.NoError(t, err)
	require.Empty(t, second.Recovered)
	require.Equal(t, []Identity{{TenantID: "tenant-a", ServiceID: "svc-1"}}, second.Skipped)
	require.Equal(t, 1, calls)
}

func TestVerifyDetectsOrphanedServiceAndAliveKilled(t *testing.T) {
	store := eventstore.NewMemoryStore()
	appendLifecycle(t, store, eventstore.TypeServiceDeployed, "tenant-a", "svc-killed")
	appendLifecycle(t, store, eventstore.TypeServiceKilled, "tenant-a", "svc-killed")

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Handle{TenantID: "tenant-a", ServiceID: "svc-killed"}))
	require.NoError(t, reg.Register(registry.Handle{TenantID: "tenant-a", ServiceID: "svc-orphan"}))

	eng := New(store, reg, nil, nil)
	report, err := eng.Verify(context.Background())
	require.NoError(t, err)

	require.Contains(t, report.AliveKilledServices, Identity{TenantID: "tenant-a", ServiceID: "svc-killed"})
	require.Contains(t, report.OrphanedServices, Identity{TenantID: "tenant-a", ServiceID: "svc-orphan"})
}
