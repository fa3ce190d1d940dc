package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	r := New()
	h := Handle{TenantID: "tenant-a", ServiceID: "svc-1"}

	require.NoError(t, r.Register(h))

	err := r.Register(h)
	require.Error(t, err)
	require.True(t, kernelerrors.Is(err, kernelerrors.CodeConflict))
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("tenant-a", "missing")
	require.True(t, kernelerrors.Is(err, kernelerrors.CodeNotFound))
}

func TestUnregisterRemovesIdentityAndEmptyTenantBucket(t *testing.T) {
	r := New()
	h := Handle{TenantID: "tenant-a", ServiceID: "svc-1"}
	require.NoError(t, r.Register(h))

	r.Unregister("tenant-a", "svc-1")

	_, err := r.Lookup("tenant-a", "svc-1")
	require.Error(t, err)
	require.Equal(t, 0, r.Count("tenant-a"))
}

func TestListTenantIsSortedAndScoped(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Handle{TenantID: "tenant-a", ServiceID: "svc-2"}))
	require.NoError(t, r.Register(Handle{TenantID: "tenant-a", ServiceID: "svc-1"}))
	require.NoError(t, r.Register(Handle{TenantID: "tenant-b", ServiceID: "svc-9"}))

	list := r.ListTenant("tenant-a")
	require.Len(t, list, 2)
	require.Equal(t, "svc-1", list[0].ServiceID)
	require.Equal(t, "svc-2", list[1].ServiceID)
}

func TestReplaceRebindsWithoutConflict(t *testing.T) {
	r := New()
	h := Handle{TenantID: "tenant-a", ServiceID: "svc-1", ModuleID: "v1"}
	require.NoError(t, r.Register(h))

	r.Replace(Handle{TenantID: "tenant-a", ServiceID: "svc-1", ModuleID: "v2"})

	got, err := r.Lookup("tenant-a", "svc-1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.ModuleID)
}
