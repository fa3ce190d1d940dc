package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernel"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/tokenstore"
)

const echoSource = `
function start_link(initArg) {
  return { handle: function(state, message) { return state; } };
}
`

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := kernelconfig.Config{
		DataDir:             t.TempDir(),
		GraceShutdownDelay:  time.Second,
		DefaultLimits:       kernelconfig.DefaultResourceLimits(),
		DefaultTenantQuota:  10,
		RestartIntensityMax: 5,
		RestartIntensityWin: time.Minute,
	}
	k := kernel.New(cfg, eventstore.NewMemoryStore(), tokenstore.NewMemoryStore(), nil, nil)
	require.NoError(t, k.Start(context.Background()))

	gw := New(k, nil)
	server := httptest.NewServer(gw.Router())
	t.Cleanup(server.Close)
	return gw, server
}

func TestGrantThenDeployThenStatusThenKill(t *testing.T) {
	_, server := newTestGateway(t)
	client := server.Client()

	grantBody, _ := json.Marshal(map[string]interface{}{
		"resource_ref": "svc-1",
		"permissions":  []string{"deploy", "kill"},
	})
	resp, err := client.Post(server.URL+"/tenants/tenant-a/capabilities", "application/json", bytes.NewReader(grantBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var grantOut map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grantOut))
	token := grantOut["token"]
	require.NotEmpty(t, token)

	deployBody, _ := json.Marshal(map[string]interface{}{
		"service_id": "svc-1",
		"source":     echoSource,
		"token":      token,
	})
	resp, err = client.Post(server.URL+"/tenants/tenant-a/services", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = client.Get(server.URL + "/tenants/tenant-a/services/svc-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/tenants/tenant-a/services/svc-1?token="+token, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeployWithoutCapabilityIsRejected(t *testing.T) {
	_, server := newTestGateway(t)
	client := server.Client()

	deployBody, _ := json.Marshal(map[string]interface{}{
		"service_id": "svc-1",
		"source":     echoSource,
		"token":      "not-a-real-token",
	})
	resp, err := client.Post(server.URL+"/tenants/tenant-a/services", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeployWithTokenFromAnotherTenantIsRejected(t *testing.T) {
	_, server := newTestGateway(t)
	client := server.Client()

	grantBody, _ := json.Marshal(map[string]interface{}{
		"resource_ref": "svc-1",
		"permissions":  []string{"deploy"},
	})
	resp, err := client.Post(server.URL+"/tenants/tenant-b/capabilities", "application/json", bytes.NewReader(grantBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var grantOut map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grantOut))
	token := grantOut["token"]
	require.NotEmpty(t, token)

	deployBody, _ := json.Marshal(map[string]interface{}{
		"service_id": "svc-1",
		"source":     echoSource,
		"token":      token,
	})
	resp, err = client.Post(server.URL+"/tenants/tenant-a/services", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeployWithTokenScopedToAnotherServiceIsRejected(t *testing.T) {
	_, server := newTestGateway(t)
	client := server.Client()

	grantBody, _ := json.Marshal(map[string]interface{}{
		"resource_ref": "svc-other",
		"permissions":  []string{"deploy"},
	})
	resp, err := client.Post(server.URL+"/tenants/tenant-a/capabilities", "application/json", bytes.NewReader(grantBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var grantOut map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grantOut))
	token := grantOut["token"]
	require.NotEmpty(t, token)

	deployBody, _ := json.Marshal(map[string]interface{}{
		"service_id": "svc-1",
		"source":     echoSource,
		"token":      token,
	})
	resp, err = client.Post(server.URL+"/tenants/tenant-a/services", "application/json", bytes.NewReader(deployBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSystemStatusReportsRootDescriptor(t *testing.T) {
	_, server := newTestGateway(t)
	client := server.Client()

	resp, err := client.Get(server.URL + "/system/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var descriptors []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&descriptors))
	require.NotEmpty(t, descriptors)
}
