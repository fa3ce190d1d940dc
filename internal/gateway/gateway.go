// Package gateway provides the kernel's thin HTTP surface: a chi router
// exposing deploy/kill/status/grant/hot-swap operations over JSON. The wire
// protocol itself is explicitly out of scope (spec.md §1), so this package
// stays deliberately narrow -- routing, request decoding, capability
// enforcement, and load shedding, nothing more.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/disruptek/kernelcore/internal/capability"
	"github.com/disruptek/kernelcore/internal/deployer"
	"github.com/disruptek/kernelcore/internal/hotswap"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/kernel"
	"github.com/disruptek/kernelcore/internal/shedder"
)

// Gateway bundles the kernel components the HTTP surface drives.
type Gateway struct {
	kernel       *kernel.Kernel
	capabilities *capability.Manager
	shedder      *shedder.Shedder
	log          *kernellog.Logger
}

// New builds a Gateway over an already-started Kernel.
func New(k *kernel.Kernel, log *kernellog.Logger) *Gateway {
	if log == nil {
		log = kernellog.Default()
	}
	return &Gateway{kernel: k, capabilities: k.Capabilities, shedder: k.Shedder, log: log}
}

// Router builds the chi router for the gateway's endpoints.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.traceMiddleware)

	r.Route("/tenants/{tenantID}/services", func(r chi.Router) {
		r.Post("/", g.handleDeploy)
		r.Get("/", g.handleList)
		r.Route("/{serviceID}", func(r chi.Router) {
			r.Get("/", g.handleStatus)
			r.Delete("/", g.handleKill)
			r.Post("/swap", g.handleSwap)
		})
	})

	r.Post("/tenants/{tenantID}/capabilities", g.handleGrant)
	r.Post("/capabilities/revoke", g.handleRevoke)
	r.Get("/system/status", g.handleSystemStatus)

	return r
}

func (g *Gateway) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kernellog.WithTraceID(r.Context(), kernellog.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type restartPolicyRequest struct {
	MaxRestarts     int `json:"max_restarts"`
	WindowSeconds   int `json:"window_seconds"`
	StartupTimeout  int `json:"startup_timeout_seconds"`
	ShutdownTimeout int `json:"shutdown_timeout_seconds"`
}

func (r restartPolicyRequest) toPolicy() deployer.RestartPolicy {
	return deployer.RestartPolicy{
		MaxRestarts:     r.MaxRestarts,
		WindowSeconds:   r.WindowSeconds,
		StartupTimeout:  time.Duration(r.StartupTimeout) * time.Second,
		ShutdownTimeout: time.Duration(r.ShutdownTimeout) * time.Second,
	}
}

type deployRequest struct {
	ServiceID     string               `json:"service_id"`
	Source        string               `json:"source"`
	Format        string               `json:"format"`
	RestartPolicy restartPolicyRequest `json:"restart_policy"`
	InitArg       interface{}          `json:"init_arg"`
	Token         string               `json:"token"`
}

func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if _, err := g.capabilities.Verify(r.Context(), tenantID, req.Token, req.ServiceID, "deploy"); err != nil {
		writeError(w, err)
		return
	}

	if err := g.shedder.Admit(tenantID); err != nil {
		writeError(w, err)
		return
	}
	defer g.shedder.Release(tenantID)

	status, err := g.kernel.Deployer.Deploy(r.Context(), tenantID, req.ServiceID, req.Source, req.Format, req.RestartPolicy.toPolicy(), req.InitArg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (g *Gateway) handleKill(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	serviceID := chi.URLParam(r, "serviceID")
	token := r.URL.Query().Get("token")

	if _, err := g.capabilities.Verify(r.Context(), tenantID, token, serviceID, "kill"); err != nil {
		writeError(w, err)
		return
	}

	if err := g.kernel.Deployer.Kill(r.Context(), tenantID, serviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	serviceID := chi.URLParam(r, "serviceID")

	status, err := g.kernel.Deployer.Status(r.Context(), tenantID, serviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	writeJSON(w, http.StatusOK, g.kernel.Deployer.List(r.Context(), tenantID))
}

type swapRequest struct {
	NewSource      string `json:"new_source"`
	PreviousSource string `json:"previous_source"`
	Token          string `json:"token"`
}

func (g *Gateway) handleSwap(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	serviceID := chi.URLParam(r, "serviceID")

	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if _, err := g.capabilities.Verify(r.Context(), tenantID, req.Token, serviceID, "hot_swap"); err != nil {
		writeError(w, err)
		return
	}

	result, err := g.kernel.HotSwap.Swap(r.Context(), tenantID, serviceID, req.NewSource, req.PreviousSource)
	if err != nil && !result.RolledBack {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type grantRequest struct {
	ResourceRef string                 `json:"resource_ref"`
	Permissions []string               `json:"permissions"`
	Metadata    map[string]interface{} `json:"metadata"`
	TTLSeconds  int                    `json:"ttl_seconds"`
}

func (g *Gateway) handleGrant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.InvalidInput("body", "malformed JSON"))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	token, err := g.capabilities.Grant(r.Context(), tenantID, req.ResourceRef, req.Permissions, req.Metadata, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token, "token_hash": capability.HashToken(token)})
}

type revokeRequest struct {
	TokenHash string `json:"token_hash"`
}

func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if err := g.capabilities.Revoke(r.Context(), req.TokenHash); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.kernel.Status())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var statusForCode = map[kernelerrors.Code]int{
	kernelerrors.CodeValidation:         http.StatusBadRequest,
	kernelerrors.CodeNotFound:           http.StatusNotFound,
	kernelerrors.CodeConflict:           http.StatusConflict,
	kernelerrors.CodeCompileFailure:     http.StatusUnprocessableEntity,
	kernelerrors.CodeResourceExhausted:  http.StatusTooManyRequests,
	kernelerrors.CodePermissionDenied:   http.StatusForbidden,
	kernelerrors.CodeTransientIO:        http.StatusServiceUnavailable,
	kernelerrors.CodeInvariantViolation: http.StatusInternalServerError,
}

// writeError maps the kernel's unified error taxonomy onto HTTP status codes
// (spec.md §7's error-code table).
func writeError(w http.ResponseWriter, err error) {
	kerr, ok := err.(*kernelerrors.KernelError)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status, ok := statusForCode[kerr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"code":    kerr.Code,
		"error":   kerr.Message,
		"details": kerr.Details,
	})
}
