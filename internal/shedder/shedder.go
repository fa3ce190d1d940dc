// Package shedder implements the kernel's load shedder (spec.md §4.9,
// component C9): a per-tenant admission gate that combines an in-flight
// deploy counter with a token-bucket rate limiter, rejecting new deploy
// requests with resource_exhausted once a tenant exceeds its quota.
package shedder

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

// tenantGate tracks one tenant's admission state.
type tenantGate struct {
	mu        sync.Mutex
	inFlight  int
	quota     int
	limiter   *rate.Limiter
}

// Shedder admits or rejects deploy requests per tenant.
type Shedder struct {
	cfg kernelconfig.Config

	mu    sync.Mutex
	gates map[string]*tenantGate
}

// New constructs a Shedder using cfg for per-tenant quotas.
func New(cfg kernelconfig.Config) *Shedder {
	return &Shedder{cfg: cfg, gates: make(map[string]*tenantGate)}
}

func (s *Shedder) gateFor(tenantID string) *tenantGate {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[tenantID]
	if !ok {
		quota := s.cfg.QuotaFor(tenantID)
		g = &tenantGate{
			quota:   quota,
			limiter: rate.NewLimiter(rate.Limit(quota), quota*2),
		}
		s.gates[tenantID] = g
	}
	return g
}

// Admit reserves an admission slot for tenantID. It returns a
// ResourceExhausted kernelerrors.KernelError if the tenant's in-flight
// deploy count is already at quota, or if the tenant's request rate exceeds
// its token bucket. Callers must call Release after the admitted operation
// completes (successfully or not).
func (s *Shedder) Admit(tenantID string) error {
	g := s.gateFor(tenantID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight >= g.quota {
		return kernelerrors.ResourceExhausted("tenant in-flight deploy quota exceeded").WithDetail("tenant_id", tenantID)
	}
	if !g.limiter.Allow() {
		return kernelerrors.ResourceExhausted("tenant deploy rate exceeded").WithDetail("tenant_id", tenantID)
	}
	g.inFlight++
	return nil
}

// Release frees an admission slot previously reserved by Admit.
func (s *Shedder) Release(tenantID string) {
	g := s.gateFor(tenantID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// InFlight returns the current in-flight count for tenantID. Test/status
// helper.
func (s *Shedder) InFlight(tenantID string) int {
	g := s.gateFor(tenantID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
