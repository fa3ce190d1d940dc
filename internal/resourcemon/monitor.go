package resourcemon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/kernellog"
)

// Sample is one worker's reported resource usage, collected from the
// supervisor each sampling tick (spec.md §4.8). The worker pool itself
// produces these numbers; the monitor never reads host-level telemetry.
type Sample struct {
	TenantID    string
	ServiceID   string
	MemoryBytes int64
	InboxDepth  int
	WorkDelta   int64
}

// Verdict is the monitor's judgment of a sample against a tenant's limits.
type Verdict struct {
	Violated bool
	Reason   string
	Action   string // warn | throttle | kill
}

// Monitor checks the samples that workers report through Check against
// each tenant's resource limits, and escalates through a per-identity
// Breaker. It does not sample on its own; each worker calls Check on its own
// tick.
type Monitor struct {
	cfg    kernelconfig.Config
	events eventstore.Store
	log    *kernellog.Logger

	mu        sync.Mutex
	breakers  map[string]*Breaker // "tenant/service" -> breaker
	samplers  *rate.Limiter

	onAction func(tenantID, serviceID string, v Verdict)
}

// New constructs a Monitor. onAction, if non-nil, is invoked synchronously
// whenever a sample's verdict calls for throttle or kill, letting the
// supervisor act on the decision without the monitor knowing about workers.
func New(cfg kernelconfig.Config, events eventstore.Store, log *kernellog.Logger, onAction func(string, string, Verdict)) *Monitor {
	if log == nil {
		log = kernellog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		events:   events,
		log:      log,
		breakers: make(map[string]*Breaker),
		samplers: rate.NewLimiter(rate.Limit(50), 100),
		onAction: onAction,
	}
}

func identityKey(tenantID, serviceID string) string {
	return tenantID + "/" + serviceID
}

func (m *Monitor) breakerFor(tenantID, serviceID string) *Breaker {
	key := identityKey(tenantID, serviceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = NewBreaker(DefaultBreakerConfig())
		m.breakers[key] = b
	}
	return b
}

// Check evaluates a single sample against tenant limits, updates the
// identity's breaker, emits resource_violation / circuit_breaker_opened /
// circuit_breaker_closed events as appropriate, and returns the verdict.
// Sampling itself is throttled through a shared token bucket so a burst of
// workers reporting at once cannot starve the event store.
func (m *Monitor) Check(ctx context.Context, s Sample) Verdict {
	_ = m.samplers.Wait(ctx)

	limits := m.cfg.LimitsFor(s.TenantID)
	breaker := m.breakerFor(s.TenantID, s.ServiceID)

	reason := ""
	switch {
	case s.MemoryBytes > limits.MaxMemoryBytes:
		reason = "memory_exceeded"
	case s.InboxDepth > limits.MaxInboxDepth:
		reason = "inbox_depth_exceeded"
	case s.WorkDelta > limits.MaxWorkDelta:
		reason = "work_delta_exceeded"
	case float64(s.MemoryBytes) > float64(limits.MaxMemoryBytes)*limits.MemoryWarningPct:
		reason = "memory_warning"
	}

	if reason == "" {
		wasClosed := breaker.State() == StateClosed
		breaker.RecordHealthy()
		if breaker.State() == StateClosed {
			if !wasClosed {
				m.emit(ctx, eventstore.TypeCircuitBreakerClosed, s.TenantID, s.ServiceID, nil)
			}
			return Verdict{Violated: false}
		}
	}

	if reason != "" {
		m.emitViolation(ctx, s, reason)
		if !breaker.Allow() {
			v := Verdict{Violated: true, Reason: reason, Action: "kill"}
			m.notify(s, v)
			return v
		}
		tripped := breaker.RecordViolation()
		if tripped {
			m.emit(ctx, eventstore.TypeCircuitBreakerOpened, s.TenantID, s.ServiceID, map[string]interface{}{"reason": reason})
		}
		action := limits.ViolationAction
		if action == "" {
			action = "throttle"
		}
		if reason == "memory_warning" {
			action = "warn"
		}
		v := Verdict{Violated: true, Reason: reason, Action: action}
		m.notify(s, v)
		return v
	}

	if !breaker.Allow() {
		v := Verdict{Violated: true, Reason: "circuit_open", Action: "kill"}
		m.notify(s, v)
		return v
	}
	return Verdict{Violated: false}
}

func (m *Monitor) notify(s Sample, v Verdict) {
	if m.onAction != nil && (v.Action == "throttle" || v.Action == "kill") {
		m.onAction(s.TenantID, s.ServiceID, v)
	}
}

func (m *Monitor) emitViolation(ctx context.Context, s Sample, reason string) {
	m.emit(ctx, eventstore.TypeResourceViolation, s.TenantID, s.ServiceID, map[string]interface{}{
		"reason":       reason,
		"memory_bytes": s.MemoryBytes,
		"inbox_depth":  s.InboxDepth,
		"work_delta":   s.WorkDelta,
	})
}

func (m *Monitor) emit(ctx context.Context, t eventstore.Type, tenantID, serviceID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Append(ctx, t, eventstore.ServiceSubject(tenantID, serviceID), payload, nil); err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("failed to append resource monitor event")
	}
}

// Reset clears all tracked breakers. Test helper, also used when a tenant is
// torn down.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*Breaker)
}

// SampleInterval returns the configured check interval for tenantID.
func (m *Monitor) SampleInterval(tenantID string) time.Duration {
	limits := m.cfg.LimitsFor(tenantID)
	if limits.CheckIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(limits.CheckIntervalMS) * time.Millisecond
}
