package resourcemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
)

func newTestMonitor(onAction func(string, string, Verdict)) (*Monitor, eventstore.Store) {
	events := eventstore.NewMemoryStore()
	cfg := kernelconfig.FromEnv()
	return New(cfg, events, nil, onAction), events
}

func TestCheckReturnsNoViolationWithinLimits(t *testing.T) {
	mon, _ := newTestMonitor(nil)
	v := mon.Check(context.Background(), Sample{TenantID: "t", ServiceID: "s", MemoryBytes: 1024, InboxDepth: 1})
	require.False(t, v.Violated)
}

func TestRepeatedViolationsTripBreaker(t *testing.T) {
	var actions []Verdict
	mon, events := newTestMonitor(func(_, _ string, v Verdict) { actions = append(actions, v) })

	overLimit := Sample{TenantID: "t", ServiceID: "s", MemoryBytes: 10 << 30, InboxDepth: 1}
	for i := 0; i < 3; i++ {
		mon.Check(context.Background(), overLimit)
	}

	require.NotEmpty(t, actions)

	opened, err := events.Filter(context.Background(), eventstore.Filter{EventType: eventstore.TypeCircuitBreakerOpened})
	require.NoError(t, err)
	require.Len(t, opened, 1)
}

func TestBreakerAllowsHalfOpenProbeAfterTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxViolations: 1, OpenTimeout: time.Nanosecond, HalfOpenMax: 1})
	require.True(t, b.RecordViolation())
	require.Equal(t, StateOpen, b.State())
	time.Sleep(time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterHealthyProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxViolations: 1, OpenTimeout: time.Nanosecond, HalfOpenMax: 1})
	b.RecordViolation()
	time.Sleep(time.Millisecond)
	b.Allow()
	b.RecordHealthy()
	require.Equal(t, StateClosed, b.State())
}
