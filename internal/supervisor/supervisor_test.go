package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/disruptek/kernelcore/internal/eventstore"
)

func TestOneForOneRestartsOnlyCrashedChild(t *testing.T) {
	events := eventstore.NewMemoryStore()
	sup := New("test", OneForOne, events, nil)

	var aStarts, bStarts int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crashOnce := make(chan struct{}, 1)
	crashOnce <- struct{}{}

	children := []NamedChild{
		{Name: "a", Run: func(ctx context.Context) error {
			atomic.AddInt32(&aStarts, 1)
			select {
			case <-crashOnce:
				return errors.New("boom")
			default:
			}
			<-ctx.Done()
			return nil
		}},
		{Name: "b", Run: func(ctx context.Context) error {
			atomic.AddInt32(&bStarts, 1)
			<-ctx.Done()
			return nil
		}},
	}

	require.NoError(t, sup.Start(ctx, Intensity{MaxRestarts: 5, Window: time.Second}, children...))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&aStarts) >= 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&bStarts))
	sup.Stop()
}

func TestRestartIntensityExceededEscalates(t *testing.T) {
	events := eventstore.NewMemoryStore()
	sup := New("test", OneForOne, events, nil)

	escalated := make(chan string, 1)
	sup.OnEscalate = func(name string) { escalated <- name }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	children := []NamedChild{
		{Name: "always-crashes", Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
	}

	require.NoError(t, sup.Start(ctx, Intensity{MaxRestarts: 2, Window: time.Minute}, children...))

	select {
	case name := <-escalated:
		require.Equal(t, "always-crashes", name)
	case <-time.After(time.Second):
		t.Fatal("expected escalation")
	}
}

func TestTrackerAllowsWithinBudgetAndRejectsOverBudget(t *testing.T) {
	tr := newTracker(Intensity{MaxRestarts: 2, Window: time.Minute})
	now := time.Now()
	require.True(t, tr.allow(now))
	require.True(t, tr.allow(now))
	require.False(t, tr.allow(now))
}

func TestTrackerForgivesOldRestartsOutsideWindow(t *testing.T) {
	tr := newTracker(Intensity{MaxRestarts: 1, Window: time.Second})
	base := time.Now()
	require.True(t, tr.allow(base))
	require.False(t, tr.allow(base.Add(500*time.Millisecond)))
	require.True(t, tr.allow(base.Add(2*time.Second)))
}

func TestAddChildStartsImmediatelyAfterStart(t *testing.T) {
	events := eventstore.NewMemoryStore()
	sup := New("test", OneForOne, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx, Intensity{MaxRestarts: 5, Window: time.Minute}))

	var started int32
	index := sup.AddChild(NamedChild{Name: "dynamic", Run: func(ctx context.Context) error {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
		return nil
	}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&started) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, index)

	sup.Stop()
}

func TestRemoveChildStopsAndPreventsRestart(t *testing.T) {
	events := eventstore.NewMemoryStore()
	sup := New("test", OneForOne, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx, Intensity{MaxRestarts: 5, Window: time.Minute}))

	var starts int32
	index := sup.AddChild(NamedChild{Name: "removable", Run: func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return nil
	}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) == 1
	}, time.Second, 5*time.Millisecond)

	sup.RemoveChild(index)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&starts))

	sup.Stop()
}
