package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/disruptek/kernelcore/internal/compiler"
	"github.com/disruptek/kernelcore/internal/registry"
	"github.com/disruptek/kernelcore/internal/resourcemon"
)

// worker is the actor that owns one running compiler.Instance: a private
// inbox, the instance's current state, and the goroutine that serializes
// access to both (spec.md §9's actor-per-service design note).
type worker struct {
	tenantID  string
	serviceID string
	instance  *compiler.Instance

	mu    sync.Mutex
	state interface{}

	inbox  chan interface{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(tenantID, serviceID string, instance *compiler.Instance, initialState interface{}) *worker {
	return &worker{
		tenantID:  tenantID,
		serviceID: serviceID,
		instance:  instance,
		state:     initialState,
		inbox:     make(chan interface{}, 256),
		done:      make(chan struct{}),
	}
}

// run is the worker's goroutine body: it drains the inbox, applies each
// message through the instance's handle function, and periodically reports
// a resource sample. It returns when ctx is canceled, matching the
// supervisor's RunFunc contract.
func (w *worker) run(ctx context.Context, mon *resourcemon.Monitor) error {
	defer close(w.done)

	sampleEvery := 2 * time.Second
	if mon != nil {
		sampleEvery = mon.SampleInterval(w.tenantID)
	}
	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.inbox:
			w.mu.Lock()
			next, err := w.instance.HandleMessage(w.state, msg)
			if err == nil {
				w.state = next
			}
			w.mu.Unlock()
		case <-ticker.C:
			if mon == nil {
				continue
			}
			verdict := mon.Check(ctx, resourcemon.Sample{
				TenantID:    w.tenantID,
				ServiceID:   w.serviceID,
				MemoryBytes: 0, // synthetic: goja does not expose VM memory stats
				InboxDepth:  len(w.inbox),
				WorkDelta:   0,
			})
			if verdict.Violated && verdict.Action == "kill" {
				return nil
			}
		}
	}
}

// deliver enqueues a message for the worker, used as the registry Handle's
// Deliver function.
func (w *worker) deliver(message interface{}) error {
	w.inbox <- message
	return nil
}

// State returns the worker's current state, used by hot-swap to feed the
// new module's code_change hook.
func (w *worker) State() interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Handle builds the registry.Handle for this worker.
func (w *worker) Handle(moduleID string) registry.Handle {
	return registry.Handle{
		TenantID:     w.tenantID,
		ServiceID:    w.serviceID,
		ModuleID:     moduleID,
		Deliver:      w.deliver,
		RegisteredAt: time.Now().UnixNano(),
	}
}
