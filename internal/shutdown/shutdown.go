// Package shutdown implements the kernel's graceful shutdown coordinator
// (spec.md §4.12, component C12): trapping SIGTERM/SIGINT, emitting the
// shutdown boundary events, flushing durable stores, and stopping every
// supervised component within a configurable grace period.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernellog"
)

// Flusher is anything that must drain buffered state before the process
// exits (the event store's best-effort queue, primarily).
type Flusher interface {
	Flush(ctx context.Context) error
}

// Stopper is invoked once shutdown has been signaled, before Flush, so
// in-flight work has a chance to wind down.
type Stopper func(ctx context.Context) error

// Coordinator traps termination signals and drives the shutdown sequence.
type Coordinator struct {
	events      eventstore.Store
	log         *kernellog.Logger
	grace       time.Duration
	stop        Stopper
	flushers    []Flusher

	mu       sync.Mutex
	signalCh chan os.Signal
	done     chan struct{}
}

// New constructs a Coordinator with the given grace period, stop callback,
// and flushers to drain on shutdown.
func New(events eventstore.Store, log *kernellog.Logger, grace time.Duration, stop Stopper, flushers ...Flusher) *Coordinator {
	if log == nil {
		log = kernellog.Default()
	}
	return &Coordinator{
		events:   events,
		log:      log,
		grace:    grace,
		stop:     stop,
		flushers: flushers,
		done:     make(chan struct{}),
	}
}

// Listen installs the signal trap and blocks until either ctx is canceled
// or a termination signal arrives, at which point it runs the shutdown
// sequence and returns.
func (c *Coordinator) Listen(ctx context.Context) {
	c.mu.Lock()
	c.signalCh = make(chan os.Signal, 1)
	signal.Notify(c.signalCh, syscall.SIGTERM, syscall.SIGINT)
	sigCh := c.signalCh
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
	c.Shutdown(context.Background())
}

// Shutdown runs the shutdown sequence once, regardless of how many times it
// is called.
func (c *Coordinator) Shutdown(parent context.Context) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
		close(c.done)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, c.grace)
	defer cancel()

	c.emit(ctx, eventstore.TypeSystemShutdownStarted, nil)
	c.log.WithContext(ctx).Info("shutdown sequence started")

	if c.stop != nil {
		if err := c.stop(ctx); err != nil {
			c.log.WithContext(ctx).WithError(err).Warn("error stopping supervised components during shutdown")
		}
	}

	for _, f := range c.flushers {
		if err := f.Flush(ctx); err != nil {
			c.log.WithContext(ctx).WithError(err).Warn("error flushing during shutdown")
		}
	}

	c.emit(ctx, eventstore.TypeSystemShutdownComplete, nil)
	c.log.WithContext(ctx).Info("shutdown sequence complete")
}

// Done returns a channel that is closed when the shutdown sequence begins,
// not when it completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) emit(ctx context.Context, t eventstore.Type, payload map[string]interface{}) {
	if c.events == nil {
		return
	}
	if _, err := c.events.Append(ctx, t, eventstore.SystemSubject(), payload, nil); err != nil {
		c.log.WithContext(ctx).WithError(err).Warn("failed to append shutdown event")
	}
	_ = c.events.Flush(ctx)
}
