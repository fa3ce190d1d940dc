package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/kernellog"
)

// RunFunc is a supervised unit of work. It must block until ctx is canceled
// or the child exits (successfully or with an error). A returned error or a
// recovered panic both count as a crash; a nil return is a normal exit and
// is not restarted.
type RunFunc func(ctx context.Context) error

// childState is the supervisor's bookkeeping for one managed child.
type childState struct {
	name     string
	run      RunFunc
	cancel   context.CancelFunc
	tracker  *tracker
	removed  bool
}

// crashReport is delivered on the supervisor's internal channel when a
// child's goroutine exits.
type crashReport struct {
	index int
	err   error
}

// Supervisor manages a set of named children under one restart Strategy and
// Intensity budget. The kernel uses one as its root supervisor and one per
// tenant, hosting that tenant's service workers directly; tenant
// supervisors are not children of the root, and no Supervisor is nested
// under another.
type Supervisor struct {
	name     string
	strategy Strategy
	events   eventstore.Store
	log      *kernellog.Logger

	mu        sync.Mutex
	ctx       context.Context
	children  []*childState
	intensity Intensity
	crashCh   chan crashReport
	stopped   bool

	// OnEscalate is invoked when a child (or, under RestForOne, a cascade of
	// children) exhausts its restart budget. The supervisor stops itself and
	// reports upward through this hook rather than trying to recover further.
	OnEscalate func(childName string)
}

// New constructs a Supervisor. The Intensity is given later to Start, which
// seeds each child's own restart tracker from it.
func New(name string, strategy Strategy, events eventstore.Store, log *kernellog.Logger) *Supervisor {
	if log == nil {
		log = kernellog.Default()
	}
	return &Supervisor{
		name:     name,
		strategy: strategy,
		events:   events,
		log:      log,
		crashCh:  make(chan crashReport, 16),
	}
}

// Start launches every child and begins the crash-monitoring loop. Further
// children can be attached afterward with AddChild; this is what lets a
// tenant supervisor start with zero children and grow one per deployed
// service.
func (s *Supervisor) Start(ctx context.Context, intensity Intensity, children ...NamedChild) error {
	s.mu.Lock()
	s.ctx = ctx
	s.intensity = intensity
	for _, nc := range children {
		s.children = append(s.children, &childState{
			name:    nc.Name,
			run:     nc.Run,
			tracker: newTracker(intensity),
		})
	}
	s.mu.Unlock()

	for i := range s.children {
		s.launch(i)
	}

	go s.monitor()
	return nil
}

// NamedChild pairs a RunFunc with the name used in logs, events, and
// RestForOne ordering.
type NamedChild struct {
	Name string
	Run  RunFunc
}

// AddChild starts a new child under this already-running supervisor, used
// by the tenant supervisor to spawn a worker for a newly deployed service
// (spec.md §4.4's dynamic child start, the Go-idiom equivalent of Erlang's
// start_child). It returns the child's index for later RemoveChild calls.
func (s *Supervisor) AddChild(nc NamedChild) int {
	s.mu.Lock()
	index := len(s.children)
	s.children = append(s.children, &childState{
		name:    nc.Name,
		run:     nc.Run,
		tracker: newTracker(s.intensity),
	})
	s.mu.Unlock()

	s.launch(index)
	return index
}

// RemoveChild stops and permanently unregisters the child at index: the
// supervisor will not restart it even if it has not yet exited. Used when a
// service is explicitly killed rather than having crashed.
func (s *Supervisor) RemoveChild(index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.children) {
		s.mu.Unlock()
		return
	}
	child := s.children[index]
	child.removed = true
	cancel := child.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) launch(index int) {
	s.mu.Lock()
	child := s.children[index]
	if child.removed {
		s.mu.Unlock()
		return
	}
	childCtx, cancel := context.WithCancel(s.ctx)
	child.cancel = cancel
	s.mu.Unlock()

	go func() {
		err := s.runGuarded(childCtx, child.run)
		select {
		case s.crashCh <- crashReport{index: index, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Supervisor) runGuarded(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

func (s *Supervisor) monitor() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case report := <-s.crashCh:
			s.handleCrash(report)
		}
	}
}

func (s *Supervisor) handleCrash(report crashReport) {
	s.mu.Lock()
	if s.stopped || report.index >= len(s.children) {
		s.mu.Unlock()
		return
	}
	child := s.children[report.index]
	if child.removed {
		s.mu.Unlock()
		return
	}
	name := child.name
	s.mu.Unlock()

	if report.err == nil {
		return
	}

	s.log.WithContext(s.ctx).WithError(report.err).Warnf("supervised child %q crashed", name)
	s.emitCrash(name, report.err)

	if !child.tracker.allow(nowFunc()) {
		s.log.WithContext(s.ctx).Errorf("supervisor %q: restart intensity exceeded for %q, giving up", s.name, name)
		s.stop()
		if s.OnEscalate != nil {
			s.OnEscalate(name)
		}
		return
	}

	switch s.strategy {
	case RestForOne:
		s.mu.Lock()
		toRestart := make([]int, 0)
		for i := report.index; i < len(s.children); i++ {
			if s.children[i].removed {
				continue
			}
			toRestart = append(toRestart, i)
		}
		s.mu.Unlock()
		for _, i := range toRestart {
			s.launch(i)
		}
	default: // OneForOne
		s.launch(report.index)
	}
}

func (s *Supervisor) emitCrash(childName string, err error) {
	if s.events == nil {
		return
	}
	payload := map[string]interface{}{"supervisor": s.name, "child": childName}
	if err != nil {
		payload["error"] = err.Error()
	}
	_, _ = s.events.Append(s.ctx, eventstore.TypeServiceCrashed, eventstore.SystemSubject(), payload, nil)
}

// Stop cancels every managed child. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stop()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, c := range s.children {
		if c.cancel != nil {
			c.cancel()
		}
	}
}

// nowFunc is indirected for testability (restart-intensity tests).
var nowFunc = defaultNow
