package circuit

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// supervisor is the concurrency host described in §4.6: it owns the
// circuit's single execution thread (a task queue drained by one
// goroutine, the "simulation task"), the timer wheel driving FSM
// wake-ups, and the monitored-task bookkeeping that turns any task
// failure into Abort. Grounded on the teacher's eventloop.Loop
// (task-queue + single consumer goroutine) and eventloop.Promisify
// (panic/Goexit-safe wrapping of arbitrary goroutines).
type supervisor struct {
	c      *Circuit
	timers *timerWheel

	tasks chan func()

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	aborted bool

	wg sync.WaitGroup

	initTimeout time.Duration
	stopTimeout time.Duration

	// simGoroutineID identifies the goroutine draining tasks (0 until the
	// simulation task has started), letting submit tell whether its caller
	// is already running on that goroutine instead of a genuinely separate
	// one — grounded on eventloop.Loop's isLoopThread/getGoroutineID.
	simGoroutineID atomic.Uint64
	simOnce        sync.Once
	simDone        chan struct{}
}

func newSupervisor(c *Circuit, initTimeout, stopTimeout time.Duration) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		c:           c,
		timers:      newTimerWheel(),
		tasks:       make(chan func(), 256),
		ctx:         ctx,
		cancel:      cancel,
		initTimeout: initTimeout,
		stopTimeout: stopTimeout,
		// Allocated up front (rather than inside ensureSimulationStarted) so
		// doneSignal can always wait on it: every caller that can reach
		// Shutdown also already went through ensureSimulationStarted first
		// (Circuit.Start calls it immediately after creating the supervisor,
		// with no fallible step in between).
		simDone: make(chan struct{}),
	}
}

// submit enqueues fn to run on the simulation task's goroutine, blocking
// the caller until it has run (or the supervisor is already shutting
// down, in which case it is silently dropped). If the caller is already
// running on the simulation goroutine — a nested SetOutput/Dispatch call
// made from within a handler the simulation task is itself executing —
// fn runs inline instead, since queuing it would deadlock waiting for a
// drain that can't happen until the caller returns.
func (s *supervisor) submit(fn func()) {
	if s.isSimThread() {
		fn()
		return
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.tasks <- wrapped:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

// ensureSimulationStarted launches the task-queue-draining goroutine at
// most once. Called from Circuit.Start (so AsyncInit's concurrent fan-out
// is already serialized through submit) and, idempotently, from Run.
func (s *supervisor) ensureSimulationStarted() {
	s.simOnce.Do(func() {
		go func() {
			defer close(s.simDone)
			defer s.simGoroutineID.Store(0)
			defer func() {
				if r := recover(); r != nil {
					s.Abort(fmt.Errorf("circuit: simulation task: %w", PanicError{Task: "simulation", Value: r}))
				}
			}()
			s.simGoroutineID.Store(getGoroutineID())
			s.runSimulation()
		}()
	})
}

// isSimThread reports whether the calling goroutine is the one draining
// s.tasks.
func (s *supervisor) isSimThread() bool {
	id := s.simGoroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// getGoroutineID extracts the calling goroutine's runtime ID from its
// stack trace header ("goroutine NNN [running]: ..."). There is no
// supported API for this; parsing runtime.Stack's output is the
// established workaround for identifying "am I the owner goroutine"
// without threading an explicit token through every call site.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// requestShutdown is the non-panicking counterpart to Abort used by
// internal callers (the auto-created "_ctrl" block's shutdown event) that
// want a graceful stop rather than reporting a terminating exception.
func (s *supervisor) requestShutdown() {
	s.cancel()
}

// Abort thread-safely records err as the circuit's terminating exception
// (the first one wins) and cancels the simulation task. Safe to call from
// any goroutine.
func (s *supervisor) Abort(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.aborted = true
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *supervisor) recordedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// runSimulation is the body of the simulation task: it drains s.tasks
// until the supervisor's context is canceled.
func (s *supervisor) runSimulation() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// CreateMonitoredTask spawns fn in its own goroutine. If fn returns a
// non-nil error, or isService is true and fn returns nil (a service task
// exiting "successfully" is still unexpected), the supervisor is aborted
// with a TaskError identifying label. Panics are recovered and reported
// the same way, via PanicError.
func (s *supervisor) CreateMonitoredTask(label string, isService bool, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.Abort(fmt.Errorf("circuit: task %q: %w", label, PanicError{Task: label, Value: r}))
			}
		}()
		err := fn(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil && err == s.ctx.Err() {
				return // cancellation is a normal exit, never an error
			}
			s.Abort(fmt.Errorf("circuit: task %q: %w", label, &TaskError{Task: label, Cause: err}))
			return
		}
		if isService {
			s.Abort(fmt.Errorf("circuit: service task %q: %w", label, &TaskError{Task: label, Cause: fmt.Errorf("exited without error")}))
		}
	}()
}

// Run is the application entry point (§4.6): it starts the simulation
// task, then each of supportTasks as a monitored task, and blocks until
// either the simulation task's context is canceled (normal shutdown,
// returns nil) or something aborts it (returns the recorded error).
func (s *supervisor) Run(ctx context.Context, catchSIGTERM bool, supportTasks ...func(context.Context) error) error {
	if catchSIGTERM {
		restore := installSIGTERMHandler(s.cancel)
		defer restore()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.ensureSimulationStarted()

	for i, t := range supportTasks {
		label := fmt.Sprintf("support[%d]", i)
		s.CreateMonitoredTask(label, false, t)
	}

	<-s.simDone
	s.cancel()
	s.wg.Wait()
	s.timers.close()

	return s.recordedError()
}

// Shutdown cancels the simulation task and waits for cleanup. It is a
// usage error to call it from within the simulation task or any task the
// circuit itself owns; such callers must call Abort with a cancellation
// error instead, since they'd otherwise deadlock waiting on their own
// goroutine. A call from the simulation task itself is detected and
// returns ErrInvalidState without canceling anything.
func (s *supervisor) Shutdown(ctx context.Context) error {
	if s.isSimThread() {
		return fmt.Errorf("circuit: Shutdown: %w: called from within the simulation task", ErrInvalidState)
	}
	s.cancel()
	select {
	case <-s.doneSignal():
		return s.recordedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) doneSignal() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.simDone
		close(done)
	}()
	return done
}

// enqueueTimerFire delivers a timer-driven event dispatch. Called from
// the timer wheel's own background goroutine, never from the simulation
// task itself; Dispatch routes the actual work onto the circuit's single
// execution thread via submit.
func (c *Circuit) enqueueTimerFire(f *FSM, etype string) {
	if _, err := c.Dispatch(f, etype, NewData()); err != nil {
		c.Abort(err)
	}
}

// Shutdown cancels the simulation task and waits for cleanup (§4.6). It is
// a usage error to call this from within the simulation task or any task
// the circuit owns; use Abort with a cancellation-flavored error instead.
func (c *Circuit) Shutdown(ctx context.Context) error {
	if c.sup == nil {
		return nil
	}
	return c.sup.Shutdown(ctx)
}

// Abort thread-safely records err as the circuit's terminating error and
// cancels the simulation task; the first error wins.
func (c *Circuit) Abort(err error) {
	if c.sup != nil {
		c.sup.Abort(err)
	}
}

// ShieldFromCancel protects a short critical section from the simulation
// task's cancellation, surfacing any pending cancellation afterward.
func (c *Circuit) ShieldFromCancel(fn func(ctx context.Context) error) error {
	if c.sup == nil {
		return fn(context.Background())
	}
	return c.sup.ShieldFromCancel(fn)
}

// ShieldFromCancel runs fn to completion even if the supervisor's context
// is canceled mid-flight, then surfaces the cancellation (if any) to the
// caller afterward. It must never be used to suppress cancellation
// permanently, only to protect one short critical section.
func (s *supervisor) ShieldFromCancel(fn func(ctx context.Context) error) error {
	shielded := context.Background()
	err := fn(shielded)
	if err != nil {
		return err
	}
	return s.ctx.Err()
}
