package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultInitTimeout = 10 * time.Second
	defaultStopTimeout = 10 * time.Second
)

// Start brings every block to a defined output and transitions the
// circuit into the running state (§4.4's "Start sequence of the whole
// circuit", steps 1-4; step 5, the main loop, is Run's job). It is safe
// to call at most once; calling it again returns ErrInvalidState.
func (c *Circuit) Start(ctx context.Context) error {
	if !c.state.TryTransition(stateCreated, stateStarted) {
		if c.state.AtLeast(stateFinalized) && !c.state.AtLeast(stateStarted) {
			// Finalize was called standalone; allow Start to proceed from there.
			if !c.state.TryTransition(stateFinalized, stateStarted) {
				return fmt.Errorf("circuit: Start: %w: circuit already started", ErrInvalidState)
			}
		} else {
			return fmt.Errorf("circuit: Start: %w: circuit already started", ErrInvalidState)
		}
	}

	if err := c.Finalize(); err != nil {
		return err
	}

	c.loadDebugEnv()

	if c.initTimeout == 0 {
		c.initTimeout = defaultInitTimeout
	}
	if c.stopTimeout == 0 {
		c.stopTimeout = defaultStopTimeout
	}
	if c.sup == nil {
		c.sup = newSupervisor(c, c.initTimeout, c.stopTimeout)
	}
	// The simulation goroutine must be draining tasks before any block's
	// AsyncInit/MainTask/Starter capability can safely call SetOutput from
	// its own goroutine — Run (if ever called) just finds it already
	// running.
	c.sup.ensureSimulationStarted()

	c.state.Store(stateRunning)

	blocks := c.Blocks()

	for _, b := range blocks {
		bb := blockBase(b)
		if bb == nil {
			continue
		}
		if s, ok := bb.starter(); ok {
			if err := s.Start(); err != nil {
				return fmt.Errorf("circuit: block %q: Start: %w", b.Name(), err)
			}
		}
		c.startedBlocksMu.Lock()
		c.startedBlocks = append(c.startedBlocks, b)
		c.startedBlocksMu.Unlock()

		if mt, ok := bb.mainTask(); ok {
			c.sup.CreateMonitoredTask("block:"+b.Name(), true, mt.RunMainTask)
		}
	}

	if err := c.initBlocks(ctx, blocks); err != nil {
		return err
	}

	return nil
}

// initBlocks runs §4.4's four init strategies for every block, stopping
// at the first one that leaves a block's output defined.
func (c *Circuit) initBlocks(ctx context.Context, blocks []Block) error {
	var asyncWg sync.WaitGroup
	var asyncErrs []error
	var asyncMu sync.Mutex

	var remaining []Block
	for _, b := range blocks {
		bb := blockBase(b)
		if bb == nil {
			continue
		}

		if p, ok := bb.persistence(); ok {
			if data, found := c.loadPersisted(b.Name()); found {
				if err := p.RestoreState(data); err != nil {
					return fmt.Errorf("circuit: block %q: %w", b.Name(), &InitError{Block: b.Name(), Cause: err})
				}
			}
		}
		if !IsUndef(bb.rawOutput()) {
			continue
		}
		remaining = append(remaining, b)
	}

	var stillRemaining []Block
	for _, b := range remaining {
		bb := blockBase(b)
		if ai, ok := bb.asyncInit(); ok {
			asyncWg.Add(1)
			go func(b Block, ai AsyncInit) {
				defer asyncWg.Done()
				initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
				defer cancel()
				err := ai.InitAsync(initCtx)
				if err != nil {
					asyncMu.Lock()
					asyncErrs = append(asyncErrs, fmt.Errorf("circuit: block %q: %w", b.Name(), &InitError{Block: b.Name(), Cause: err}))
					asyncMu.Unlock()
					return
				}
				// Race rule: nothing here checks whether a concurrent event
				// already gave this block a defined output; SetOutput stores
				// any value that differs from the current one, so a later
				// SetOutput from InitAsync overwrites it. A block still
				// Undef after this phase goes on to the phases below.
			}(b, ai)
		}
		stillRemaining = append(stillRemaining, b)
	}
	asyncWg.Wait()
	if len(asyncErrs) > 0 {
		return asyncErrs[0]
	}

	var finalRemaining []Block
	for _, b := range stillRemaining {
		bb := blockBase(b)
		if !IsUndef(bb.rawOutput()) {
			continue
		}
		if init, ok := bb.initializer(); ok {
			out, err := init.InitRegular()
			if err != nil {
				return fmt.Errorf("circuit: block %q: %w", b.Name(), &InitError{Block: b.Name(), Cause: err})
			}
			if !IsUndef(out) {
				c.sup.submit(func() { c.setOutput(b, out) })
				if perr := c.drainPropagationError(); perr != nil {
					return perr
				}
				continue
			}
		}
		finalRemaining = append(finalRemaining, b)
	}

	for _, b := range finalRemaining {
		bb := blockBase(b)
		if !IsUndef(bb.rawOutput()) {
			continue
		}
		if bb.hasInitDef {
			c.sup.submit(func() { c.setOutput(b, bb.initDef) })
			if perr := c.drainPropagationError(); perr != nil {
				return perr
			}
			continue
		}
		if cb, ok := b.(*CBlock); ok {
			out := cb.CalcOutput()
			if !IsUndef(out) {
				c.sup.submit(func() { c.setOutput(b, out) })
				if perr := c.drainPropagationError(); perr != nil {
					return perr
				}
				continue
			}
		}
		return fmt.Errorf("circuit: block %q: %w", b.Name(), &InitError{Block: b.Name()})
	}

	return nil
}

// Run drives the circuit through Start, the supervisor's task loop (the
// circuit's single execution thread, plus any supporting tasks), and
// finally Stop, returning whatever error (if any) the supervisor recorded.
func (c *Circuit) Run(ctx context.Context, opts ...RunOption) error {
	cfg := runConfig{catchSIGTERM: true}
	for _, o := range opts {
		o(&cfg)
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	runErr := c.sup.Run(ctx, cfg.catchSIGTERM, cfg.supportingTasks...)

	stopCtx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop runs §4.4's stop sequence: monitored tasks are already canceled by
// the time Run calls this (the supervisor's Run loop only returns once its
// context is done), so this covers StopAsync, per-block Stop, and
// persistence flush.
func (c *Circuit) Stop(ctx context.Context) error {
	if !c.state.TryTransition(stateRunning, stateStopping) {
		c.state.Store(stateStopping)
	}

	c.startedBlocksMu.Lock()
	started := append([]Block(nil), c.startedBlocks...)
	c.startedBlocksMu.Unlock()

	for _, b := range started {
		bb := blockBase(b)
		if bb == nil {
			continue
		}
		if a, ok := bb.async(); ok {
			guard := c.stopTimeout
			stopCtx, cancel := context.WithTimeout(ctx, guard)
			err := a.StopAsync(stopCtx, guard)
			cancel()
			if err != nil {
				c.log(LevelWarn, b.Name(), "StopAsync failed or timed out", err, nil)
			}
		}
	}

	for _, b := range started {
		bb := blockBase(b)
		if bb == nil {
			continue
		}
		if s, ok := bb.stopper(); ok {
			if err := s.Stop(); err != nil {
				c.log(LevelWarn, b.Name(), "Stop failed", err, nil)
			}
		}
	}

	for _, b := range started {
		bb := blockBase(b)
		if bb == nil {
			continue
		}
		if p, ok := bb.persistence(); ok {
			if data, ok := p.GetState(); ok {
				c.savePersisted(b.Name(), data, bb.persistenceTTL)
			}
		}
	}

	if c.sup != nil {
		// Idempotent: a no-op if Run already canceled the supervisor before
		// calling Stop. Needed when Stop is called standalone (Start
		// without Run), so the simulation goroutine Start started doesn't
		// outlive the circuit.
		c.sup.cancel()
	}

	c.state.Store(stateStopped)
	return nil
}

// RunOption configures Circuit.Run.
type RunOption func(*runConfig)

type runConfig struct {
	catchSIGTERM    bool
	supportingTasks []func(context.Context) error
}

// WithCatchSIGTERM toggles the signal hook described in §6; it defaults to
// enabled.
func WithCatchSIGTERM(catch bool) RunOption {
	return func(c *runConfig) { c.catchSIGTERM = catch }
}

// WithSupportingTask adds a supporting task the supervisor runs alongside
// the simulation task.
func WithSupportingTask(fn func(context.Context) error) RunOption {
	return func(c *runConfig) { c.supportingTasks = append(c.supportingTasks, fn) }
}

// ExternalSource is the contract a host-level polling or I/O coroutine
// implements to feed ExternalSend from outside the simulation task; it is
// registered with WithExternalSource and run as a supporting task.
type ExternalSource interface {
	Run(ctx context.Context) error
}

// WithExternalSource registers an ExternalSource as a supporting task.
func WithExternalSource(src ExternalSource) RunOption {
	return WithSupportingTask(src.Run)
}
