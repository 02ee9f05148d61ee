package circuit

import (
	"fmt"
	"sync"
	"time"
)

// Circuit is the process-wide block registry and propagation engine. Only
// one Circuit exists per process (GetCircuit returns the single instance,
// creating it on first call); running more than one concurrently within a
// process is out of scope, matching the single-simulation-thread design of
// the engine this package generalizes.
type Circuit struct {
	mu     sync.Mutex
	state  *atomicState
	blocks map[string]Block
	order  []string // insertion order: deterministic Finalize/log iteration

	finalized bool

	maxPasses    int
	maxPassesSet bool
	logger       Logger
	store        PersistenceStore

	initTimeout time.Duration
	stopTimeout time.Duration

	prop propagator

	sup *supervisor

	startedBlocksMu sync.Mutex
	startedBlocks   []Block

	debugCircuit bool
	debugBlocks  []debugPattern
}

var (
	currentMu sync.Mutex
	current   *Circuit
)

// GetCircuit returns the process-wide Circuit, creating it if this is the
// first call since process start or the last ResetCircuit.
func GetCircuit() *Circuit {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		current = newCircuit()
	}
	return current
}

// ResetCircuit discards the current Circuit and replaces it with a fresh,
// empty one. Intended for tests; calling it while a previous circuit's
// simulation is running leaves that simulation to run to completion
// independently, since blocks hold a direct pointer to their owning
// Circuit rather than consulting the package-level singleton at use time.
func ResetCircuit() *Circuit {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = newCircuit()
	return current
}

func newCircuit() *Circuit {
	return &Circuit{
		state:     newAtomicState(stateCreated),
		blocks:    make(map[string]Block),
		maxPasses: defaultMaxPasses,
		logger:    NoopLogger{},
	}
}

// registerOnCurrentCircuit attaches a newly constructed block to the
// process-wide circuit. It panics on a duplicate name or an invalid
// (reserved, empty) name: both are static wiring mistakes caught at block
// construction time, long before Finalize or Start.
func registerOnCurrentCircuit(b Block) {
	c := GetCircuit()
	if err := c.AddBlock(b); err != nil {
		panic(err)
	}
	if base, ok := b.(interface{ setCircuit(*Circuit) }); ok {
		base.setCircuit(c)
	}
}

func (b *base) setCircuit(c *Circuit) { b.circ = c }

// AddBlock registers b under its own name. It fails if the circuit is
// already finalized, the name is empty, the name begins with "_" and the
// block isn't an engine-internal block, or the name is already taken.
func (c *Circuit) AddBlock(b Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return fmt.Errorf("circuit: AddBlock %q: %w: circuit already finalized", b.Name(), ErrInvalidState)
	}
	internal := false
	if ib, ok := b.(interface{ isInternal() bool }); ok {
		internal = ib.isInternal()
	}
	if err := validateName(b.Name(), internal); err != nil {
		return err
	}
	if _, exists := c.blocks[b.Name()]; exists {
		return fmt.Errorf("circuit: AddBlock %q: %w: name already in use", b.Name(), ErrInvalidState)
	}
	c.blocks[b.Name()] = b
	c.order = append(c.order, b.Name())
	return nil
}

func (b *base) isInternal() bool { return b.internal }

// FindBlock returns the registered block named name.
func (c *Circuit) FindBlock(name string) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return b, nil
}

// FindTyped looks up name and asserts it to concrete type T (e.g. *FSM,
// *CBlock), returning a TypeMismatchError if the block exists but isn't a T.
func FindTyped[T Block](c *Circuit, name string) (T, error) {
	var zero T
	b, err := c.FindBlock(name)
	if err != nil {
		return zero, err
	}
	t, ok := b.(T)
	if !ok {
		return zero, &TypeMismatchError{Name: name, Want: typeName(zero), Got: typeName(b)}
	}
	return t, nil
}

// Blocks returns every registered block, in registration order.
func (c *Circuit) Blocks() []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Block, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.blocks[name])
	}
	return out
}

// SetLogger installs the circuit's structured logging sink.
func (c *Circuit) SetLogger(l Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = NoopLogger{}
	}
	c.logger = l
}

// SetPersistenceStore installs the adapter used to load and save block
// state across restarts. See persist.go.
func (c *Circuit) SetPersistenceStore(s PersistenceStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = s
}

// SetInitTimeout overrides the per-block timeout the init sequencer
// allows an AsyncInit implementation (default 10s).
func (c *Circuit) SetInitTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initTimeout = d
}

// SetStopTimeout overrides the per-block timeout StopAsync and guard_time
// are bounded by during the stop sequence (default 10s).
func (c *Circuit) SetStopTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimeout = d
}

// SetMaxPasses overrides the number of consumer-reevaluation passes the
// propagation engine tolerates per external triggering event before
// declaring instability (§4.2, ErrInstability). Calling it with n > 0
// opts out of Finalize's default of len(blocks); n <= 0 is ignored.
func (c *Circuit) SetMaxPasses(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.maxPasses = n
		c.maxPassesSet = true
	}
}

func (c *Circuit) log(level Level, block, msg string, err error, fields map[string]any) {
	c.mu.Lock()
	l := c.logger
	debugCircuit := c.debugCircuit
	debugBlocks := c.debugBlocks
	blockDebug := false
	if b, ok := c.blocks[block]; ok {
		blockDebug = b.Debug()
	}
	c.mu.Unlock()
	if l == nil {
		l = getLogger()
	}
	if level == LevelDebug && block != "" && blockDebugEnabled(debugBlocks, block, debugCircuit || blockDebug) {
		// The block's own WithDebug flag, EDZED_DEBUG_CIRCUIT or
		// EDZED_DEBUG_BLOCKS grants this block debug logging even if the
		// sink itself would otherwise suppress LevelDebug for it.
		l.Log(Entry{Level: level, Block: block, Message: msg, Fields: fields, Time: time.Now(), Err: err})
		return
	}
	logEntry(l, level, block, msg, err, fields)
}

// loadDebugEnv reads EDZED_DEBUG_CIRCUIT and EDZED_DEBUG_BLOCKS once, called
// from Start before any block logging occurs.
func (c *Circuit) loadDebugEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugCircuit = envDebugCircuit()
	c.debugBlocks = envDebugBlockPatterns()
}

// Finalize resolves every name Ref into a concrete Producer, auto-creates
// the "_ctrl" control block and any "_not_X" inverters referenced by name,
// wires reverse (output-consumer) connections, and locks the circuit
// against further AddBlock/Connect calls. It is idempotent: calling it a
// second time is a no-op that returns nil.
func (c *Circuit) Finalize() error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.autoCreateReferenced(); err != nil {
		return err
	}
	if err := c.resolveRefs(); err != nil {
		return err
	}
	c.wireReverseConnections()

	c.mu.Lock()
	if !c.maxPassesSet {
		// §4.2: MaxPasses must be >= the number of blocks; len(blocks) is
		// the design note's own choice of bound, and adapts automatically
		// to whatever auto-creation (_ctrl, _not_X inverters) just added.
		c.maxPasses = len(c.blocks)
	}
	c.finalized = true
	c.mu.Unlock()
	c.state.Store(stateFinalized)
	return nil
}

func (c *Circuit) wireReverseConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.order {
		cb, ok := c.blocks[name].(*CBlock)
		if !ok {
			continue
		}
		for _, p := range cb.inputProducers() {
			if producerBlock, ok := p.(Block); ok {
				if bb, ok := producerBlock.(interface{ addOconn(Block) }); ok {
					bb.addOconn(cb)
				}
			}
		}
	}
}
