package circuit

import (
	"context"
	"time"
)

// Persistence is an optional block capability: if a block's configuration
// attaches one (WithPersistence), the init sequencer's phase 1 calls
// RestoreState before anything else runs for that block, and the stop
// sequence calls GetState so the value can be written back through the
// circuit's PersistenceStore. The payload is opaque bytes the engine never
// interprets, produced and consumed entirely by the block itself (§6).
type Persistence interface {
	// GetState returns the bytes to persist, or (nil, false) to persist
	// nothing this checkpoint.
	GetState() (data []byte, ok bool)
	// RestoreState is called once with a previously persisted, non-expired
	// payload, and must apply it as the block's initial state.
	RestoreState(data []byte) error
}

// Async is an optional block capability for blocks that own a background
// goroutine requiring an explicit, possibly-delayed shutdown step distinct
// from the rest of the simulation's stop sequence.
type Async interface {
	// StopAsync requests the block's background activity stop. guardTime
	// bounds how long the supervisor will wait before treating the block
	// as unresponsive.
	StopAsync(ctx context.Context, guardTime time.Duration) error
}

// MainTask is an optional block capability: a block that supplies a
// blocking function the supervisor runs as one of the circuit's monitored
// tasks (alongside the simulation task itself), such as a polling loop or
// a listener accept loop.
type MainTask interface {
	// RunMainTask blocks until ctx is canceled, then returns ctx's error.
	// Any other return, a nil error included, is treated as a task failure
	// that triggers circuit-wide shutdown.
	RunMainTask(ctx context.Context) error
}

// AsyncInit is an optional block capability for blocks whose
// initialization (phase 2 of the init sequencer, §4.4) must happen
// concurrently with other blocks' initialization, subject to a per-block
// timeout passed in as ctx's deadline. A block whose output is still Undef
// afterwards goes on to the regular and default-value init strategies.
type AsyncInit interface {
	// InitAsync performs the block's initialization, normally by calling
	// SetOutput (directly or via RestoreState-equivalent logic) at most
	// once. SetOutput does not check whether another path (e.g. an event
	// that arrived first) already defined the output: a later call
	// overwrites it. SetOutput is safe to call concurrently with every
	// other block's own InitAsync goroutine; it serializes onto the
	// circuit's single execution goroutine itself.
	InitAsync(ctx context.Context) error
}

// Starter is an optional block capability run once per block, in
// registration order, right after Finalize and before the init sequencer
// (§4.4 step 3 of Start).
type Starter interface {
	Start() error
}

// Stopper is an optional block capability run once per block that
// successfully started, during the stop sequence (§4.4). Stop must
// tolerate being called on a block whose Start never ran to completion.
type Stopper interface {
	Stop() error
}

// Initializer is the "regular init" strategy (§4.4 step 3): a synchronous
// computation of the block's initial output.
type Initializer interface {
	InitRegular() (any, error)
}

func (b *base) persistence() (Persistence, bool) {
	return b.persistenceHook, b.persistenceHook != nil
}

func (b *base) async() (Async, bool) {
	return b.asyncHook, b.asyncHook != nil
}

func (b *base) mainTask() (MainTask, bool) {
	return b.mainTaskHook, b.mainTaskHook != nil
}

func (b *base) asyncInit() (AsyncInit, bool) {
	return b.asyncInitHook, b.asyncInitHook != nil
}

func (b *base) starter() (Starter, bool) {
	return b.starterHook, b.starterHook != nil
}

func (b *base) stopper() (Stopper, bool) {
	return b.stopperHook, b.stopperHook != nil
}

func (b *base) initializer() (Initializer, bool) {
	return b.initializerHook, b.initializerHook != nil
}
