package circuit

import "time"

// CircuitOption configures a Circuit via Configure, following the same
// functional-options idiom as logiface.Option.
type CircuitOption func(*Circuit)

// Configure applies opts to the circuit. Safe to call any time before
// Finalize.
func (c *Circuit) Configure(opts ...CircuitOption) {
	for _, o := range opts {
		o(c)
	}
}

// WithLogger installs the circuit's structured logging sink.
func WithLogger(l Logger) CircuitOption {
	return func(c *Circuit) { c.SetLogger(l) }
}

// WithPersistenceStore installs the adapter used to load and save block
// state across restarts.
func WithPersistenceStore(s PersistenceStore) CircuitOption {
	return func(c *Circuit) { c.SetPersistenceStore(s) }
}

// WithMaxPasses overrides the propagation engine's instability threshold.
func WithMaxPasses(n int) CircuitOption {
	return func(c *Circuit) { c.SetMaxPasses(n) }
}

// WithInitTimeout overrides the init sequencer's per-block AsyncInit
// timeout (default 10s).
func WithInitTimeout(d time.Duration) CircuitOption {
	return func(c *Circuit) { c.SetInitTimeout(d) }
}

// WithStopTimeout overrides the stop sequence's per-block timeout (default
// 10s).
func WithStopTimeout(d time.Duration) CircuitOption {
	return func(c *Circuit) { c.SetStopTimeout(d) }
}
