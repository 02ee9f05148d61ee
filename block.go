package circuit

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Block is the abstract unit of a circuit: either a [CBlock], an [SBlock],
// or the [FSM] specialization of SBlock. The interface carries an
// unexported marker method so only those three variants (defined in this
// package) can ever satisfy it, matching spec.md's closed set of block
// variants.
type Block interface {
	// Name returns the block's unique-within-circuit name.
	Name() string
	// Comment returns the block's human-readable comment, if any.
	Comment() string
	// Debug reports whether debug-level logging is enabled for this block.
	Debug() bool
	// Output returns the block's current output, or Undef if uninitialized.
	Output() any

	circuitBlock()
}

// Producer is anything that can supply a value to a CBlock input slot: a
// Block or a Const.
type Producer interface {
	Output() any
}

// Const wraps a fixed value so it can be used anywhere a Producer is
// expected. Consts are never registered in a circuit and never appear in
// FindBlock results.
type Const struct{ val any }

// NewConst returns a Const producer holding val.
func NewConst(val any) *Const { return &Const{val: val} }

// Output implements Producer.
func (c *Const) Output() any { return c.val }

// Ref is an unresolved or literal producer reference, used for CBlock input
// wiring and for any other by-name pointer (e.g. an outbound event
// destination). Exactly one of a literal Producer or a name is set; name
// references (including the `_not_X` inversion shortcut) are resolved to a
// concrete Producer during Circuit.Finalize.
type Ref struct {
	producer Producer
	name     string
}

// BlockRef wraps a literal Block or Const reference; no name resolution is
// needed for it.
func BlockRef(p Producer) Ref { return Ref{producer: p} }

// ConstRef wraps a fixed value as a Ref.
func ConstRef(v any) Ref { return Ref{producer: NewConst(v)} }

// NameRef defers resolution to Circuit.Finalize. Supplying a name of the
// form "_not_X" causes Finalize to auto-create (if absent) an inverter
// block named "_not_X" whose single input is X, and to resolve this Ref to
// that inverter.
func NameRef(name string) Ref { return Ref{name: name} }

// IsZero reports whether the Ref was never assigned.
func (r Ref) IsZero() bool { return r.producer == nil && r.name == "" }

func (r Ref) String() string {
	if r.name != "" {
		return r.name
	}
	if b, ok := r.producer.(Block); ok {
		return b.Name()
	}
	return fmt.Sprintf("%v", r.producer)
}

// base is embedded by CBlock, SBlock, and (via SBlock) FSM, providing the
// fields and accessors common to every Block variant.
type base struct {
	name     string
	comment  string
	debugOn  bool
	internal bool // true for engine-created blocks (e.g. "_not_X", "_ctrl")

	circ *Circuit

	mu     sync.RWMutex
	output any

	oconns []Block // downstream consumers, populated at Finalize

	onOutput      []*EventSpec
	onEveryOutput []*EventSpec

	initDef    any
	hasInitDef bool

	persistenceHook Persistence
	persistenceTTL  time.Duration
	asyncHook       Async
	mainTaskHook    MainTask
	asyncInitHook   AsyncInit
	starterHook     Starter
	stopperHook     Stopper
	initializerHook Initializer
}

func newBase(name string, opts []BlockOption) base {
	b := base{name: name, output: Undef}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b *base) Name() string    { return b.name }
func (b *base) Comment() string { return b.comment }
func (b *base) Debug() bool     { return b.debugOn }

func (b *base) Output() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.output
}

func (b *base) rawOutput() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.output
}

func (b *base) storeOutput(v any) {
	b.mu.Lock()
	b.output = v
	b.mu.Unlock()
}

func (b *base) addOconn(c Block) {
	for _, existing := range b.oconns {
		if existing == c {
			return
		}
	}
	b.oconns = append(b.oconns, c)
}

func (b *base) circuitBlock() {}

// BlockOption configures a block at construction time.
type BlockOption func(*base)

// WithComment sets the block's human-readable comment.
func WithComment(comment string) BlockOption {
	return func(b *base) { b.comment = comment }
}

// WithDebug enables debug-level logging for this block.
func WithDebug(on bool) BlockOption {
	return func(b *base) { b.debugOn = on }
}

// WithInitDef supplies the default-value init strategy fallback (phase 4 of
// the init sequencer, §4.4).
func WithInitDef(v any) BlockOption {
	return func(b *base) {
		b.initDef = v
		b.hasInitDef = true
	}
}

// WithOnOutput appends an outbound event fired only when Output actually
// changes (including the first change away from Undef).
func WithOnOutput(ev *EventSpec) BlockOption {
	return func(b *base) { b.onOutput = append(b.onOutput, ev) }
}

// WithOnEveryOutput appends an outbound event fired on every SetOutput
// call, whether or not the value changed.
func WithOnEveryOutput(ev *EventSpec) BlockOption {
	return func(b *base) { b.onEveryOutput = append(b.onEveryOutput, ev) }
}

func validateName(name string, internal bool) error {
	if name == "" {
		return fmt.Errorf("circuit: block name must not be empty: %w", ErrInvalidState)
	}
	if strings.HasPrefix(name, "_") && !internal {
		return fmt.Errorf("circuit: block name %q: %w: names beginning with _ are reserved", name, ErrInvalidState)
	}
	return nil
}

// Inputs is the read-only snapshot of a CBlock's current input values,
// passed to Combinational.CalcOutput.
type Inputs struct {
	single map[string]any
	group  map[string][]any
}

// Get returns the current value of the named single input.
func (in *Inputs) Get(name string) any {
	if in == nil {
		return Undef
	}
	if v, ok := in.single[name]; ok {
		return v
	}
	return Undef
}

// Group returns the current ordered values of the named input group.
func (in *Inputs) Group(name string) []any {
	if in == nil {
		return nil
	}
	return in.group[name]
}

// Combinational is the pure logic of a CBlock: it computes the next output
// from the current input snapshot, with no side effects and no internal
// state of its own.
type Combinational interface {
	CalcOutput(in *Inputs) any
}

// CombFunc adapts a plain function to Combinational.
type CombFunc func(in *Inputs) any

func (f CombFunc) CalcOutput(in *Inputs) any { return f(in) }

// CBlock is a combinational block: a pure function of its current inputs,
// with no internal state. Inputs are wired once via Connect, before the
// owning circuit is finalized.
type CBlock struct {
	base

	logic Combinational

	single        map[string]Ref
	group         map[string][]Ref
	singleOrder   []string
	groupOrder    []string
	connectCalled bool

	singleResolved map[string]Producer
	groupResolved  map[string][]Producer
}

// NewCBlock constructs a combinational block named name, computing its
// output via logic.
func NewCBlock(name string, logic Combinational, opts ...BlockOption) *CBlock {
	c := &CBlock{base: newBase(name, opts), logic: logic}
	registerOnCurrentCircuit(c)
	return c
}

// Connect wires the block's named single and group inputs. It may be
// called at most once, and only before the owning circuit is finalized.
func (c *CBlock) Connect(single map[string]Ref, group map[string][]Ref) error {
	if c.connectCalled {
		return fmt.Errorf("circuit: block %q: %w: Connect called twice", c.name, ErrInvalidState)
	}
	if c.circ != nil && c.circ.state.AtLeast(stateFinalized) {
		return fmt.Errorf("circuit: block %q: %w: circuit already finalized", c.name, ErrInvalidState)
	}
	c.connectCalled = true
	c.single = single
	c.group = group
	for k := range single {
		c.singleOrder = append(c.singleOrder, k)
	}
	for k := range group {
		c.groupOrder = append(c.groupOrder, k)
	}
	return nil
}

// CalcOutput computes the block's next output from its resolved inputs. It
// is invoked by the propagation engine and is safe to call directly in
// tests, but never mutates block state itself.
func (c *CBlock) CalcOutput() any {
	in := &Inputs{single: map[string]any{}, group: map[string][]any{}}
	for name, p := range c.singleResolved {
		in.single[name] = p.Output()
	}
	for name, ps := range c.groupResolved {
		vals := make([]any, len(ps))
		for i, p := range ps {
			vals[i] = p.Output()
		}
		in.group[name] = vals
	}
	return c.logic.CalcOutput(in)
}

func (c *CBlock) baseRef() *base { return &c.base }

// inputProducers returns every resolved producer this block reads from
// (singles and groups combined), used by Finalize to build reverse
// (oconnections) edges.
func (c *CBlock) inputProducers() []Producer {
	var out []Producer
	for _, p := range c.singleResolved {
		out = append(out, p)
	}
	for _, ps := range c.groupResolved {
		out = append(out, ps...)
	}
	return out
}

// EventHandler processes one dispatched event for an SBlock, returning the
// handler's result (delivered back to the caller of Dispatch) and an error.
// A non-nil error, one wrapping ErrUnknownEvent included, is returned to
// the caller of Dispatch as is; it does not fall back to the generic
// handler. Dispatch does not abort the simulation on a handler error: a
// failing timer-fired dispatch aborts it, and an error from an event fired
// inside a propagation wave becomes the error of the Dispatch or Start
// call that set the wave off.
type EventHandler func(s *SBlock, data *Data) (any, error)

// SBlock is a sequential block: arbitrary internal state owned by the
// handler closures registered via On/OnDefault, with output assigned
// explicitly by calling SetOutput from within a handler.
type SBlock struct {
	base

	handlersMu sync.Mutex
	handlers   map[string]EventHandler
	generic    EventHandler

	dispatchMu    sync.Mutex // serializes Dispatch entry/exit bookkeeping
	handling      bool
	handlingEvent string
}

// NewSBlock constructs a sequential block named name with no registered
// event handlers.
func NewSBlock(name string, opts ...BlockOption) *SBlock {
	s := &SBlock{base: newBase(name, opts)}
	registerOnCurrentCircuit(s)
	return s
}

// On registers a specialized handler for the named event type.
func (s *SBlock) On(eventType string, h EventHandler) *SBlock {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]EventHandler)
	}
	s.handlers[eventType] = h
	return s
}

// OnDefault registers the generic fallback handler, used when no
// specialized handler matches the event type.
func (s *SBlock) OnDefault(h EventHandler) *SBlock {
	s.generic = h
	return s
}

func (s *SBlock) handlerFor(eventType string) (EventHandler, bool) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if h, ok := s.handlers[eventType]; ok {
		return h, true
	}
	if s.generic != nil {
		return s.generic, true
	}
	return nil, false
}

func (s *SBlock) baseRef() *base { return &s.base }

// SetOutput assigns the block's output, driving the propagation engine
// (§4.2). Called on a block not yet attached to a circuit, it does nothing
// and logs nothing. Once the circuit has a supervisor,
// the actual propagation runs on its single execution goroutine — a
// caller on any other goroutine (an AsyncInit fan-out, a MainTask, a
// StopAsync callback) is serialized against the simulation task exactly
// as if it had called this from inside a dispatched handler.
func (s *SBlock) SetOutput(v any) {
	if s.circ == nil {
		return
	}
	if s.circ.sup != nil {
		s.circ.sup.submit(func() { s.circ.setOutput(s, v) })
		return
	}
	s.circ.setOutput(s, v)
}

// WithPersistence, WithAsync, WithMainTask, and WithAsyncInit attach
// capability mixins; see capability.go.
func WithPersistence(p Persistence) BlockOption {
	return func(b *base) { b.persistenceHook = p }
}

// WithPersistenceTTL sets how long a checkpointed record remains valid;
// zero (the default) means it never expires by age.
func WithPersistenceTTL(ttl time.Duration) BlockOption {
	return func(b *base) { b.persistenceTTL = ttl }
}

func WithAsync(a Async) BlockOption {
	return func(b *base) { b.asyncHook = a }
}

func WithMainTaskCapability(m MainTask) BlockOption {
	return func(b *base) { b.mainTaskHook = m }
}

func WithAsyncInit(a AsyncInit) BlockOption {
	return func(b *base) { b.asyncInitHook = a }
}

// WithStarter, WithStopper, and WithInitializer attach the remaining
// optional lifecycle capabilities; see capability.go.
func WithStarter(s Starter) BlockOption {
	return func(b *base) { b.starterHook = s }
}

func WithStopper(s Stopper) BlockOption {
	return func(b *base) { b.stopperHook = s }
}

func WithInitializer(i Initializer) BlockOption {
	return func(b *base) { b.initializerHook = i }
}

// typeName is a small helper for TypeMismatchError messages.
func typeName(v any) reflect.Type {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v)
}
