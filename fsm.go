package circuit

import (
	"fmt"
	"strings"
	"time"
)

// gotoEventPrefix tags an event type as an unconditional state-transition
// request (§4.5 step 1's Goto(T)), distinguishing it from an ordinary
// table-driven event name. It uses a NUL byte so it can never collide with
// an event type a caller would plausibly choose.
const gotoEventPrefix = "\x00goto:"

// GotoEvent returns the event type that, dispatched to an FSM, transitions
// it directly to state unconditionally, bypassing the transition table and
// any Cond<Event> check.
func GotoEvent(state string) string { return gotoEventPrefix + state }

func parseGotoEvent(etype string) (string, bool) {
	if strings.HasPrefix(etype, gotoEventPrefix) {
		return strings.TrimPrefix(etype, gotoEventPrefix), true
	}
	return "", false
}

type fsmRule struct {
	target string
	reject bool
}

// TimerSpec configures the one-shot wake-up scheduled on entering a timed
// state: DefaultDuration is used unless the triggering Data carries a
// "duration" override; Event is the event type self-dispatched on expiry.
// A DefaultDuration <= 0 combined with Infinite true means "never fires".
type TimerSpec struct {
	DefaultDuration time.Duration
	Infinite        bool
	Event           string
}

// FSM layers finite-state-machine semantics on top of SBlock: a declared
// set of states and a deterministic event/state transition table, plus
// optional per-event conditions, per-state entry/exit hooks, a per-state
// timer, and declarative outbound events fired around transitions.
type FSM struct {
	*SBlock

	states   []string
	stateSet map[string]bool

	table    map[string]map[string]fsmRule // state -> event -> rule
	wildcard map[string]fsmRule            // event -> rule, used if no specific entry matches

	timers map[string]TimerSpec

	current string

	sdata *Data

	condHooks  map[string]func(f *FSM, data *Data) bool
	enterHooks map[string]func(f *FSM, data *Data)
	exitHooks  map[string]func(f *FSM, data *Data)

	onEnterState map[string]*EventSpec
	onExitState  map[string]*EventSpec
	onNotrans    *EventSpec

	calcOutput func(f *FSM) any

	handling      bool
	handlingEvent string

	enteringHook    bool
	gotoUsedInEnter bool
	pendingGoto     string

	timerHandle timerHandle
}

// NewFSM constructs an FSM over the given states (first is the default
// initial state) named name, registered on the current circuit. Timed
// states schedule their wake-ups only once the circuit has a supervisor,
// i.e. from Start on.
func NewFSM(name string, states []string, opts ...BlockOption) *FSM {
	if len(states) == 0 {
		panic("circuit: NewFSM: at least one state is required")
	}
	sb := &SBlock{base: newBase(name, opts)}
	f := &FSM{
		SBlock:       sb,
		states:       append([]string(nil), states...),
		stateSet:     make(map[string]bool, len(states)),
		table:        make(map[string]map[string]fsmRule),
		wildcard:     make(map[string]fsmRule),
		timers:       make(map[string]TimerSpec),
		condHooks:    make(map[string]func(f *FSM, data *Data) bool),
		enterHooks:   make(map[string]func(f *FSM, data *Data)),
		exitHooks:    make(map[string]func(f *FSM, data *Data)),
		onEnterState: make(map[string]*EventSpec),
		onExitState:  make(map[string]*EventSpec),
	}
	for _, s := range states {
		f.stateSet[s] = true
	}
	f.initializerHook = f
	registerOnCurrentCircuit(f)
	return f
}

// InitRegular implements Initializer: the "regular init" strategy for an
// FSM is entering states[0], the default initial state (§4.5's STATES
// doc: "first element is the default initial state"). It is a no-op if
// the FSM already has a current state, which happens when the init
// sequencer's earlier persistence phase already resumed it via
// RestoreFSMState.
func (f *FSM) InitRegular() (any, error) {
	if f.current != "" {
		return f.Output(), nil
	}
	if _, err := f.transition(f.states[0], NewData(), false); err != nil {
		return nil, err
	}
	return f.Output(), nil
}

// Transition registers a table rule: in any of states (nil/empty means the
// wildcard "any state" rule, which every specific-state rule takes
// precedence over), dispatching event moves the FSM to next.
func (f *FSM) Transition(event string, states []string, next string) *FSM {
	if !f.stateSet[next] {
		panic(fmt.Sprintf("circuit: fsm %q: unknown target state %q", f.name, next))
	}
	f.addRule(event, states, fsmRule{target: next})
	return f
}

// RejectIn registers that event is explicitly not accepted while in any of
// states (next_state = None): dispatching it fires on_notrans and returns
// false, rather than falling through to a wildcard rule.
func (f *FSM) RejectIn(event string, states []string) *FSM {
	f.addRule(event, states, fsmRule{reject: true})
	return f
}

func (f *FSM) addRule(event string, states []string, rule fsmRule) {
	if len(states) == 0 {
		f.wildcard[event] = rule
		return
	}
	for _, s := range states {
		if !f.stateSet[s] {
			panic(fmt.Sprintf("circuit: fsm %q: unknown state %q in transition rule", f.name, s))
		}
		m := f.table[s]
		if m == nil {
			m = make(map[string]fsmRule)
			f.table[s] = m
		}
		m[event] = rule
	}
}

// SetTimer configures the timed wake-up for entering state.
func (f *FSM) SetTimer(state string, spec TimerSpec) *FSM {
	if !f.stateSet[state] {
		panic(fmt.Sprintf("circuit: fsm %q: unknown timed state %q", f.name, state))
	}
	f.timers[state] = spec
	return f
}

// OnCond registers Cond<event>(): a per-event guard evaluated before the
// transition table's target is honored.
func (f *FSM) OnCond(event string, cond func(f *FSM, data *Data) bool) *FSM {
	f.condHooks[event] = cond
	return f
}

// OnEnter registers Enter<state>(), called after the FSM's current state
// has already been updated to state.
func (f *FSM) OnEnter(state string, fn func(f *FSM, data *Data)) *FSM {
	f.enterHooks[state] = fn
	return f
}

// OnExit registers Exit<state>(), called just before leaving state.
func (f *FSM) OnExit(state string, fn func(f *FSM, data *Data)) *FSM {
	f.exitHooks[state] = fn
	return f
}

// OnEnterEvent attaches a declarative outbound event fired whenever state
// is entered as the final state of a transition (suppressed for
// intermediate states of a chained Goto).
func (f *FSM) OnEnterEvent(state string, ev *EventSpec) *FSM {
	f.onEnterState[state] = ev
	return f
}

// OnExitEvent attaches a declarative outbound event fired whenever state
// is left as a genuinely-observed prior state.
func (f *FSM) OnExitEvent(state string, ev *EventSpec) *FSM {
	f.onExitState[state] = ev
	return f
}

// OnNotrans attaches the declarative outbound event fired whenever a
// dispatched event is rejected (no table entry, explicit reject, or a
// failing Cond<event>).
func (f *FSM) OnNotrans(ev *EventSpec) *FSM {
	f.onNotrans = ev
	return f
}

// WithCalcOutput overrides the default output mapping (the state name) for
// this FSM instance.
func (f *FSM) WithCalcOutput(fn func(f *FSM) any) *FSM {
	f.calcOutput = fn
	return f
}

// State returns the FSM's current state name.
func (f *FSM) State() string { return f.current }

// SData returns the FSM-local persisted data record, lazily created,
// available to hooks for tracking state beyond the state name itself
// (e.g. the turnstile's coin/entry counters).
func (f *FSM) SData() *Data {
	if f.sdata == nil {
		f.sdata = NewData()
	}
	return f.sdata
}

// RestoreFSMState resumes the FSM directly into state, with sdata (may be
// nil) installed as its persisted local data, without invoking state's
// Enter hook: §4.4's "Initialization nuance" treats this as resumption, not
// entry. It still schedules state's timer (using DefaultDuration, since the
// remaining duration at the moment of persistence isn't tracked) and
// computes the block's initial output, so it satisfies the init
// sequencer's persistence strategy. It must be called before the FSM has
// ever transitioned; a Persistence.RestoreState implementation is the only
// intended caller.
func (f *FSM) RestoreFSMState(state string, sdata *Data) error {
	if f.current != "" {
		return fmt.Errorf("circuit: fsm %q: %w: RestoreFSMState after the FSM has already entered a state", f.name, ErrInvalidState)
	}
	if sdata != nil {
		f.sdata = sdata
	}
	_, err := f.transition(state, sdata, true)
	return err
}

// Goto requests an unconditional transition to target. Called from inside
// an Enter<state> hook, it is the one self-scheduled chained transition
// §4.5 step 6 allows; called from anywhere else, it behaves like
// dispatching GotoEvent(target) directly.
func (f *FSM) Goto(target string, data *Data) (bool, error) {
	if f.enteringHook {
		if f.gotoUsedInEnter {
			return false, fmt.Errorf("circuit: fsm %q: %w: Goto already used during this Enter", f.name, ErrInvalidState)
		}
		if !f.stateSet[target] {
			return false, fmt.Errorf("circuit: fsm %q: %w: unknown state %q", f.name, ErrInvalidState, target)
		}
		f.gotoUsedInEnter = true
		f.pendingGoto = target
		return true, nil
	}
	return f.transition(target, data, false)
}

func (f *FSM) lookupRule(state, event string) (fsmRule, bool) {
	if m, ok := f.table[state]; ok {
		if r, ok := m[event]; ok {
			return r, true
		}
	}
	if r, ok := f.wildcard[event]; ok {
		return r, true
	}
	return fsmRule{}, false
}

// dispatchEvent implements eventReceiver for *FSM, shadowing the embedded
// SBlock's generic handler dispatch entirely: every event an FSM receives
// goes through the transition table first; only an event with neither a
// rule for the current state nor a wildcard rule falls through to any
// handlers registered directly via
// SBlock.On/OnDefault (e.g. a non-transition side-effecting event type).
func (f *FSM) dispatchEvent(c *Circuit, etype string, data *Data) (any, error) {
	if f.handling {
		return nil, fmt.Errorf("circuit: %w", &RecursiveEventError{Block: f.name, Event: etype})
	}
	f.handling = true
	f.handlingEvent = etype
	defer func() {
		f.handling = false
		f.handlingEvent = ""
	}()
	return f.dispatchLocked(etype, data)
}

func (f *FSM) dispatchLocked(etype string, data *Data) (any, error) {
	if target, ok := parseGotoEvent(etype); ok {
		return f.transition(target, data, false)
	}
	rule, ok := f.lookupRule(f.current, etype)
	if !ok {
		if h, hasHandler := f.SBlock.handlerFor(etype); hasHandler {
			return h(f.SBlock, data)
		}
		f.fireStateEvent(f.onNotrans, DataOf(KeyTrigger, "notrans", KeyState, f.current, KeyEvent, etype))
		return false, nil
	}
	if rule.reject {
		f.fireStateEvent(f.onNotrans, DataOf(KeyTrigger, "notrans", KeyState, f.current, KeyEvent, etype))
		return false, nil
	}
	if cond := f.condHooks[etype]; cond != nil && !cond(f, data) {
		f.fireStateEvent(f.onNotrans, DataOf(KeyTrigger, "notrans", KeyState, f.current, KeyEvent, etype))
		return false, nil
	}
	return f.transition(rule.target, data, false)
}

// transition implements §4.5 steps 3-9 for a move to target, including any
// Enter-hook-triggered chain. fromPersistence, true only for the very
// first-ever transition when the block's initial state was restored
// rather than freshly entered, skips Enter/on_enter for that first state
// (per the "Initialization nuance" note: resumption, not entry).
func (f *FSM) transition(target string, data *Data, fromPersistence bool) (bool, error) {
	if !f.stateSet[target] {
		return false, fmt.Errorf("circuit: fsm %q: %w: unknown state %q", f.name, ErrInvalidState, target)
	}
	if data == nil {
		data = NewData()
	}

	first := f.current == ""
	if !first {
		prev := f.current
		if exit := f.exitHooks[prev]; exit != nil {
			exit(f, data)
		}
		f.cancelTimer()
		f.fireStateEvent(f.onExitState[prev], data)
	}

	final := target
	skipEnter := first && fromPersistence

	for {
		f.current = final
		f.enteringHook = true
		f.gotoUsedInEnter = false
		f.pendingGoto = ""
		if !skipEnter {
			if enter := f.enterHooks[final]; enter != nil {
				enter(f, data)
			}
		}
		f.enteringHook = false
		skipEnter = false

		if f.pendingGoto == "" || f.pendingGoto == final {
			f.pendingGoto = ""
			break
		}
		chainTarget := f.pendingGoto
		f.pendingGoto = ""
		if exit := f.exitHooks[final]; exit != nil {
			exit(f, data)
		}
		f.cancelTimer()
		final = chainTarget
	}

	f.scheduleTimer(data)

	out := any(f.current)
	if f.calcOutput != nil {
		out = f.calcOutput(f)
	}
	f.SBlock.SetOutput(out)

	if !(first && fromPersistence) {
		f.fireStateEvent(f.onEnterState[f.current], data)
	}
	return true, nil
}

func (f *FSM) fireStateEvent(ev *EventSpec, data *Data) {
	if ev == nil || f.circ == nil {
		return
	}
	destBlock, ok := ev.dest.producer.(Block)
	if !ok {
		return
	}
	if err := f.circ.fireWithFilters(ev, destBlock, data); err != nil {
		if f.circ.prop.err == nil {
			f.circ.prop.err = err
		}
	}
}

func (f *FSM) cancelTimer() {
	if f.circ != nil && f.circ.sup != nil {
		f.circ.sup.timers.cancel(f.timerHandle)
	}
	f.timerHandle = timerHandle{}
}

func (f *FSM) scheduleTimer(data *Data) {
	spec, ok := f.timers[f.current]
	if !ok {
		return
	}
	d := spec.DefaultDuration
	if v, has := data.Get(KeyDuration); has {
		if dv, ok := v.(time.Duration); ok {
			d = dv
		}
	}
	if spec.Infinite {
		return
	}
	if d == 0 {
		f.dispatchLocked(spec.Event, NewData())
		return
	}
	if d < 0 || f.circ == nil || f.circ.sup == nil {
		return
	}
	evType := spec.Event
	f.timerHandle = f.circ.sup.timers.scheduleOnce(d, func() {
		f.circ.enqueueTimerFire(f, evType)
	})
}
