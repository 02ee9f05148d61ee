package circuit

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
)

// eventCondPrefix tags an event type as a conditional substitution request
// (§4.3 step 1's EventCond(A,B)), mirroring GotoEvent's NUL-byte encoding
// so it can never collide with a plain event type name. eventCondSep
// separates the two encoded branches; NUL can't appear in either, since
// it's reserved for this prefix.
const (
	eventCondPrefix = "\x00cond:"
	eventCondSep    = "\x00"
)

// EventCond returns the event type that, dispatched anywhere, resolves at
// delivery time to etrue if the dispatched Data's "value" entry is
// truthy, else to efalse. Either branch may be "", meaning that side
// delivers no event at all — useful for a block that should only react
// to one direction of a change (e.g. on_output firing only when a sensor
// output becomes true).
func EventCond(etrue, efalse string) string {
	return eventCondPrefix + etrue + eventCondSep + efalse
}

func parseEventCond(etype string) (etrue, efalse string, ok bool) {
	if !strings.HasPrefix(etype, eventCondPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(etype, eventCondPrefix)
	parts := strings.SplitN(rest, eventCondSep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Filter transforms (or vetoes) event Data before delivery. Returning
// keep=false drops the event entirely; otherwise the returned Data
// (normally data itself, mutated or replaced) is what the destination
// block's handler receives. Filters run in registration order; any filter
// in the chain can veto.
type Filter func(data *Data) (out *Data, keep bool)

// EventSpec is a pre-wired, repeatable outbound event: a destination
// (resolved at Finalize time for declarative on_output/on_every_output
// attachments), an event type name, an optional filter pipeline, and an
// optional repeat cap enforced by a sliding-window rate limiter.
type EventSpec struct {
	dest    Ref
	etype   string
	filters []Filter

	repeatInterval time.Duration
	repeatCap      int
	limiter        *catrate.Limiter
}

// EventOption configures an EventSpec.
type EventOption func(*EventSpec)

// WithFilter appends a Filter to the event's pipeline.
func WithFilter(f Filter) EventOption {
	return func(e *EventSpec) { e.filters = append(e.filters, f) }
}

// WithRepeatCap limits delivery of this event to at most cap occurrences
// per interval, using a sliding window (catrate.Limiter); deliveries beyond
// the cap are silently dropped, matching the "repeat interval and repeat
// cap" throttle described for noisy, frequently-retriggered events (e.g. a
// fast-changing upstream driving the same downstream event type).
func WithRepeatCap(interval time.Duration, cap int) EventOption {
	return func(e *EventSpec) {
		e.repeatInterval = interval
		e.repeatCap = cap
	}
}

// NewEvent builds a declarative outbound event bound to dest (by literal
// reference or by name, resolved during Finalize), of the given type, with
// the supplied options applied in order. Attach it to a block via
// WithOnOutput or WithOnEveryOutput.
func NewEvent(dest Ref, etype string, opts ...EventOption) *EventSpec {
	e := &EventSpec{dest: dest, etype: etype}
	for _, o := range opts {
		o(e)
	}
	if e.repeatInterval > 0 && e.repeatCap > 0 {
		e.limiter = catrate.NewLimiter(map[time.Duration]int{e.repeatInterval: e.repeatCap})
	}
	return e
}

// Repeat is a convenience constructor for an event destined to the same
// block that declares it, used by the turnstile-style "re-arm after a
// timeout" idiom: Repeat(dst, "timeout") reads as "send myself a timeout
// event".
func Repeat(dst Block, etype string, opts ...EventOption) *EventSpec {
	return NewEvent(BlockRef(dst), etype, opts...)
}

// eventReceiver is implemented by SBlock (generic handler dispatch) and
// overridden by FSM (transition-table-driven dispatch that falls back to
// the embedded SBlock's handlers for any event outside the table).
type eventReceiver interface {
	dispatchEvent(c *Circuit, etype string, data *Data) (any, error)
}

// dispatchEvent implements eventReceiver for a plain SBlock: single-flight
// reentry guard, specialized-then-generic handler lookup, invoke.
func (s *SBlock) dispatchEvent(c *Circuit, etype string, data *Data) (any, error) {
	s.dispatchMu.Lock()
	if s.handling {
		s.dispatchMu.Unlock()
		return nil, fmt.Errorf("circuit: %w", &RecursiveEventError{Block: s.name, Event: etype})
	}
	s.handling = true
	s.handlingEvent = etype
	s.dispatchMu.Unlock()
	defer func() {
		s.dispatchMu.Lock()
		s.handling = false
		s.handlingEvent = ""
		s.dispatchMu.Unlock()
	}()

	h, ok := s.handlerFor(etype)
	if !ok {
		return nil, fmt.Errorf("circuit: block %q: %w: %q", s.name, ErrUnknownEvent, etype)
	}
	return h(s, data)
}

// Dispatch delivers one event to dest and, once the handler returns, waits
// for any propagation wave the handler triggered (via SetOutput) to
// settle, surfacing an instability error from that wave as this call's
// error.
//
// The whole operation — resolution, the handler call, and draining the
// propagation error — runs on the circuit's single execution goroutine
// (via the supervisor, once one exists): a caller on any other goroutine,
// e.g. an ExternalSource.Run coroutine or a timer fire, is serialized
// against the simulation task exactly like a call made from inside it.
func (c *Circuit) Dispatch(dest Block, etype string, data *Data) (any, error) {
	if data == nil {
		data = NewData()
	}
	if et, ef, ok := parseEventCond(etype); ok {
		v, _ := data.Get(KeyValue)
		etype = ef
		if truthy(v) {
			etype = et
		}
		if etype == "" {
			return nil, nil
		}
	}

	er, ok := dest.(eventReceiver)
	if !ok {
		return nil, fmt.Errorf("circuit: dispatch to %q: %w: block does not accept events", dest.Name(), ErrUnknownEvent)
	}
	c.log(LevelDebug, dest.Name(), "dispatch", nil, map[string]any{"event": etype})

	var res any
	var err error
	run := func() {
		res, err = er.dispatchEvent(c, etype, data)
		if err == nil {
			if perr := c.drainPropagationError(); perr != nil {
				err = perr
			}
		}
	}
	if c.sup != nil {
		c.sup.submit(run)
	} else {
		run()
	}
	return res, err
}

// ExternalSend is the sole entry point for events originating outside the
// simulation (§7): it tags data's source field with ExternalSourcePrefix
// (unless already present) and dispatches, returning ErrInvalidState if
// the circuit has not yet reached the running lifecycle state. Dispatch
// itself serializes the delivery onto the simulation goroutine, so a
// host-level ExternalSource.Run coroutine calling this from its own
// goroutine never races the simulation task's own dispatches.
func (c *Circuit) ExternalSend(destName, etype string, data *Data) (any, error) {
	if !c.state.AtLeast(stateRunning) {
		return nil, fmt.Errorf("circuit: ExternalSend %q: %w: circuit not running", destName, ErrInvalidState)
	}
	dest, err := c.FindBlock(destName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = NewData()
	}
	if src, ok := data.Get(KeySource); !ok || src == nil {
		data.Set(KeySource, ExternalSourcePrefix)
	} else if s, ok := src.(string); !ok {
		data.Set(KeySource, ExternalSourcePrefix)
	} else if !strings.HasPrefix(s, ExternalSourcePrefix) {
		data.Set(KeySource, ExternalSourcePrefix+s)
	}
	return c.Dispatch(dest, etype, data)
}

// fireEventSpec builds the standard previous/value Data for an
// onOutput/onEveryOutput event and delivers it through the filter and
// repeat-cap pipeline. Any resulting error is folded into the active
// propagation wave rather than returned, since this is always called from
// within setOutput's recursive cascade.
func (c *Circuit) fireEventSpec(ev *EventSpec, src Block, previous, value any) {
	if ev == nil {
		return
	}
	destBlock, ok := ev.dest.producer.(Block)
	if !ok {
		return
	}
	data := DataOf(
		KeySource, src.Name(),
		KeyPrevious, previous,
		KeyValue, value,
	)
	if err := c.fireWithFilters(ev, destBlock, data); err != nil {
		if c.prop.err == nil {
			c.prop.err = err
		}
	}
}

func (c *Circuit) fireWithFilters(ev *EventSpec, dest Block, data *Data) error {
	for _, f := range ev.filters {
		var keep bool
		data, keep = f(data)
		if !keep {
			return nil
		}
	}
	if ev.limiter != nil {
		key := dest.Name() + "|" + ev.etype
		if _, ok := ev.limiter.Allow(key); !ok {
			c.log(LevelDebug, dest.Name(), "event dropped by repeat cap", nil, map[string]any{"event": ev.etype})
			return nil
		}
	}
	_, err := c.Dispatch(dest, ev.etype, data)
	return err
}
