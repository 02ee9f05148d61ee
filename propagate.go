package circuit

import "fmt"

// defaultMaxPasses is only the placeholder used before a circuit is ever
// finalized (e.g. a freshly-constructed Circuit that nothing has touched
// yet); Finalize always replaces it with len(blocks) unless SetMaxPasses
// or WithMaxPasses was called first.
const defaultMaxPasses = 50

// propagator holds the bookkeeping for one in-flight propagation wave: the
// per-consumer re-evaluation count (for instability detection) and the
// first error encountered. Every field here is touched only from the
// circuit's single execution goroutine (the simulation task owned by the
// supervisor, or the calling goroutine itself prior to Start), so none of
// it needs its own synchronization; base.mu still guards Output() reads
// from arbitrary goroutines at any time.
type propagator struct {
	depth     int
	passCount map[Block]int
	err       error
}

func blockBase(b Block) *base {
	type hasBase interface{ baseRef() *base }
	if hb, ok := b.(hasBase); ok {
		return hb.baseRef()
	}
	return nil
}

// setOutput implements §4.2's propagation contract: any onEveryOutput
// events fire on every call; beyond that it is a no-op if the value is
// unchanged (valuesEqual), otherwise store the new output, fire any
// onOutput events, and re-evaluate every downstream CBlock
// consumer in FIFO (registration) order, recursing into their own output
// changes. Re-evaluating the same consumer more than maxPasses times
// within one wave is reported as instability and aborts the wave.
func (c *Circuit) setOutput(b Block, v any) {
	bb := blockBase(b)
	if bb == nil {
		return
	}

	top := c.prop.depth == 0
	if top {
		c.prop.passCount = make(map[Block]int)
		c.prop.err = nil
	}
	c.prop.depth++
	defer func() {
		c.prop.depth--
	}()

	if c.prop.err != nil {
		return
	}

	old := bb.rawOutput()
	changed := !valuesEqual(old, v)
	if changed {
		bb.storeOutput(v)
		c.logOutputChange(b, old, v)
	}

	for _, ev := range bb.onEveryOutput {
		c.fireEventSpec(ev, b, old, v)
		if c.prop.err != nil {
			return
		}
	}
	if !changed {
		return
	}
	for _, ev := range bb.onOutput {
		c.fireEventSpec(ev, b, old, v)
		if c.prop.err != nil {
			return
		}
	}

	for _, consumer := range bb.oconns {
		c.prop.passCount[consumer]++
		if c.prop.passCount[consumer] > c.maxPasses {
			c.prop.err = fmt.Errorf("circuit: %w", &InstabilityError{Block: consumer.Name(), Passes: c.prop.passCount[consumer]})
			return
		}
		cb, ok := consumer.(*CBlock)
		if !ok {
			continue
		}
		next := cb.CalcOutput()
		c.setOutput(cb, next)
		if c.prop.err != nil {
			return
		}
	}
}

// drainPropagationError returns and clears the error (if any) recorded by
// the most recently completed top-level propagation wave.
func (c *Circuit) drainPropagationError() error {
	err := c.prop.err
	c.prop.err = nil
	return err
}

func (c *Circuit) logOutputChange(b Block, old, v any) {
	c.mu.Lock()
	l := c.logger
	c.mu.Unlock()
	if l != nil && !l.Enabled(LevelDebug) {
		return
	}
	c.log(LevelDebug, b.Name(), "output changed", nil, map[string]any{"previous": old, "value": v})
}
