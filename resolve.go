package circuit

import (
	"fmt"
	"reflect"
	"strings"
)

const controlBlockName = "_ctrl"

// refSources returns every name-only Ref this circuit's static wiring
// needs resolved during Finalize: CBlock single/group inputs, and the
// destinations of declaratively-attached onOutput/onEveryOutput events.
// Event destinations named dynamically from inside a handler body are
// resolved later, directly against the already-finalized registry (see
// Circuit.ResolveName), and so are intentionally not covered here.
func (c *Circuit) refSources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var names []string
	add := func(r Ref) {
		if r.name != "" && !seen[r.name] {
			seen[r.name] = true
			names = append(names, r.name)
		}
	}
	for _, name := range c.order {
		b := c.blocks[name]
		if cb, ok := b.(*CBlock); ok {
			for _, r := range cb.single {
				add(r)
			}
			for _, group := range cb.group {
				for _, r := range group {
					add(r)
				}
			}
		}
		if bb, ok := b.(interface{ eventSpecs() []*EventSpec }); ok {
			for _, ev := range bb.eventSpecs() {
				if ev != nil {
					add(ev.dest)
				}
			}
		}
	}
	return names
}

func (b *base) eventSpecs() []*EventSpec {
	out := append([]*EventSpec(nil), b.onOutput...)
	out = append(out, b.onEveryOutput...)
	return out
}

// autoCreateReferenced implements §4.1's Finalize step 1: auto-create a
// default "_ctrl" ControlBlock if anything references it by name, then
// auto-create a "_not_X" inverter for every referenced name of that shape
// whose underlying block X exists and isn't itself internal.
func (c *Circuit) autoCreateReferenced() error {
	for _, name := range c.refSources() {
		if name == controlBlockName {
			if err := c.ensureControlBlock(); err != nil {
				return err
			}
			continue
		}
		if target, ok := invertedTargetName(name); ok {
			if err := c.ensureInverter(name, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func invertedTargetName(name string) (string, bool) {
	const prefix = "_not_"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	target := strings.TrimPrefix(name, prefix)
	if target == "" || strings.HasPrefix(target, "_") {
		return "", false
	}
	return target, true
}

func (c *Circuit) ensureControlBlock() error {
	c.mu.Lock()
	_, exists := c.blocks[controlBlockName]
	c.mu.Unlock()
	if exists {
		return nil
	}
	newControlBlock(c)
	return nil
}

func (c *Circuit) ensureInverter(name, target string) error {
	c.mu.Lock()
	_, exists := c.blocks[name]
	c.mu.Unlock()
	if exists {
		return nil
	}
	c.mu.Lock()
	_, targetExists := c.blocks[target]
	c.mu.Unlock()
	if !targetExists {
		return fmt.Errorf("circuit: cannot create inverter %q: %w: %q", name, ErrNotFound, target)
	}
	cb := &CBlock{base: base{name: name, output: Undef, internal: true}, logic: CombFunc(invertLogic)}
	if err := cb.Connect(map[string]Ref{"in": NameRef(target)}, nil); err != nil {
		return err
	}
	if err := c.AddBlock(cb); err != nil {
		return err
	}
	cb.setCircuit(c)
	return nil
}

func invertLogic(in *Inputs) any {
	v := in.Get("in")
	if IsUndef(v) {
		return Undef
	}
	return !truthy(v)
}

// truthy mirrors the duck-typed "is this falsy" rule the source engine's
// Python heritage uses for the inversion shortcut: nil, Undef, zero
// numbers, empty strings, and empty collections are false; everything
// else, including a bare struct{}{}, is true.
func truthy(v any) bool {
	if v == nil || IsUndef(v) {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case int8:
		return x != 0
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint8:
		return x != 0
	case uint16:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return truthyReflect(v)
	}
}

func truthyReflect(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}

// resolveRefs resolves every CBlock input Ref and declarative event
// destination Ref against the (now possibly auto-expanded) registry.
func (c *Circuit) resolveRefs() error {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, name := range names {
		c.mu.Lock()
		b := c.blocks[name]
		c.mu.Unlock()
		if cb, ok := b.(*CBlock); ok {
			if err := c.resolveCBlockInputs(cb); err != nil {
				return err
			}
		}
		if bb, ok := b.(interface{ eventSpecs() []*EventSpec }); ok {
			for _, ev := range bb.eventSpecs() {
				if ev == nil || ev.dest.producer != nil || ev.dest.name == "" {
					continue
				}
				p, err := c.ResolveName(ev.dest.name)
				if err != nil {
					return fmt.Errorf("circuit: block %q: resolving event destination %q: %w", name, ev.dest.name, err)
				}
				ev.dest.producer = p
			}
		}
	}
	return nil
}

func (c *Circuit) resolveCBlockInputs(cb *CBlock) error {
	cb.singleResolved = make(map[string]Producer, len(cb.single))
	for k, r := range cb.single {
		p, err := c.resolveRef(r)
		if err != nil {
			return fmt.Errorf("circuit: block %q: input %q: %w", cb.name, k, err)
		}
		cb.singleResolved[k] = p
	}
	cb.groupResolved = make(map[string][]Producer, len(cb.group))
	for k, refs := range cb.group {
		ps := make([]Producer, len(refs))
		for i, r := range refs {
			p, err := c.resolveRef(r)
			if err != nil {
				return fmt.Errorf("circuit: block %q: input group %q[%d]: %w", cb.name, k, i, err)
			}
			ps[i] = p
		}
		cb.groupResolved[k] = ps
	}
	return nil
}

func (c *Circuit) resolveRef(r Ref) (Producer, error) {
	if r.producer != nil {
		return r.producer, nil
	}
	return c.ResolveName(r.name)
}

// ResolveName looks up a producer by name: a registered Block, or a
// ControlBlock/inverter auto-created during the preceding Finalize pass.
// It performs no auto-creation itself; call sites after Finalize that need
// a not-yet-existing "_not_X" or "_ctrl" must treat ErrNotFound as final.
func (c *Circuit) ResolveName(name string) (Producer, error) {
	c.mu.Lock()
	b, ok := c.blocks[name]
	c.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return b, nil
}
