package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTurnstile builds the canonical two-state turnstile: locked/unlocked,
// coin unlocks, push locks (and is rejected while already locked).
func newTurnstile(t *testing.T) *FSM {
	t.Helper()
	f := NewFSM("turnstile", []string{"locked", "unlocked"})
	f.Transition("coin", []string{"locked"}, "unlocked")
	f.Transition("push", []string{"unlocked"}, "locked")
	f.RejectIn("push", []string{"locked"})
	return f
}

func TestFSMDispatchEventDrivesTransition(t *testing.T) {
	c := ResetCircuit()
	f := newTurnstile(t)
	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)
	assert.Equal(t, "locked", f.State(), "InitRegular enters states[0]")

	_, err = c.Dispatch(f, "coin", NewData())
	require.NoError(t, err)
	assert.Equal(t, "unlocked", f.State())
	assert.Equal(t, "unlocked", f.Output())

	_, err = c.Dispatch(f, "push", NewData())
	require.NoError(t, err)
	assert.Equal(t, "locked", f.State())

	// push while locked is rejected, state unchanged.
	_, err = c.Dispatch(f, "push", NewData())
	require.NoError(t, err)
	assert.Equal(t, "locked", f.State())
}

func TestFSMGotoBypassesTable(t *testing.T) {
	c := ResetCircuit()
	f := newTurnstile(t)
	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)

	_, err = c.Dispatch(f, GotoEvent("unlocked"), NewData())
	require.NoError(t, err)
	assert.Equal(t, "unlocked", f.State())
}

func TestFSMCondHookGuardsTransition(t *testing.T) {
	c := ResetCircuit()
	f := NewFSM("gate", []string{"closed", "open"})
	f.Transition("go", []string{"closed"}, "open")
	allow := false
	f.OnCond("go", func(f *FSM, data *Data) bool { return allow })
	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)

	_, err = c.Dispatch(f, "go", NewData())
	require.NoError(t, err)
	assert.Equal(t, "closed", f.State())

	allow = true
	_, err = c.Dispatch(f, "go", NewData())
	require.NoError(t, err)
	assert.Equal(t, "open", f.State())
}

func TestFSMEnterExitHooksAndChainedGoto(t *testing.T) {
	c := ResetCircuit()
	f := NewFSM("chain", []string{"a", "b", "c"})
	f.Transition("go", []string{"a"}, "b")
	f.Transition("go2", []string{"b"}, "c")

	var entered, exited []string
	f.OnEnter("b", func(f *FSM, data *Data) {
		entered = append(entered, "b")
		_, _ = f.Goto("c", data) // chained: b is an intermediate state
	})
	f.OnEnter("c", func(f *FSM, data *Data) {
		entered = append(entered, "c")
	})
	f.OnExit("b", func(f *FSM, data *Data) {
		exited = append(exited, "b")
	})

	var enterCEvents, enterBEvents int
	// The on_enter events go to a separate block: one sent back to f while
	// f is still handling "go" would be rejected by the reentry guard.
	reactor := NewSBlock("reactor")
	f.OnEnterEvent("b", NewEvent(BlockRef(reactor), "noop-b"))
	f.OnEnterEvent("c", NewEvent(BlockRef(reactor), "noop-c"))
	reactor.On("noop-b", func(s *SBlock, data *Data) (any, error) { enterBEvents++; return nil, nil })
	reactor.On("noop-c", func(s *SBlock, data *Data) (any, error) { enterCEvents++; return nil, nil })

	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)
	assert.Equal(t, "a", f.State())

	_, err = c.Dispatch(f, "go", NewData())
	require.NoError(t, err)

	assert.Equal(t, "c", f.State(), "Goto called from Enter(b) chains straight through to c")
	assert.Equal(t, []string{"b", "c"}, entered, "both Enter hook functions run for real")
	assert.Equal(t, []string{"b"}, exited, "b's real Exit hook runs even though it was only an intermediate state")
	assert.Equal(t, 0, enterBEvents, "declarative on_enter for the intermediate state b must be suppressed")
	assert.Equal(t, 1, enterCEvents, "declarative on_enter fires only for the final state of the chain")
}

func TestFSMSecondGotoDuringSameEnterRejected(t *testing.T) {
	c := ResetCircuit()
	f := NewFSM("bad", []string{"a", "b", "c"})
	f.Transition("go", []string{"a"}, "b")
	var secondErr error
	f.OnEnter("b", func(f *FSM, data *Data) {
		_, _ = f.Goto("c", data)
		_, secondErr = f.Goto("a", data)
	})
	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)

	_, err = c.Dispatch(f, "go", NewData())
	require.NoError(t, err)
	assert.ErrorIs(t, secondErr, ErrInvalidState)
}

func TestFSMOnNotransFiresOnRejectAndUnknownEvent(t *testing.T) {
	c := ResetCircuit()
	f := newTurnstile(t)
	var notrans int
	reactor := NewSBlock("reactor")
	reactor.On("notrans", func(s *SBlock, data *Data) (any, error) { notrans++; return nil, nil })
	f.OnNotrans(NewEvent(BlockRef(reactor), "notrans"))
	require.NoError(t, c.Finalize())
	_, err := f.InitRegular()
	require.NoError(t, err)

	_, err = c.Dispatch(f, "push", NewData()) // rejected explicitly while locked
	require.NoError(t, err)
	assert.Equal(t, 1, notrans)

	_, err = c.Dispatch(f, "unknown-event", NewData()) // no table entry anywhere
	require.NoError(t, err)
	assert.Equal(t, 2, notrans)
}

func TestFSMTimerFiresSelfEvent(t *testing.T) {
	c := ResetCircuit()
	f := NewFSM("timed", []string{"idle", "waiting"})
	f.Transition("start", []string{"idle"}, "waiting")
	f.Transition("timeout", []string{"waiting"}, "idle")
	f.SetTimer("waiting", TimerSpec{DefaultDuration: 20 * time.Millisecond, Event: "timeout"})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx, WithCatchSIGTERM(false)) }()

	require.Eventually(t, func() bool {
		return c.state.AtLeast(stateRunning)
	}, time.Second, time.Millisecond)

	_, err := c.ExternalSend("timed", "start", nil)
	require.NoError(t, err)
	assert.Equal(t, "waiting", f.State())

	require.Eventually(t, func() bool {
		return f.State() == "idle"
	}, time.Second, 5*time.Millisecond, "the timer wheel's self-dispatched \"timeout\" event must run on the simulation task")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFSMRestoreFSMStateSkipsEnterHook(t *testing.T) {
	ResetCircuit()
	f := NewFSM("resumed", []string{"a", "b"})
	var entered bool
	f.OnEnter("b", func(f *FSM, data *Data) { entered = true })

	require.NoError(t, f.RestoreFSMState("b", DataOf("count", 3)))
	assert.Equal(t, "b", f.State())
	assert.False(t, entered, "resumption must not invoke Enter")

	v, ok := f.SData().Get("count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}
