package circuit

import (
	"os"
	"os/signal"
	"syscall"
)

// installSIGTERMHandler converts the process's first SIGTERM into a call
// to cancel, for the duration of one Run call (§4.6, §6's signal hook). It
// returns a restore function that stops the handler; no other signal is
// ever handled by the engine.
func installSIGTERMHandler(cancel func()) (restore func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
