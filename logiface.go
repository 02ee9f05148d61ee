package circuit

import (
	"github.com/joeycumines/logiface"
)

// NewLogifaceLogger adapts a github.com/joeycumines/logiface Logger into
// the circuit.Logger sink contract, so a host that already standardized on
// logiface (e.g. via github.com/joeycumines/logiface-slog writing to
// log/slog) can reuse it for the circuit's structured records instead of
// plumbing a second logging library through. E is the concrete logiface
// event type of the underlying writer (e.g. *slog.Event).
func NewLogifaceLogger[E logiface.Event](l *logiface.Logger[E]) Logger {
	return logifaceLogger[E]{l: l}
}

type logifaceLogger[E logiface.Event] struct {
	l *logiface.Logger[E]
}

func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func (a logifaceLogger[E]) Enabled(level Level) bool {
	if a.l == nil {
		return false
	}
	return toLogifaceLevel(level) <= a.l.Level()
}

func (a logifaceLogger[E]) Log(e Entry) {
	if a.l == nil {
		return
	}
	b := a.l.Build(toLogifaceLevel(e.Level))
	if e.Block != "" {
		b = b.Str("block", e.Block)
	}
	if e.Err != nil {
		b = b.Err(e.Err)
	}
	for k, v := range e.Fields {
		b = b.Any(k, v)
	}
	b.Log(e.Message)
}
