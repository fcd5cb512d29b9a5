package control

import (
	"fmt"
	"io"

	"mrireg/pkg/history"
	"mrireg/pkg/registration"
)

// IterationLogger appends every optimizer iteration to the history and
// mirrors it to the console.
type IterationLogger struct {
	sink    *history.Sink
	console io.Writer
}

// NewIterationLogger creates a logger
func NewIterationLogger(sink *history.Sink, console io.Writer) *IterationLogger {
	if console == nil {
		console = io.Discard
	}
	return &IterationLogger{sink: sink, console: console}
}

// OnIterationComplete implements registration.IterationObserver
func (l *IterationLogger) OnIterationComplete(s registration.IterationState) {
	if l.sink != nil {
		l.sink.WriteIteration(s.Index, s.Value, s.Position)
	}
	fmt.Fprintln(l.console, history.FormatIteration(s.Index, s.Value, s.Position))
}
