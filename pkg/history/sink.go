// Package history writes the registration history artifact: one line per
// optimizer iteration plus a block at every resolution level boundary.
package history

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Divider separates level blocks
const Divider = "-------------------------------------"

// LevelRecord is written at every level boundary
type LevelRecord struct {
	Level         int
	MaxStepLength float64
	MinStepLength float64
	// Factors is the rendered pyramid factor vector, e.g. "[4 4 1]"
	Factors string
	// Samples is the spatial sample count; HasSamples is false for metrics
	// that do not sample
	Samples    int
	HasSamples bool
	// LevelPixels is the fixed region pixel count at the new level
	LevelPixels int
}

// Sink appends history records to a writer. Write failures never stop the
// run: each one is reported to the diagnostic writer and the logger, and
// the first is kept for Err.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	diag   io.Writer
	logger *slog.Logger
	err    error
}

// NewSink creates a sink over w. diag receives write-failure diagnostics.
func NewSink(w io.Writer, diag io.Writer, logger *slog.Logger) *Sink {
	if diag == nil {
		diag = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{w: w, diag: diag, logger: logger}
}

// Err returns the first write failure, if any
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sink) write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		if s.err == nil {
			s.err = err
		}
		fmt.Fprintf(s.diag, "Warning: unable to write iteration history: %v\n", err)
		s.logger.Warn("History write failed", "error", err)
	}
}

// FormatIteration renders one iteration line without the newline
func FormatIteration(iteration int, value float64, params []float64) string {
	return fmt.Sprintf("%d\t%.10g\t%s", iteration, value, FormatParameters(params))
}

// FormatParameters renders a parameter vector separated by spaces
func FormatParameters(params []float64) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%.10g", p)
	}
	return strings.Join(parts, " ")
}

// WriteIteration appends "iteration<TAB>cost<TAB>p0 p1 ..."
func (s *Sink) WriteIteration(iteration int, value float64, params []float64) {
	s.write(FormatIteration(iteration, value, params) + "\n")
}

// FormatLevel renders a level block
func FormatLevel(r LevelRecord) string {
	var b strings.Builder
	if r.HasSamples {
		fmt.Fprintf(&b, "Number of spatial samples: %d of %d\n", r.Samples, r.LevelPixels)
	}
	fmt.Fprintf(&b, "Maximum Step Length: %g\n", r.MaxStepLength)
	fmt.Fprintf(&b, "Minimum Step Length: %g\n", r.MinStepLength)
	b.WriteString(Divider + "\n")
	fmt.Fprintf(&b, "Pyramid Schedule: %s\n", r.Factors)
	fmt.Fprintf(&b, "MultiResolution Level: %d\n\n", r.Level)
	return b.String()
}

// WriteLevel appends a level block
func (s *Sink) WriteLevel(r LevelRecord) {
	s.write(FormatLevel(r))
}

// WriteStopCondition appends the optimizer stop reason
func (s *Sink) WriteStopCondition(description string) {
	s.write("Optimizer stop condition: " + description + "\n")
}

// WriteResult appends the final parameters and the matrix/offset form of
// the transform.
func (s *Sink) WriteResult(params []float64, matrix *mat.Dense, offset []float64) {
	var b strings.Builder
	b.WriteString("\nFinal parameters: " + FormatParameters(params) + "\n")
	if matrix != nil {
		b.WriteString("Matrix:\n")
		r, c := matrix.Dims()
		for i := 0; i < r; i++ {
			row := make([]float64, c)
			mat.Row(row, i, matrix)
			b.WriteString("  " + FormatParameters(row) + "\n")
		}
	}
	if offset != nil {
		b.WriteString("Offset: " + FormatParameters(offset) + "\n")
	}
	s.write(b.String())
}

// WriteError records an aborted registration
func (s *Sink) WriteError(err error) {
	s.write("Registration failed: " + err.Error() + "\n")
}
