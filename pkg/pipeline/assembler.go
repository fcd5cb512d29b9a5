// Package pipeline assembles a complete registration from a validated
// configuration and drives it to completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"

	"mrireg/internal/logging"
	"mrireg/internal/models"
	"mrireg/pkg/config"
	"mrireg/pkg/control"
	"mrireg/pkg/dispatch"
	"mrireg/pkg/history"
	"mrireg/pkg/imageio"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/normalize"
	"mrireg/pkg/optimizer"
	"mrireg/pkg/pyramid"
	"mrireg/pkg/quality"
	"mrireg/pkg/registration"
	"mrireg/pkg/transform"
)

// OutputDefaultPixel fills resampled voxels that map outside the moving image
const OutputDefaultPixel = -100.0

var (
	// ErrNoOptimizer is returned when the dispatcher attached no optimizer
	ErrNoOptimizer = errors.New("no optimizer attached to the registration")

	// ErrRegistrationFailed wraps errors raised while the registration runs
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrOutputWrite is returned with a valid Result when the registration
	// completed but the registered image could not be saved
	ErrOutputWrite = errors.New("failed to write registered image")
)

// Result is the outcome of a completed registration
type Result struct {
	Variant config.Variant

	// Parameters is the final transform parameter vector
	Parameters []float64

	// Transform is re-materialized with Parameters
	Transform transform.Transform

	// Matrix and Offset are the equivalent affine decomposition
	Matrix *mat.Dense
	Offset []float64

	StopCondition string

	// Levels is the number of pyramid levels actually run
	Levels int

	// Registered is the moving image resampled onto the target grid
	Registered *models.Image

	// Quality compares Registered with the target
	Quality quality.ValidationMetrics
}

// Assembler builds and runs registrations
type Assembler struct {
	reader  imageio.Reader
	table   *dispatch.Table
	history io.Writer
	console io.Writer
	diag    io.Writer
	logger  *slog.Logger
}

// Option configures an Assembler
type Option func(*Assembler)

// WithReader replaces the file system image reader
func WithReader(r imageio.Reader) Option {
	return func(a *Assembler) { a.reader = r }
}

// WithTable replaces the default dispatch table
func WithTable(t *dispatch.Table) Option {
	return func(a *Assembler) { a.table = t }
}

// WithHistory sets an already opened history writer. Without it Assemble
// opens cfg.Files.History itself and closes it when done.
func WithHistory(w io.Writer) Option {
	return func(a *Assembler) { a.history = w }
}

// WithConsole sets the live console stream
func WithConsole(w io.Writer) Option {
	return func(a *Assembler) { a.console = w }
}

// WithDiagnostics sets the writer for warnings
func WithDiagnostics(w io.Writer) Option {
	return func(a *Assembler) { a.diag = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// NewAssembler creates an assembler. By default images are read from
// disk, the full dispatch table is used and console output is discarded.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		reader:  imageio.FileReader{},
		table:   dispatch.DefaultTable(),
		console: io.Discard,
		diag:    io.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the registration selected by cfg, runs it and reports
// the final transform.
//
// Parameters:
//   - ctx: Stops the optimizer between iterations when cancelled
//   - cfg: Validated configuration. It is not modified; the run consumes
//     the sampling budget of a clone, and Result.Levels reports the
//     pyramid levels actually used.
//
// Returns:
//   - The final transform, or a configuration error (unsupported variant,
//     dispatch failure, missing optimizer, unreadable image) or an error
//     wrapping ErrRegistrationFailed when the engine fails. A completed
//     run whose output cannot be saved returns the Result together with
//     ErrOutputWrite.
func (a *Assembler) Assemble(ctx context.Context, cfg *config.RegistrationConfig) (*Result, error) {
	start := time.Now()
	cfg = cfg.Clone()

	variant, err := config.ResolveVariant(cfg.Dimensions, cfg.Transform)
	if err != nil {
		return nil, err
	}
	method := registration.New()

	if err := a.table.Dispatch(cfg, method, a.logger); err != nil {
		return nil, err
	}
	if method.Optimizer() == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOptimizer, cfg.Optimizer)
	}

	fixed, moving, err := a.loadImages(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Similarity.RequiresNormalizedInput() {
		method.SetFixedImage(normalize.Normalize(fixed))
		method.SetMovingImage(normalize.Normalize(moving))
	} else {
		method.SetFixedImage(fixed)
		method.SetMovingImage(moving)
	}
	method.SetFixedRegion(fixed.LargestPossibleRegion())

	tr, err := transform.New(variant)
	if err != nil {
		return nil, err
	}
	transform.InitializeFromMoments(tr, fixed, moving)
	method.SetTransform(tr)
	method.SetInitialParameters(tr.Parameters())

	if scaled, ok := method.Optimizer().(optimizer.Scaled); ok {
		ones := make([]float64, tr.NumberOfParameters())
		for i := range ones {
			ones[i] = 1.0
		}
		scaled.SetScales(ones)
	}

	schedule := pyramid.Build(cfg.PyramidLevels, fixed.Size)
	if schedule.Levels() != cfg.PyramidLevels {
		fmt.Fprintf(a.diag, "Warning: reducing pyramid levels from %d to %d for a %v image\n",
			cfg.PyramidLevels, schedule.Levels(), fixed.Size)
		cfg.PyramidLevels = schedule.Levels()
	}
	method.SetSchedule(schedule)

	hw, closeHistory, err := a.openHistory(cfg)
	if err != nil {
		return nil, err
	}
	defer closeHistory()

	sink := history.NewSink(hw, a.console, a.logger)
	mirror := history.NewSink(a.console, nil, a.logger)
	method.AddLevelObserver(control.NewLevelController(cfg, sink, a.console))
	method.AddIterationObserver(control.NewIterationLogger(sink, a.console))

	logging.LogRunStart(a.logger, variant.String(), cfg.Similarity.String(),
		cfg.Files.Target, cfg.Files.Moving, schedule.Levels())

	if err := method.Run(ctx); err != nil {
		sink.WriteError(err)
		mirror.WriteError(err)
		logging.LogRunError(a.logger, time.Since(start), method.CurrentLevel(), err)
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	params := method.LastParameters()
	final := tr.Clone()
	if err := final.SetParameters(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	result := &Result{
		Variant:       variant,
		Parameters:    params,
		Transform:     final,
		Matrix:        final.Matrix(),
		Offset:        final.Offset(),
		StopCondition: method.Optimizer().StopConditionDescription(),
		Levels:        schedule.Levels(),
	}

	for _, s := range []*history.Sink{sink, mirror} {
		s.WriteStopCondition(result.StopCondition)
		s.WriteResult(result.Parameters, result.Matrix, result.Offset)
	}
	logging.LogRunComplete(a.logger, time.Since(start), result.StopCondition, params)

	result.Registered = registration.Resample(moving, fixed, final, interpolate.NewLinear(), OutputDefaultPixel)
	if q, err := quality.Measure(fixed, result.Registered, OutputDefaultPixel); err != nil {
		a.logger.Warn("Unable to measure registration quality", "error", err)
	} else {
		result.Quality = q
		q.Print(a.console)
	}

	if cfg.Files.Output != "" {
		if err := imageio.Write(cfg.Files.Output, result.Registered, moving.Type); err != nil {
			return result, fmt.Errorf("%w: %w", ErrOutputWrite, err)
		}
		fmt.Fprintf(a.console, "Registered image saved to: %s\n", cfg.Files.Output)
	}

	return result, nil
}

func (a *Assembler) loadImages(cfg *config.RegistrationConfig) (fixed, moving *models.Image, err error) {
	fixed, err = a.reader.ReadImage(cfg.Files.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load target image: %w", err)
	}
	moving, err = a.reader.ReadImage(cfg.Files.Moving)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load moving image: %w", err)
	}
	if fixed.Dimension() != cfg.Dimensions || moving.Dimension() != cfg.Dimensions {
		return nil, nil, fmt.Errorf("%w: expected %d-D images, target is %d-D and moving is %d-D",
			config.ErrInvalidDimensions, cfg.Dimensions, fixed.Dimension(), moving.Dimension())
	}
	return fixed, moving, nil
}

func (a *Assembler) openHistory(cfg *config.RegistrationConfig) (io.Writer, func(), error) {
	if a.history != nil {
		return a.history, func() {}, nil
	}
	f, err := cfg.OpenHistory()
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			a.logger.Warn("Failed to close history file", "path", cfg.Files.History, "error", err)
		}
	}, nil
}
