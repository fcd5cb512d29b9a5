// Package dispatch maps the configured strategy kinds onto concrete
// similarity, interpolator and optimizer components and attaches them to a
// registration pipeline.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"mrireg/pkg/config"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/metric"
	"mrireg/pkg/optimizer"
)

const (
	// GradientDerivativeDelta is applied to the gradient difference metric
	GradientDerivativeDelta = 0.5

	// ParzenStdDev is the kernel width used for Viola-Wells mutual information
	ParzenStdDev = 0.4
)

var (
	ErrUnsupportedSimilarity   = errors.New("unknown or unsupported similarity settings")
	ErrUnsupportedInterpolator = errors.New("unknown or unsupported interpolator settings")
)

// Error tags a dispatch failure with a stable identifier
type Error struct {
	Tag  string
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Tag, e.Err, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	TagInvalidSimilarity   = "mrireg:dispatch:invalidSimilaritySettings"
	TagInvalidInterpolator = "mrireg:dispatch:invalidInterpolatorSettings"
)

// Pipeline is the half-built registration the dispatcher attaches to
type Pipeline interface {
	SetMetric(m metric.Metric)
	SetInterpolator(i interpolate.Interpolator)
	SetOptimizer(o optimizer.Optimizer)
}

type (
	SimilarityFactory   func(cfg *config.RegistrationConfig) metric.Metric
	InterpolatorFactory func(cfg *config.RegistrationConfig) interpolate.Interpolator
	OptimizerFactory    func(cfg *config.RegistrationConfig) optimizer.Optimizer
)

// Table holds the factories known for one pipeline variant
type Table struct {
	Similarity   map[config.SimilarityKind]SimilarityFactory
	Interpolator map[config.InterpolatorKind]InterpolatorFactory
	Optimizer    map[config.OptimizerKind]OptimizerFactory
}

// DefaultTable lists every supported component. All kinds are available for
// both 2-D and 3-D pipelines.
func DefaultTable() *Table {
	return &Table{
		Similarity: map[config.SimilarityKind]SimilarityFactory{
			config.MeanSquares:                          newMeanSquares,
			config.GradientDifference:                   newGradientDifference,
			config.MutualInformation:                    newMutualInformation,
			config.NormalizedCrossCorrelation:           newNormalizedCrossCorrelation,
			config.MattesMutualInformation:              newMattes,
			config.MutualInformationHistogram:           newMutualInformationHistogram,
			config.NormalizedMutualInformationHistogram: newNormalizedMutualInformationHistogram,
		},
		Interpolator: map[config.InterpolatorKind]InterpolatorFactory{
			config.Linear: func(*config.RegistrationConfig) interpolate.Interpolator {
				return interpolate.NewLinear()
			},
		},
		Optimizer: map[config.OptimizerKind]OptimizerFactory{
			config.RegularGradientStep: newRegularStep,
		},
	}
}

// Dispatch attaches components from the default table
func Dispatch(cfg *config.RegistrationConfig, p Pipeline, logger *slog.Logger) error {
	return DefaultTable().Dispatch(cfg, p, logger)
}

// Dispatch builds the similarity, interpolator and optimizer selected by cfg
// and attaches them to p. Nothing is attached when the similarity or
// interpolator kind is not in the table. An unknown optimizer kind only
// logs a warning and leaves p without an optimizer.
//
// Parameters:
//   - cfg: Validated configuration
//   - p: Pipeline receiving the components
//   - logger: Receives the unknown-optimizer warning
//
// Returns:
//   - An *Error wrapping ErrUnsupportedSimilarity or ErrUnsupportedInterpolator
func (t *Table) Dispatch(cfg *config.RegistrationConfig, p Pipeline, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	newMetric, ok := t.Similarity[cfg.Similarity]
	if !ok {
		return &Error{Tag: TagInvalidSimilarity, Kind: cfg.Similarity.String(), Err: ErrUnsupportedSimilarity}
	}
	newInterp, ok := t.Interpolator[cfg.Interpolator]
	if !ok {
		return &Error{Tag: TagInvalidInterpolator, Kind: cfg.Interpolator.String(), Err: ErrUnsupportedInterpolator}
	}

	m := newMetric(cfg)
	if th, ok := m.(metric.ThresholdSetter); ok {
		th.SetFixedImageThreshold(cfg.Sampling.IntensityThreshold)
	}
	p.SetMetric(m)
	p.SetInterpolator(newInterp(cfg))

	newOpt, ok := t.Optimizer[cfg.Optimizer]
	if !ok {
		logger.Warn("Unknown or unsupported optimizer settings", "optimizer", cfg.Optimizer.String())
		return nil
	}
	p.SetOptimizer(newOpt(cfg))
	return nil
}

func newMeanSquares(*config.RegistrationConfig) metric.Metric {
	return metric.NewMeanSquares()
}

func newGradientDifference(*config.RegistrationConfig) metric.Metric {
	m := metric.NewGradientDifference()
	m.SetDerivativeDelta(GradientDerivativeDelta)
	return m
}

// newMutualInformation builds Viola-Wells mutual information. Until the
// level controller sets a sample count every fixed voxel is used.
func newMutualInformation(*config.RegistrationConfig) metric.Metric {
	m := metric.NewMutualInformation()
	m.SetParzenStdDev(ParzenStdDev, ParzenStdDev)
	m.SetNumberOfSpatialSamples(0)
	return m
}

func newNormalizedCrossCorrelation(*config.RegistrationConfig) metric.Metric {
	return metric.NewNormalizedCrossCorrelation()
}

func newMattes(cfg *config.RegistrationConfig) metric.Metric {
	m := metric.NewMattesMutualInformation()
	m.SetNumberOfHistogramBins(cfg.Sampling.HistogramBins)
	m.SetNumberOfSpatialSamples(0)
	m.ReinitializeSeed(metric.MattesSeed)
	return m
}

func newMutualInformationHistogram(cfg *config.RegistrationConfig) metric.Metric {
	m := metric.NewMutualInformationHistogram()
	m.SetNumberOfHistogramBins(cfg.Sampling.HistogramBins)
	return m
}

func newNormalizedMutualInformationHistogram(cfg *config.RegistrationConfig) metric.Metric {
	m := metric.NewNormalizedMutualInformationHistogram()
	m.SetNumberOfHistogramBins(cfg.Sampling.HistogramBins)
	return m
}

func newRegularStep(cfg *config.RegistrationConfig) optimizer.Optimizer {
	o := optimizer.NewRegularStepGradientDescent()
	o.SetMaximumStepLength(cfg.Optimization.MaxStepLength)
	o.SetMinimumStepLength(cfg.Optimization.MinStepLength)
	o.SetNumberOfIterations(cfg.Optimization.Iterations)
	o.SetRelaxationFactor(cfg.Optimization.RelaxationFactor)
	o.SetMaximize(cfg.Similarity.Maximizes())
	return o
}
