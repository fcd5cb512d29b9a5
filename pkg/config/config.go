// Package config provides the registration configuration model for mrireg.
// It handles defaults, positional command-line parsing with clamping,
// validation, and loading/saving configuration overlays from YAML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default option values
const (
	DefaultMaxStepLength    = 5.0
	DefaultMinStepLength    = 1.0e-5
	DefaultHistogramBins    = 128
	DefaultIterations       = 500
	DefaultSampleFraction   = 0.1
	DefaultPyramidLevels    = 3
	DefaultThreshold        = 0.0
	DefaultRelaxationFactor = 0.9

	// MinimumArguments is the number of required positional arguments
	MinimumArguments = 4
)

var (
	ErrMissingArguments   = errors.New("missing required arguments")
	ErrInvalidDimensions  = errors.New("invalid or missing image dimensions")
	ErrUnsupportedVariant = errors.New("unsupported dimension/transform combination")
	ErrHistoryUnwritable  = errors.New("unable to open the iteration history file")
)

// Usage is printed when fewer than MinimumArguments are supplied
const Usage = "Usage: mrireg DIMENSIONS TARGET MOVING HISTORY [MAXSTEP] [MINSTEP] " +
	"[SAMPLEFRACTION] [PYRAMIDLEVELS] [THRESHOLD] [METRIC] [ITERATIONS] [TRANSFORM]"

// RegistrationConfig holds every option of one registration run.
//
// After Validate the config is read-only. A run works on a Clone, whose
// CurrentSampleFraction is the decaying sampling budget consumed by the
// level-transition controller and whose PyramidLevels may be reduced when
// the coarsest level would be too small.
type RegistrationConfig struct {
	// Dimensions is the image dimensionality (2 or 3)
	Dimensions int `yaml:"dimensions"`

	Similarity   SimilarityKind   `yaml:"similarity"`
	Transform    TransformKind    `yaml:"transform"`
	Optimizer    OptimizerKind    `yaml:"optimizer"`
	Interpolator InterpolatorKind `yaml:"interpolator"`

	Optimization struct {
		// MaxStepLength is the initial step of the regular-step optimizer
		MaxStepLength float64 `yaml:"maxStepLength"`

		// MinStepLength stops the optimizer once the step relaxes below it
		MinStepLength float64 `yaml:"minStepLength"`

		// Iterations caps the optimizer iterations per resolution level
		Iterations int `yaml:"iterations"`

		// RelaxationFactor shrinks the step when the gradient changes direction
		RelaxationFactor float64 `yaml:"relaxationFactor"`
	} `yaml:"optimization"`

	Sampling struct {
		// HistogramBins is used by the histogram based similarity metrics
		HistogramBins int `yaml:"histogramBins"`

		// SampleFraction is the fraction of fixed voxels sampled, in (0,1]
		SampleFraction float64 `yaml:"sampleFraction"`

		// IntensityThreshold excludes darker fixed voxels from sampling when non-zero
		IntensityThreshold float64 `yaml:"intensityThreshold"`
	} `yaml:"sampling"`

	// PyramidLevels is the number of multi-resolution levels
	PyramidLevels int `yaml:"pyramidLevels"`

	Files struct {
		Target  string `yaml:"target"`
		Moving  string `yaml:"moving"`
		History string `yaml:"history"`

		// Output receives the resampled moving image when set
		Output string `yaml:"output,omitempty"`
	} `yaml:"files"`

	// CurrentSampleFraction is the sampling budget for the next level transition
	CurrentSampleFraction float64 `yaml:"-"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *RegistrationConfig {
	cfg := &RegistrationConfig{}

	cfg.Similarity = NormalizedCrossCorrelation
	cfg.Transform = Euler
	cfg.Optimizer = RegularGradientStep
	cfg.Interpolator = Linear

	cfg.Optimization.MaxStepLength = DefaultMaxStepLength
	cfg.Optimization.MinStepLength = DefaultMinStepLength
	cfg.Optimization.Iterations = DefaultIterations
	cfg.Optimization.RelaxationFactor = DefaultRelaxationFactor

	cfg.Sampling.HistogramBins = DefaultHistogramBins
	cfg.Sampling.SampleFraction = DefaultSampleFraction
	cfg.Sampling.IntensityThreshold = DefaultThreshold

	cfg.PyramidLevels = DefaultPyramidLevels

	return cfg
}

// ParseArgs fills cfg from the positional argument list
//
//	DIMENSIONS TARGET MOVING HISTORY [MAXSTEP] [MINSTEP] [SAMPLEFRACTION]
//	[PYRAMIDLEVELS] [THRESHOLD] [METRIC] [ITERATIONS] [TRANSFORM]
//
// Out-of-range enumerations, sample fractions and iteration caps are clamped
// to their defaults with a warning written to warn; parsing continues.
//
// Parameters:
//   - cfg: Configuration to update (usually DefaultConfig or a YAML overlay)
//   - args: Positional arguments, program name excluded
//   - warn: Destination for clamp warnings
//
// Returns:
//   - ErrMissingArguments if fewer than MinimumArguments were given, or a
//     parse error naming the offending argument
func ParseArgs(cfg *RegistrationConfig, args []string, warn io.Writer) error {
	if len(args) < MinimumArguments {
		return fmt.Errorf("%w: got %d, need %d", ErrMissingArguments, len(args), MinimumArguments)
	}

	dims, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDimensions, args[0])
	}
	cfg.Dimensions = dims
	cfg.Files.Target = args[1]
	cfg.Files.Moving = args[2]
	cfg.Files.History = args[3]

	if len(args) > 4 {
		if cfg.Optimization.MaxStepLength, err = parseFloat("MAXSTEP", args[4]); err != nil {
			return err
		}
	}
	if len(args) > 5 {
		if cfg.Optimization.MinStepLength, err = parseFloat("MINSTEP", args[5]); err != nil {
			return err
		}
	}
	if len(args) > 6 {
		if cfg.Sampling.SampleFraction, err = parseFloat("SAMPLEFRACTION", args[6]); err != nil {
			return err
		}
	}
	if len(args) > 7 {
		if cfg.PyramidLevels, err = parseInt("PYRAMIDLEVELS", args[7]); err != nil {
			return err
		}
	}
	if len(args) > 8 {
		if cfg.Sampling.IntensityThreshold, err = parseFloat("THRESHOLD", args[8]); err != nil {
			return err
		}
	}
	if len(args) > 9 {
		v, err := parseInt("METRIC", args[9])
		if err != nil {
			return err
		}
		cfg.Similarity = SimilarityKind(v)
	}
	if len(args) > 10 {
		if cfg.Optimization.Iterations, err = parseInt("ITERATIONS", args[10]); err != nil {
			return err
		}
	}
	if len(args) > 11 {
		v, err := parseInt("TRANSFORM", args[11])
		if err != nil {
			return err
		}
		cfg.Transform = TransformKind(v)
	}

	cfg.Clamp(warn)
	return nil
}

// Clamp substitutes defaults for out-of-range values, printing one warning
// per substitution. It never fails.
func (c *RegistrationConfig) Clamp(warn io.Writer) {
	if warn == nil {
		warn = io.Discard
	}

	if f := c.Sampling.SampleFraction; !(f > 0 && f <= 1) {
		fmt.Fprintf(warn, "Warning: spatial sample fraction %g is outside (0,1]; "+
			"it is the fraction of voxels used to compute the similarity. Using %g\n", f, DefaultSampleFraction)
		c.Sampling.SampleFraction = DefaultSampleFraction
	}
	if !c.Similarity.Valid() {
		fmt.Fprintf(warn, "Warning: invalid similarity specifier %d\n", int(c.Similarity))
		for _, k := range SimilarityKinds() {
			fmt.Fprintf(warn, "  %d - %s\n", int(k), k)
		}
		fmt.Fprintf(warn, "Setting the metric to %s\n", NormalizedCrossCorrelation)
		c.Similarity = NormalizedCrossCorrelation
	}
	if c.Optimization.Iterations < 1 {
		fmt.Fprintf(warn, "Warning: invalid maximum number of iterations %d; must be at least 1. Using %d\n",
			c.Optimization.Iterations, DefaultIterations)
		c.Optimization.Iterations = DefaultIterations
	}
	if !c.Transform.Valid() {
		fmt.Fprintf(warn, "Warning: invalid transform specifier %d\n", int(c.Transform))
		fmt.Fprintf(warn, "  0 - Euler\n  1 - Affine\n")
		fmt.Fprintf(warn, "Setting the transformation to the default: %s\n", Euler)
		c.Transform = Euler
	}
	if c.PyramidLevels < 1 {
		fmt.Fprintf(warn, "Warning: invalid number of pyramid levels %d. Using 1\n", c.PyramidLevels)
		c.PyramidLevels = 1
	}
	if c.Sampling.HistogramBins < 2 {
		fmt.Fprintf(warn, "Warning: invalid number of histogram bins %d. Using %d\n",
			c.Sampling.HistogramBins, DefaultHistogramBins)
		c.Sampling.HistogramBins = DefaultHistogramBins
	}
	if r := c.Optimization.RelaxationFactor; !(r > 0 && r < 1) {
		c.Optimization.RelaxationFactor = DefaultRelaxationFactor
	}
	c.CurrentSampleFraction = c.Sampling.SampleFraction
}

// Validate checks the configuration before any pipeline work begins.
// Unsupported dimension/transform combinations are rejected here rather
// than discovered mid-run.
func (c *RegistrationConfig) Validate() error {
	if c.Files.Target == "" || c.Files.Moving == "" || c.Files.History == "" {
		return fmt.Errorf("%w: target, moving and history files are required", ErrMissingArguments)
	}
	if c.Dimensions == 0 {
		return ErrInvalidDimensions
	}
	if _, err := ResolveVariant(c.Dimensions, c.Transform); err != nil {
		return err
	}
	if !positive(c.Optimization.MaxStepLength) || !positive(c.Optimization.MinStepLength) {
		return fmt.Errorf("step lengths must be positive and finite (max %g, min %g)",
			c.Optimization.MaxStepLength, c.Optimization.MinStepLength)
	}
	if t := c.Sampling.IntensityThreshold; math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("intensity threshold must be finite, got %g", t)
	}
	if c.CurrentSampleFraction == 0 {
		c.CurrentSampleFraction = c.Sampling.SampleFraction
	}
	return nil
}

// positive is false for NaN and infinities
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Clone returns a copy of c with the sampling budget reset to the
// configured sample fraction, ready for a new run.
func (c *RegistrationConfig) Clone() *RegistrationConfig {
	run := *c
	run.CurrentSampleFraction = c.Sampling.SampleFraction
	return &run
}

// OpenHistory truncates the history file to check it is writable and
// returns it opened for appending. The caller owns the returned file.
func (c *RegistrationConfig) OpenHistory() (*os.File, error) {
	f, err := os.OpenFile(c.Files.History, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnwritable, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnwritable, err)
	}

	f, err = os.OpenFile(c.Files.History, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnwritable, err)
	}
	return f, nil
}

// Print writes the effective options to w
func (c *RegistrationConfig) Print(w io.Writer) {
	fmt.Fprintf(w, "Setting maximum step size to: %g\n", c.Optimization.MaxStepLength)
	fmt.Fprintf(w, "Setting minimum step size to: %g\n", c.Optimization.MinStepLength)
	fmt.Fprintf(w, "Setting # of spatial samples to: %g%%\n", c.Sampling.SampleFraction*100)
	fmt.Fprintf(w, "Similarity: %s, transform: %s, optimizer: %s, interpolator: %s\n",
		c.Similarity, c.Transform, c.Optimizer, c.Interpolator)
}

// LoadConfig loads a configuration overlay from a YAML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*RegistrationConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *RegistrationConfig, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

func parseInt(name, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}
