// Package control holds the observers that steer a registration while it
// runs: the level-transition controller adapts the optimizer and metric at
// every resolution level, and the iteration logger records convergence.
package control

import (
	"fmt"
	"io"
	"math"

	"mrireg/pkg/config"
	"mrireg/pkg/history"
	"mrireg/pkg/metric"
	"mrireg/pkg/optimizer"
	"mrireg/pkg/registration"
	"mrireg/pkg/transform"
)

// SampleDecay multiplies the sampling budget after every level
const SampleDecay = 0.5

// LevelController adapts the optimizer and the metric at each level
// boundary.
//
// Level 0 computes the transform-specific optimizer scales and leaves the
// step lengths as configured. Every later level halves the maximum step
// length and divides the minimum step length by ten. The scales are
// re-applied at every level. Metrics that consume a spatial sample count
// get floor(f * P / (fx * fy)) samples, where P is the full-resolution
// fixed region size and f the current sample fraction, which is then
// halved.
type LevelController struct {
	cfg     *config.RegistrationConfig
	sink    *history.Sink
	console io.Writer
	scales  []float64
}

// NewLevelController creates a controller. cfg.CurrentSampleFraction is the
// sampling budget it consumes.
func NewLevelController(cfg *config.RegistrationConfig, sink *history.Sink, console io.Writer) *LevelController {
	if console == nil {
		console = io.Discard
	}
	return &LevelController{cfg: cfg, sink: sink, console: console}
}

// Scales returns the scales applied at the latest level
func (c *LevelController) Scales() []float64 {
	return append([]float64(nil), c.scales...)
}

// OnLevelAdvance implements registration.LevelObserver
func (c *LevelController) OnLevelAdvance(s registration.LevelState) {
	steps, hasSteps := s.Optimizer.(optimizer.StepLengths)

	if s.Level == 0 {
		if s.Transform != nil {
			c.scales = transform.DefaultScales(s.Transform)
		}
	} else if hasSteps {
		steps.SetMaximumStepLength(steps.MaximumStepLength() / 2)
		steps.SetMinimumStepLength(steps.MinimumStepLength() / 10)
	}

	if scaled, ok := s.Optimizer.(optimizer.Scaled); ok {
		if c.scales == nil {
			c.scales = scaled.Scales()
		}
		scaled.SetScales(c.scales)
	}

	record := history.LevelRecord{
		Level:   s.Level,
		Factors: s.Schedule.FormatFactors(s.Level),
	}
	if hasSteps {
		record.MaxStepLength = steps.MaximumStepLength()
		record.MinStepLength = steps.MinimumStepLength()
	}

	if sampler, ok := s.Metric.(metric.SpatialSampler); ok {
		factors := s.Schedule.Factors(s.Level)
		area := factors[0] * factors[1]
		n := SampleCount(c.cfg.CurrentSampleFraction, s.FixedRegionPixels, factors)
		sampler.SetNumberOfSpatialSamples(n)
		c.cfg.CurrentSampleFraction *= SampleDecay

		record.HasSamples = true
		record.Samples = sampler.NumberOfSpatialSamples()
		record.LevelPixels = s.FixedRegionPixels / area
	}

	if c.sink != nil {
		c.sink.WriteLevel(record)
	}
	fmt.Fprint(c.console, "\n"+history.FormatLevel(record))
}

// SampleCount is floor(fraction * pixels / (fx * fy)) for the in-plane
// factors of a level.
func SampleCount(fraction float64, pixels int, factors []int) int {
	return int(math.Floor(fraction * float64(pixels) / float64(factors[0]*factors[1])))
}
