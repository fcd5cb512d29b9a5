// Package registration runs a multi-resolution image registration: for
// each pyramid level it notifies level observers, initializes the metric
// on the level images and runs the optimizer from the previous level's
// result.
package registration

import (
	"context"
	"errors"
	"fmt"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/metric"
	"mrireg/pkg/optimizer"
	"mrireg/pkg/pyramid"
	"mrireg/pkg/transform"
)

// ErrMissingComponent is returned by Run when a component was never attached
var ErrMissingComponent = errors.New("registration component not set")

// LevelState is passed to level observers before a level starts
type LevelState struct {
	Level    int
	Schedule pyramid.Schedule
	// FixedRegionPixels is the pixel count of the full-resolution fixed region
	FixedRegionPixels int
	Fixed             *models.Image
	Moving            *models.Image
	Metric            metric.Metric
	Optimizer         optimizer.Optimizer
	Transform         transform.Transform
}

// IterationState is passed to iteration observers after each optimizer iteration
type IterationState struct {
	Level int
	optimizer.Iteration
}

// LevelObserver is notified once per level, before the level runs
type LevelObserver interface {
	OnLevelAdvance(s LevelState)
}

// IterationObserver is notified after every optimizer iteration
type IterationObserver interface {
	OnIterationComplete(s IterationState)
}

// Method is a multi-resolution registration. Components are attached with
// the setters; Run executes it.
type Method struct {
	metric    metric.Metric
	interp    interpolate.Interpolator
	optimizer optimizer.Optimizer
	transform transform.Transform

	fixed       *models.Image
	moving      *models.Image
	fixedRegion *models.Region
	schedule    pyramid.Schedule
	initial     []float64

	levelObservers     []LevelObserver
	iterationObservers []IterationObserver

	level      int
	lastParams []float64
}

// New creates an empty registration method
func New() *Method {
	return &Method{}
}

func (m *Method) SetMetric(v metric.Metric)                  { m.metric = v }
func (m *Method) Metric() metric.Metric                      { return m.metric }
func (m *Method) SetInterpolator(v interpolate.Interpolator) { m.interp = v }
func (m *Method) Interpolator() interpolate.Interpolator     { return m.interp }
func (m *Method) SetTransform(v transform.Transform)         { m.transform = v }
func (m *Method) Transform() transform.Transform             { return m.transform }
func (m *Method) SetFixedImage(img *models.Image)            { m.fixed = img }
func (m *Method) FixedImage() *models.Image                  { return m.fixed }
func (m *Method) SetMovingImage(img *models.Image)           { m.moving = img }
func (m *Method) MovingImage() *models.Image                 { return m.moving }
func (m *Method) SetSchedule(s pyramid.Schedule)             { m.schedule = s }
func (m *Method) Schedule() pyramid.Schedule                 { return m.schedule }

// SetOptimizer attaches the optimizer and forwards its iterations to the
// iteration observers.
func (m *Method) SetOptimizer(o optimizer.Optimizer) {
	m.optimizer = o
	if o == nil {
		return
	}
	o.AddObserver(func(it optimizer.Iteration) {
		s := IterationState{Level: m.level, Iteration: it}
		for _, obs := range m.iterationObservers {
			obs.OnIterationComplete(s)
		}
	})
}

func (m *Method) Optimizer() optimizer.Optimizer { return m.optimizer }

// SetFixedRegion restricts the metric to a region of the full-resolution
// fixed image.
func (m *Method) SetFixedRegion(r models.Region) {
	m.fixedRegion = &r
}

// FixedRegion returns the configured region, or the whole fixed image
func (m *Method) FixedRegion() models.Region {
	if m.fixedRegion != nil {
		return *m.fixedRegion
	}
	if m.fixed == nil {
		return models.Region{}
	}
	return m.fixed.LargestPossibleRegion()
}

// SetInitialParameters sets the starting transform parameters
func (m *Method) SetInitialParameters(p []float64) {
	m.initial = append([]float64(nil), p...)
}

func (m *Method) AddLevelObserver(o LevelObserver) {
	m.levelObservers = append(m.levelObservers, o)
}

func (m *Method) AddIterationObserver(o IterationObserver) {
	m.iterationObservers = append(m.iterationObservers, o)
}

// CurrentLevel returns the level being run, or the last one after Run
func (m *Method) CurrentLevel() int { return m.level }

// LastParameters returns the optimized parameters of the last Run
func (m *Method) LastParameters() []float64 {
	return append([]float64(nil), m.lastParams...)
}

func (m *Method) validate() error {
	missing := func(name string) error { return fmt.Errorf("%w: %s", ErrMissingComponent, name) }
	switch {
	case m.metric == nil:
		return missing("metric")
	case m.interp == nil:
		return missing("interpolator")
	case m.optimizer == nil:
		return missing("optimizer")
	case m.transform == nil:
		return missing("transform")
	case m.fixed == nil:
		return missing("fixed image")
	case m.moving == nil:
		return missing("moving image")
	}
	if m.fixed.Dimension() != m.moving.Dimension() {
		return fmt.Errorf("fixed image is %d-D but moving image is %d-D", m.fixed.Dimension(), m.moving.Dimension())
	}
	return nil
}

// Run executes every level of the schedule.
//
// Parameters:
//   - ctx: Cancels the optimization between iterations
//
// Returns:
//   - An error if a component is missing or a level fails
func (m *Method) Run(ctx context.Context) error {
	if err := m.validate(); err != nil {
		return err
	}
	schedule := m.schedule
	if schedule == nil {
		schedule = pyramid.DefaultSchedule(1, m.fixed.Dimension())
	}
	fixedPyramid, err := pyramid.NewImagePyramid(m.fixed, schedule)
	if err != nil {
		return err
	}
	movingPyramid, err := pyramid.NewImagePyramid(m.moving, schedule)
	if err != nil {
		return err
	}

	params := m.initial
	if params == nil {
		params = m.transform.Parameters()
	}
	region := m.FixedRegion()

	for level := 0; level < schedule.Levels(); level++ {
		m.level = level
		fixed := fixedPyramid.Level(level)
		moving := movingPyramid.Level(level)

		state := LevelState{
			Level:             level,
			Schedule:          schedule,
			FixedRegionPixels: region.NumberOfPixels(),
			Fixed:             fixed,
			Moving:            moving,
			Metric:            m.metric,
			Optimizer:         m.optimizer,
			Transform:         m.transform,
		}
		for _, obs := range m.levelObservers {
			obs.OnLevelAdvance(state)
		}

		levelRegion := scaleRegion(region, schedule.Factors(level), fixed.Size)
		if err := m.metric.Initialize(fixed, moving, levelRegion, m.transform, m.interp); err != nil {
			return fmt.Errorf("level %d: %w", level, err)
		}
		if err := m.optimizer.Optimize(ctx, m.metric, params); err != nil {
			return fmt.Errorf("level %d: %w", level, err)
		}
		params = m.optimizer.CurrentPosition()
	}

	m.lastParams = params
	return m.transform.SetParameters(params)
}

// scaleRegion maps a full-resolution region onto a downsampled grid
func scaleRegion(r models.Region, factors, size []int) models.Region {
	out := models.Region{Start: make([]int, len(size)), Size: make([]int, len(size))}
	for d := range size {
		out.Start[d] = min(r.Start[d]/factors[d], size[d]-1)
		out.Size[d] = max(1, min(r.Size[d]/factors[d], size[d]-out.Start[d]))
	}
	return out
}
