// Package optimizer provides the regular-step gradient descent optimizer
// that drives each resolution level of a registration.
package optimizer

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const (
	DefaultMaximumStepLength          = 1.0
	DefaultMinimumStepLength          = 1e-3
	DefaultNumberOfIterations         = 100
	DefaultRelaxationFactor           = 0.5
	DefaultGradientMagnitudeTolerance = 1e-4
)

// CostFunction is the objective evaluated at each iteration
type CostFunction interface {
	ValueAndDerivative(params []float64) (float64, []float64, error)
}

// Iteration describes one evaluation of the cost function
type Iteration struct {
	// Index counts evaluations from 0 within one optimization
	Index int
	// Value of the cost function at the evaluated position
	Value float64
	// Position after the step, or the evaluated position when the
	// optimization stopped at this evaluation
	Position   []float64
	StepLength float64
}

// Observer receives every iteration
type Observer func(Iteration)

// Optimizer is the contract the registration method needs from an optimizer
type Optimizer interface {
	Name() string
	Optimize(ctx context.Context, cost CostFunction, initial []float64) error
	CurrentPosition() []float64
	Value() float64
	StopConditionDescription() string
	AddObserver(o Observer)
}

// StepLengths is implemented by optimizers with a bounded step length
type StepLengths interface {
	MaximumStepLength() float64
	SetMaximumStepLength(v float64)
	MinimumStepLength() float64
	SetMinimumStepLength(v float64)
}

// Scaled is implemented by optimizers that weight parameters
type Scaled interface {
	Scales() []float64
	SetScales(s []float64)
}

// StopCondition identifies why an optimization ended
type StopCondition int

const (
	NotStopped StopCondition = iota
	MaximumNumberOfIterations
	GradientMagnitudeTolerance
	StepTooSmall
	CostFunctionError
	Cancelled
)

func (s StopCondition) String() string {
	switch s {
	case MaximumNumberOfIterations:
		return "MaximumNumberOfIterations"
	case GradientMagnitudeTolerance:
		return "GradientMagnitudeTolerance"
	case StepTooSmall:
		return "StepTooSmall"
	case CostFunctionError:
		return "CostFunctionError"
	case Cancelled:
		return "Cancelled"
	}
	return "NotStopped"
}

// ErrScalesLength is returned when the scales do not match the parameters
var ErrScalesLength = errors.New("scales length does not match the number of parameters")

// RegularStepGradientDescent steps along the scaled gradient with a step
// length that starts at the maximum and is multiplied by the relaxation
// factor whenever the gradient direction reverses. It stops when the
// iteration budget is spent, the scaled gradient vanishes, or the step
// falls below the minimum.
type RegularStepGradientDescent struct {
	maxStep     float64
	minStep     float64
	relaxation  float64
	gradientTol float64
	iterations  int
	scales      []float64
	maximize    bool
	observers   []Observer
	position    []float64
	value       float64
	gradient    []float64
	currentStep float64
	iteration   int
	stop        StopCondition
	stopMessage string
}

// NewRegularStepGradientDescent creates an optimizer with default settings
func NewRegularStepGradientDescent() *RegularStepGradientDescent {
	return &RegularStepGradientDescent{
		maxStep:     DefaultMaximumStepLength,
		minStep:     DefaultMinimumStepLength,
		relaxation:  DefaultRelaxationFactor,
		gradientTol: DefaultGradientMagnitudeTolerance,
		iterations:  DefaultNumberOfIterations,
	}
}

func (o *RegularStepGradientDescent) Name() string { return "RegularStepGradientDescentOptimizer" }

func (o *RegularStepGradientDescent) MaximumStepLength() float64     { return o.maxStep }
func (o *RegularStepGradientDescent) SetMaximumStepLength(v float64) { o.maxStep = v }
func (o *RegularStepGradientDescent) MinimumStepLength() float64     { return o.minStep }
func (o *RegularStepGradientDescent) SetMinimumStepLength(v float64) { o.minStep = v }
func (o *RegularStepGradientDescent) NumberOfIterations() int        { return o.iterations }
func (o *RegularStepGradientDescent) SetNumberOfIterations(n int)    { o.iterations = n }
func (o *RegularStepGradientDescent) RelaxationFactor() float64      { return o.relaxation }
func (o *RegularStepGradientDescent) SetRelaxationFactor(v float64)  { o.relaxation = v }
func (o *RegularStepGradientDescent) Maximize() bool                 { return o.maximize }
func (o *RegularStepGradientDescent) SetMaximize(v bool)             { o.maximize = v }

func (o *RegularStepGradientDescent) SetGradientMagnitudeTolerance(v float64) { o.gradientTol = v }

// Scales returns a copy of the parameter scales; nil means all ones
func (o *RegularStepGradientDescent) Scales() []float64 {
	return append([]float64(nil), o.scales...)
}

func (o *RegularStepGradientDescent) SetScales(s []float64) {
	o.scales = append([]float64(nil), s...)
}

func (o *RegularStepGradientDescent) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// CurrentPosition returns a copy of the latest position
func (o *RegularStepGradientDescent) CurrentPosition() []float64 {
	return append([]float64(nil), o.position...)
}

func (o *RegularStepGradientDescent) Value() float64             { return o.value }
func (o *RegularStepGradientDescent) CurrentIteration() int      { return o.iteration }
func (o *RegularStepGradientDescent) CurrentStepLength() float64 { return o.currentStep }
func (o *RegularStepGradientDescent) StopCondition() StopCondition {
	return o.stop
}

// StopConditionDescription explains the latest stop
func (o *RegularStepGradientDescent) StopConditionDescription() string {
	return o.Name() + ": " + o.stopMessage
}

// Optimize runs from initial until a stop condition is met.
//
// Parameters:
//   - ctx: Cancels the optimization between iterations
//   - cost: Objective to minimize, or maximize when Maximize is set
//   - initial: Starting parameters
//
// Returns:
//   - An error if the cost function fails, the scales are inconsistent,
//     or ctx is cancelled
func (o *RegularStepGradientDescent) Optimize(ctx context.Context, cost CostFunction, initial []float64) error {
	n := len(initial)
	if o.scales != nil && len(o.scales) != n {
		return fmt.Errorf("%w: %d scales for %d parameters", ErrScalesLength, len(o.scales), n)
	}
	o.position = append([]float64(nil), initial...)
	o.gradient = make([]float64, n)
	o.currentStep = o.maxStep
	o.iteration = 0
	o.stop = NotStopped
	o.stopMessage = ""

	for {
		if err := ctx.Err(); err != nil {
			o.halt(Cancelled, "Optimization cancelled.")
			return err
		}
		if o.iteration >= o.iterations {
			o.halt(MaximumNumberOfIterations,
				fmt.Sprintf("Maximum number of iterations (%d) exceeded.", o.iterations))
			return nil
		}

		previous := o.gradient
		value, gradient, err := cost.ValueAndDerivative(o.position)
		if err != nil {
			o.halt(CostFunctionError, "Cost function error: "+err.Error())
			return err
		}
		if len(gradient) != n {
			o.halt(CostFunctionError, "Cost function returned a gradient of the wrong size.")
			return fmt.Errorf("gradient has %d entries for %d parameters", len(gradient), n)
		}
		o.value = value
		o.gradient = gradient

		o.advance(previous)
		o.notify()
		if o.stop != NotStopped {
			return nil
		}
		o.iteration++
	}
}

// advance takes one step from the current position, or records why none
// can be taken.
func (o *RegularStepGradientDescent) advance(previous []float64) {
	n := len(o.position)
	transformed := make([]float64, n)
	prevTransformed := make([]float64, n)
	for i := 0; i < n; i++ {
		s := o.scale(i)
		transformed[i] = o.gradient[i] / s
		prevTransformed[i] = previous[i] / s
	}
	magnitude := floats.Norm(transformed, 2)
	product := floats.Dot(transformed, prevTransformed)

	if magnitude < o.gradientTol {
		o.halt(GradientMagnitudeTolerance, fmt.Sprintf(
			"Gradient magnitude tolerance met after %d iterations. Gradient magnitude (%g) is less than gradient magnitude tolerance (%g).",
			o.iteration, magnitude, o.gradientTol))
		return
	}
	if product < 0 {
		o.currentStep *= o.relaxation
	}
	if o.currentStep < o.minStep {
		o.halt(StepTooSmall, fmt.Sprintf(
			"Step too small after %d iterations. Current step (%g) is less than minimum step (%g).",
			o.iteration, o.currentStep, o.minStep))
		return
	}

	direction := -1.0
	if o.maximize {
		direction = 1
	}
	// the scaled gradient is divided by the scales again when stepping, so
	// a parameter with scale s moves 1/s^2 as far as one with scale 1
	factor := direction * o.currentStep / magnitude
	for i := range o.position {
		o.position[i] += factor * transformed[i] / o.scale(i)
	}
}

func (o *RegularStepGradientDescent) scale(i int) float64 {
	if o.scales == nil || o.scales[i] == 0 {
		return 1
	}
	return o.scales[i]
}

func (o *RegularStepGradientDescent) halt(c StopCondition, msg string) {
	o.stop = c
	o.stopMessage = msg
}

func (o *RegularStepGradientDescent) notify() {
	it := Iteration{
		Index:      o.iteration,
		Value:      o.value,
		Position:   o.CurrentPosition(),
		StepLength: o.currentStep,
	}
	for _, obs := range o.observers {
		obs(it)
	}
}
