package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// quadratic is sum((p - target)^2) scaled by sign
type quadratic struct {
	target []float64
	sign   float64
	calls  int
}

func (q *quadratic) ValueAndDerivative(p []float64) (float64, []float64, error) {
	q.calls++
	v := 0.0
	g := make([]float64, len(p))
	for i := range p {
		d := p[i] - q.target[i]
		v += d * d
		g[i] = 2 * d
	}
	return q.sign * v, scaled(g, q.sign), nil
}

func scaled(g []float64, s float64) []float64 {
	for i := range g {
		g[i] *= s
	}
	return g
}

type failing struct{}

func (failing) ValueAndDerivative([]float64) (float64, []float64, error) {
	return 0, nil, errors.New("boom")
}

func newTestOptimizer() *RegularStepGradientDescent {
	o := NewRegularStepGradientDescent()
	o.SetMaximumStepLength(1)
	o.SetMinimumStepLength(1e-5)
	o.SetNumberOfIterations(500)
	o.SetRelaxationFactor(0.5)
	return o
}

func TestMinimizeQuadratic(t *testing.T) {
	o := newTestOptimizer()
	err := o.Optimize(context.Background(), &quadratic{target: []float64{3, -1}, sign: 1}, []float64{0, 0})
	require.NoError(t, err)

	pos := o.CurrentPosition()
	require.InDelta(t, 3, pos[0], 1e-3)
	require.InDelta(t, -1, pos[1], 1e-3)
	require.Contains(t, []StopCondition{StepTooSmall, GradientMagnitudeTolerance}, o.StopCondition())
}

func TestMaximizeFlipsDirection(t *testing.T) {
	o := newTestOptimizer()
	o.SetMaximize(true)
	err := o.Optimize(context.Background(), &quadratic{target: []float64{-2, 5}, sign: -1}, []float64{0, 0})
	require.NoError(t, err)

	pos := o.CurrentPosition()
	require.InDelta(t, -2, pos[0], 1e-3)
	require.InDelta(t, 5, pos[1], 1e-3)
}

func TestIterationBudget(t *testing.T) {
	o := newTestOptimizer()
	o.SetNumberOfIterations(3)

	var seen []int
	o.AddObserver(func(it Iteration) { seen = append(seen, it.Index) })

	err := o.Optimize(context.Background(), &quadratic{target: []float64{100, 100}, sign: 1}, []float64{0, 0})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, seen)
	require.Equal(t, MaximumNumberOfIterations, o.StopCondition())
	require.Contains(t, o.StopConditionDescription(), "Maximum number of iterations (3) exceeded")
}

func TestZeroGradientStopsImmediately(t *testing.T) {
	o := newTestOptimizer()
	var got []Iteration
	o.AddObserver(func(it Iteration) { got = append(got, it) })

	q := &quadratic{target: []float64{1, 2}, sign: 1}
	err := o.Optimize(context.Background(), q, []float64{1, 2})
	require.NoError(t, err)
	require.Equal(t, GradientMagnitudeTolerance, o.StopCondition())
	require.Equal(t, 1, q.calls)

	// the terminal evaluation is still reported
	require.Len(t, got, 1)
	require.Equal(t, []float64{1, 2}, got[0].Position)
	require.Zero(t, got[0].Value)
}

func TestStepLengthRelaxes(t *testing.T) {
	o := newTestOptimizer()
	o.SetMinimumStepLength(0.1)

	var steps []float64
	o.AddObserver(func(it Iteration) { steps = append(steps, it.StepLength) })

	// the target sits half a step away so the first step overshoots
	err := o.Optimize(context.Background(), &quadratic{target: []float64{0.5}, sign: 1}, []float64{0})
	require.NoError(t, err)
	require.Equal(t, StepTooSmall, o.StopCondition())
	require.Equal(t, 1.0, steps[0])
	for i := 1; i < len(steps); i++ {
		require.LessOrEqual(t, steps[i], steps[i-1])
	}
	require.Less(t, steps[len(steps)-1], 0.1)
}

func TestScalesWeightParameters(t *testing.T) {
	o := newTestOptimizer()
	o.SetNumberOfIterations(1)
	o.SetScales([]float64{1, 1e-2})

	err := o.Optimize(context.Background(), &quadratic{target: []float64{10, 10}, sign: 1}, []float64{0, 0})
	require.NoError(t, err)

	// with equal gradients the step ratio is 1/s^2
	pos := o.CurrentPosition()
	require.InEpsilon(t, 1e4, pos[1]/pos[0], 1e-9)

	// measured in scaled units the step is the current step length
	require.InDelta(t, 1, math.Hypot(pos[0]*1, pos[1]*1e-2), 1e-9)
}

func TestUnitScalesStepAlongGradient(t *testing.T) {
	o := newTestOptimizer()
	o.SetNumberOfIterations(1)
	o.SetScales([]float64{1, 1})

	err := o.Optimize(context.Background(), &quadratic{target: []float64{3, 4}, sign: 1}, []float64{0, 0})
	require.NoError(t, err)

	pos := o.CurrentPosition()
	require.InDelta(t, 0.6, pos[0], 1e-12)
	require.InDelta(t, 0.8, pos[1], 1e-12)
}

func TestScalesLengthMismatch(t *testing.T) {
	o := newTestOptimizer()
	o.SetScales([]float64{1})
	err := o.Optimize(context.Background(), &quadratic{target: []float64{0, 0}, sign: 1}, []float64{1, 1})
	require.ErrorIs(t, err, ErrScalesLength)
}

func TestCostFunctionError(t *testing.T) {
	o := newTestOptimizer()
	err := o.Optimize(context.Background(), failing{}, []float64{0})
	require.Error(t, err)
	require.Equal(t, CostFunctionError, o.StopCondition())
}

func TestCancelledContext(t *testing.T) {
	o := newTestOptimizer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Optimize(ctx, &quadratic{target: []float64{1}, sign: 1}, []float64{0})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Cancelled, o.StopCondition())
}
