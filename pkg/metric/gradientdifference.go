package metric

import (
	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

// DefaultGradientDelta is the finite-difference displacement, in moving
// voxels, used for the gradient difference derivative.
const DefaultGradientDelta = 0.5

// GradientDifference compares the intensity gradients of both images: the
// mean squared difference between the fixed gradient and the moving
// gradient at the mapped point. Lower is better. Its derivative is a
// central finite difference.
type GradientDifference struct {
	base
	differencer
	fixedGrad [][]float64
}

// NewGradientDifference creates a gradient difference metric
func NewGradientDifference() *GradientDifference {
	return &GradientDifference{differencer: differencer{delta: DefaultGradientDelta}}
}

func (m *GradientDifference) Name() string { return "GradientDifferenceImageToImageMetric" }

// Initialize implements Metric
func (m *GradientDifference) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if err := m.initialize(fixed, moving, region, t, interp); err != nil {
		return err
	}
	m.ensureGradients()

	// physical-space fixed gradient at every sample
	grads := gradientImages(fixed)
	dim := fixed.Dimension()
	gi := interpolate.NewLinear()
	cidx := make([]float64, dim)
	m.fixedGrad = make([][]float64, len(m.samples))
	for i, s := range m.samples {
		fixed.PointToContinuousIndex(s.point, cidx)
		idx := make([]float64, dim)
		for d := 0; d < dim; d++ {
			gi.SetInputImage(grads[d])
			idx[d], _ = gi.Evaluate(cidx)
			idx[d] /= fixed.Spacing[d]
		}
		m.fixedGrad[i] = toPhysical(fixed, idx)
	}
	return nil
}

// toPhysical rotates an index-axis gradient (already divided by spacing)
// into physical axes.
func toPhysical(img *models.Image, g []float64) []float64 {
	dim := len(g)
	out := make([]float64, dim)
	for k := 0; k < dim; k++ {
		for d := 0; d < dim; d++ {
			out[k] += img.Direction[k*dim+d] * g[d]
		}
	}
	return out
}

// Value implements Metric
func (m *GradientDifference) Value(params []float64) (float64, error) {
	if err := m.prepare(params); err != nil {
		return 0, err
	}
	dim := len(m.offset)
	g := make([]float64, dim)
	sum, n := 0.0, 0
	for i, s := range m.samples {
		if _, ok := m.movingValue(s.point); !ok {
			continue
		}
		for d := 0; d < dim; d++ {
			g[d], _ = m.gradInterp[d].Evaluate(m.cindex)
			g[d] /= m.moving.Spacing[d]
		}
		mg := toPhysical(m.moving, g)
		for k := 0; k < dim; k++ {
			diff := mg[k] - m.fixedGrad[i][k]
			sum += diff * diff
		}
		n++
	}
	if n == 0 {
		return 0, ErrTooFewSamples
	}
	return sum / float64(n), nil
}

// ValueAndDerivative implements Metric
func (m *GradientDifference) ValueAndDerivative(params []float64) (float64, []float64, error) {
	return m.valueAndDerivative(&m.base, m.Value, params)
}
