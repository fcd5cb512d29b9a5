package metric

import (
	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

// MeanSquares is the mean squared intensity difference. Lower is better.
type MeanSquares struct {
	base
}

// NewMeanSquares creates a mean squares metric
func NewMeanSquares() *MeanSquares {
	return &MeanSquares{}
}

func (m *MeanSquares) Name() string { return "MeanSquaresImageToImageMetric" }

// Initialize implements Metric
func (m *MeanSquares) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	return m.initialize(fixed, moving, region, t, interp)
}

// Value implements Metric
func (m *MeanSquares) Value(params []float64) (float64, error) {
	if err := m.prepare(params); err != nil {
		return 0, err
	}
	sum, n := 0.0, 0
	for _, s := range m.samples {
		mv, ok := m.movingValue(s.point)
		if !ok {
			continue
		}
		diff := mv - s.value
		sum += diff * diff
		n++
	}
	if n == 0 {
		return 0, ErrTooFewSamples
	}
	return sum / float64(n), nil
}

// ValueAndDerivative implements Metric
func (m *MeanSquares) ValueAndDerivative(params []float64) (float64, []float64, error) {
	if err := m.prepare(params); err != nil {
		return 0, nil, err
	}
	deriv := make([]float64, len(params))
	dm := make([]float64, len(params))
	sum, n := 0.0, 0
	for _, s := range m.samples {
		mv, ok := m.movingValue(s.point)
		if !ok {
			continue
		}
		diff := mv - s.value
		sum += diff * diff
		n++
		m.movingDerivative(s.point, dm)
		for j := range deriv {
			deriv[j] += 2 * diff * dm[j]
		}
	}
	if n == 0 {
		return 0, nil, ErrTooFewSamples
	}
	for j := range deriv {
		deriv[j] /= float64(n)
	}
	return sum / float64(n), deriv, nil
}
