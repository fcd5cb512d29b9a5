package metric

import (
	"math"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

// NormalizedCrossCorrelation is sum(f*m) / sqrt(sum(f*f) * sum(m*m)) over
// the samples that map inside the moving image. It is 1 for identical
// images and is maximized.
type NormalizedCrossCorrelation struct {
	base
}

// NewNormalizedCrossCorrelation creates a normalized cross correlation metric
func NewNormalizedCrossCorrelation() *NormalizedCrossCorrelation {
	return &NormalizedCrossCorrelation{}
}

func (m *NormalizedCrossCorrelation) Name() string {
	return "NormalizedCorrelationImageToImageMetric"
}

// Initialize implements Metric
func (m *NormalizedCrossCorrelation) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	return m.initialize(fixed, moving, region, t, interp)
}

// Value implements Metric
func (m *NormalizedCrossCorrelation) Value(params []float64) (float64, error) {
	v, _, err := m.evaluate(params, false)
	return v, err
}

// ValueAndDerivative implements Metric
func (m *NormalizedCrossCorrelation) ValueAndDerivative(params []float64) (float64, []float64, error) {
	return m.evaluate(params, true)
}

func (m *NormalizedCrossCorrelation) evaluate(params []float64, withDerivative bool) (float64, []float64, error) {
	if err := m.prepare(params); err != nil {
		return 0, nil, err
	}
	np := len(params)
	var sff, smm, sfm float64
	var sfdm, smdm, dm []float64
	if withDerivative {
		sfdm = make([]float64, np)
		smdm = make([]float64, np)
		dm = make([]float64, np)
	}

	n := 0
	for _, s := range m.samples {
		mv, ok := m.movingValue(s.point)
		if !ok {
			continue
		}
		n++
		sff += s.value * s.value
		smm += mv * mv
		sfm += s.value * mv
		if withDerivative {
			m.movingDerivative(s.point, dm)
			for j := 0; j < np; j++ {
				sfdm[j] += s.value * dm[j]
				smdm[j] += mv * dm[j]
			}
		}
	}
	if n == 0 {
		return 0, nil, ErrTooFewSamples
	}

	var deriv []float64
	if withDerivative {
		deriv = make([]float64, np)
	}
	denom := math.Sqrt(sff * smm)
	if denom == 0 {
		return 0, deriv, nil
	}
	value := sfm / denom
	if withDerivative {
		for j := 0; j < np; j++ {
			deriv[j] = sfdm[j]/denom - value*smdm[j]/smm
		}
	}
	return value, deriv, nil
}
