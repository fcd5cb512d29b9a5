package metric

import (
	"errors"
	"math"
	"testing"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/normalize"
	"mrireg/pkg/transform"
)

// blob creates a size x size image with a Gaussian bump at (cx, cy)
func blob(size int, cx, cy float64) *models.Image {
	img := models.NewImage(size, size)
	idx := make([]int, 2)
	for off := range img.Pixels {
		img.IndexOf(off, idx)
		dx, dy := float64(idx[0])-cx, float64(idx[1])-cy
		img.Pixels[off] = 100 * math.Exp(-(dx*dx+dy*dy)/(2*5*5))
	}
	return img
}

func centeredEuler(img *models.Image) transform.Transform {
	tr := transform.NewEuler2D()
	tr.SetCenter(transform.GeometricCenter(img))
	return tr
}

func initialize(t *testing.T, m Metric, fixed, moving *models.Image) transform.Transform {
	t.Helper()
	tr := centeredEuler(fixed)
	if err := m.Initialize(fixed, moving, fixed.LargestPossibleRegion(), tr, interpolate.NewLinear()); err != nil {
		t.Fatalf("Failed to initialize %s: %v", m.Name(), err)
	}
	return tr
}

func allMetrics() []Metric {
	return []Metric{
		NewMeanSquares(),
		NewGradientDifference(),
		NewMutualInformation(),
		NewNormalizedCrossCorrelation(),
		NewMattesMutualInformation(),
		NewMutualInformationHistogram(),
		NewNormalizedMutualInformationHistogram(),
	}
}

// maximized mirrors which metrics improve upwards
func maximized(m Metric) bool {
	switch m.(type) {
	case *MeanSquares, *GradientDifference:
		return false
	}
	return true
}

// TestIdentityIsBest verifies every metric prefers the aligned position
func TestIdentityIsBest(t *testing.T) {
	fixed := normalize.Normalize(blob(32, 16, 16))
	for _, m := range allMetrics() {
		if s, ok := m.(SpatialSampler); ok {
			s.SetNumberOfSpatialSamples(400)
		}
		initialize(t, m, fixed, fixed)

		aligned, err := m.Value([]float64{0, 0, 0})
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		shifted, err := m.Value([]float64{0, 4, -3})
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		if maximized(m) && !(aligned > shifted) {
			t.Errorf("%s: expected aligned %g above shifted %g", m.Name(), aligned, shifted)
		}
		if !maximized(m) && !(aligned < shifted) {
			t.Errorf("%s: expected aligned %g below shifted %g", m.Name(), aligned, shifted)
		}
	}
}

// TestIdenticalValues checks the closed-form values for identical images
func TestIdenticalValues(t *testing.T) {
	fixed := blob(32, 16, 16)

	ms := NewMeanSquares()
	initialize(t, ms, fixed, fixed)
	if v, _ := ms.Value([]float64{0, 0, 0}); math.Abs(v) > 1e-12 {
		t.Errorf("MeanSquares: expected 0, got %g", v)
	}

	ncc := NewNormalizedCrossCorrelation()
	initialize(t, ncc, fixed, fixed)
	if v, _ := ncc.Value([]float64{0, 0, 0}); math.Abs(v-1) > 1e-12 {
		t.Errorf("NormalizedCrossCorrelation: expected 1, got %g", v)
	}

	nmi := NewNormalizedMutualInformationHistogram()
	initialize(t, nmi, fixed, fixed)
	v, _ := nmi.Value([]float64{0, 0, 0})
	if v < 1 || v > 2+1e-12 {
		t.Errorf("NormalizedMutualInformationHistogram: expected value in [1, 2], got %g", v)
	}
}

// TestAnalyticDerivative compares the analytic derivatives against finite differences
func TestAnalyticDerivative(t *testing.T) {
	fixed := blob(48, 24, 24)
	moving := blob(48, 26, 23)
	params := []float64{0.02, 1, -0.5}

	for _, m := range []Metric{NewMeanSquares(), NewNormalizedCrossCorrelation()} {
		initialize(t, m, fixed, moving)
		_, deriv, err := m.ValueAndDerivative(params)
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		// translation components only; the angle is in radians and too stiff for one step
		for j := 1; j < 3; j++ {
			h := 1e-3
			p := append([]float64(nil), params...)
			p[j] += h
			plus, _ := m.Value(p)
			p[j] -= 2 * h
			minus, _ := m.Value(p)
			fd := (plus - minus) / (2 * h)
			if math.Abs(fd-deriv[j]) > 0.2*math.Abs(fd)+1e-9 {
				t.Errorf("%s parameter %d: analytic %g, finite difference %g", m.Name(), j, deriv[j], fd)
			}
		}
	}
}

// TestDerivativeDescends verifies following the derivative improves the value
func TestDerivativeDescends(t *testing.T) {
	fixed := normalize.Normalize(blob(48, 24, 24))
	moving := normalize.Normalize(blob(48, 26, 23))
	params := []float64{0, 0, 0}

	for _, m := range allMetrics() {
		if s, ok := m.(SpatialSampler); ok {
			s.SetNumberOfSpatialSamples(1200)
		}
		initialize(t, m, fixed, moving)
		v0, deriv, err := m.ValueAndDerivative(params)
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		sign := -1.0
		if maximized(m) {
			sign = 1
		}
		norm := math.Hypot(deriv[1], deriv[2])
		if norm == 0 {
			t.Fatalf("%s: zero translation derivative", m.Name())
		}
		// half a voxel along the translation part of the derivative
		step := []float64{0, sign * 0.5 * deriv[1] / norm, sign * 0.5 * deriv[2] / norm}
		v1, err := m.Value(step)
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		if maximized(m) && !(v1 > v0) || !maximized(m) && !(v1 < v0) {
			t.Errorf("%s: step along derivative went from %g to %g", m.Name(), v0, v1)
		}
	}
}

// TestSamplesOutsideBuffer verifies a transform mapping everything away fails
func TestSamplesOutsideBuffer(t *testing.T) {
	fixed := blob(16, 8, 8)
	for _, m := range allMetrics() {
		initialize(t, m, fixed, fixed)
		_, err := m.Value([]float64{0, 1000, 1000})
		if !errors.Is(err, ErrTooFewSamples) {
			t.Errorf("%s: expected ErrTooFewSamples, got %v", m.Name(), err)
		}
	}
}

// TestThreshold verifies low fixed voxels are excluded from sampling
func TestThreshold(t *testing.T) {
	fixed := blob(16, 8, 8)
	m := NewMeanSquares()
	m.SetFixedImageThreshold(50)
	initialize(t, m, fixed, fixed)
	for _, s := range m.samples {
		if s.value < 50 {
			t.Fatalf("Sample below threshold: %g", s.value)
		}
	}
	if len(m.samples) == 0 || len(m.samples) == fixed.NumberOfPixels() {
		t.Errorf("Expected a strict subset of samples, got %d", len(m.samples))
	}

	m.SetFixedImageThreshold(1000)
	tr := centeredEuler(fixed)
	if err := m.Initialize(fixed, fixed, fixed.LargestPossibleRegion(), tr, interpolate.NewLinear()); err == nil {
		t.Error("Expected an error when every voxel is below the threshold")
	}
}

// TestSamplingIsDeterministic verifies one seed always selects the same samples
func TestSamplingIsDeterministic(t *testing.T) {
	fixed := blob(32, 16, 16)
	moving := blob(32, 17, 15)

	value := func(seed int64) float64 {
		m := NewMattesMutualInformation()
		m.ReinitializeSeed(seed)
		m.SetNumberOfSpatialSamples(100)
		initialize(t, m, fixed, moving)
		v, err := m.Value([]float64{0, 0, 0})
		if err != nil {
			t.Fatal(err)
		}
		if len(m.samples) != 100 {
			t.Fatalf("Expected 100 samples, got %d", len(m.samples))
		}
		return v
	}
	if a, b := value(MattesSeed), value(MattesSeed); a != b {
		t.Errorf("Expected identical values for one seed, got %g and %g", a, b)
	}
}

// TestCapabilities verifies which metrics expose each tuning hook
func TestCapabilities(t *testing.T) {
	cases := []struct {
		m        Metric
		sampler  bool
		binner   bool
		seeder   bool
		deltaSet bool
	}{
		{NewMeanSquares(), false, false, false, false},
		{NewGradientDifference(), false, false, false, true},
		{NewMutualInformation(), true, false, true, true},
		{NewNormalizedCrossCorrelation(), false, false, false, false},
		{NewMattesMutualInformation(), true, true, true, true},
		{NewMutualInformationHistogram(), false, true, false, true},
		{NewNormalizedMutualInformationHistogram(), false, true, false, true},
	}
	for _, tc := range cases {
		_, sampler := tc.m.(SpatialSampler)
		_, binner := tc.m.(HistogramBinner)
		_, seeder := tc.m.(Seeder)
		_, deltaSet := tc.m.(DerivativeDeltaSetter)
		if sampler != tc.sampler || binner != tc.binner || seeder != tc.seeder || deltaSet != tc.deltaSet {
			t.Errorf("%s: got sampler=%v binner=%v seeder=%v delta=%v",
				tc.m.Name(), sampler, binner, seeder, deltaSet)
		}
		if _, ok := tc.m.(ThresholdSetter); !ok {
			t.Errorf("%s: expected a threshold setter", tc.m.Name())
		}
	}
}

// TestCubicBSplinePartitionOfUnity verifies the Parzen window weights sum to one
func TestCubicBSplinePartitionOfUnity(t *testing.T) {
	for _, frac := range []float64{0, 0.25, 0.5, 0.9} {
		sum := 0.0
		for k := -1; k <= 2; k++ {
			sum += cubicBSpline(float64(k) - frac)
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Offset %g: weights sum to %g", frac, sum)
		}
	}
}
