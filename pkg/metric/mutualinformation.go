package metric

import (
	"errors"
	"math"
	"math/rand"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

const (
	// DefaultSpatialSamples is used until a sample count is set
	DefaultSpatialSamples = 50

	// DefaultParzenStdDev is the Parzen kernel width for intensities of
	// unit variance.
	DefaultParzenStdDev = 0.4

	// DefaultSamplerSeed seeds the sample selection of sampling metrics
	DefaultSamplerSeed int64 = 121212

	parzenDelta = 0.1
)

// sampler draws a reproducible subset of the fixed samples
type sampler struct {
	count int
	seed  int64
	rng   *rand.Rand
	dirty bool
}

func newSampler(count int, seed int64) sampler {
	return sampler{count: count, seed: seed, rng: rand.New(rand.NewSource(seed)), dirty: true}
}

// SetNumberOfSpatialSamples implements SpatialSampler
func (s *sampler) SetNumberOfSpatialSamples(n int) {
	if n != s.count {
		s.count = n
		s.dirty = true
	}
}

// NumberOfSpatialSamples implements SpatialSampler
func (s *sampler) NumberOfSpatialSamples() int { return s.count }

// ReinitializeSeed implements Seeder
func (s *sampler) ReinitializeSeed(seed int64) {
	s.seed = seed
	s.rng = rand.New(rand.NewSource(seed))
	s.dirty = true
}

func (s *sampler) ensure(b *base) {
	if s.dirty {
		b.drawSamples(s.count, s.rng)
		s.dirty = false
	}
}

// MutualInformation estimates mutual information with Parzen windows over
// two random sample sets. It expects intensities normalized to zero mean
// and unit variance and is maximized.
type MutualInformation struct {
	base
	sampler
	differencer
	fixedStdDev  float64
	movingStdDev float64
}

// NewMutualInformation creates a Parzen window mutual information metric
func NewMutualInformation() *MutualInformation {
	return &MutualInformation{
		sampler:      newSampler(DefaultSpatialSamples, DefaultSamplerSeed),
		differencer:  differencer{delta: parzenDelta},
		fixedStdDev:  DefaultParzenStdDev,
		movingStdDev: DefaultParzenStdDev,
	}
}

func (m *MutualInformation) Name() string { return "MutualInformationImageToImageMetric" }

// SetParzenStdDev sets the kernel widths for both images
func (m *MutualInformation) SetParzenStdDev(fixed, moving float64) {
	m.fixedStdDev, m.movingStdDev = fixed, moving
}

// Initialize implements Metric
func (m *MutualInformation) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if err := m.initialize(fixed, moving, region, t, interp); err != nil {
		return err
	}
	m.dirty = true
	return nil
}

// Value implements Metric
func (m *MutualInformation) Value(params []float64) (float64, error) {
	m.ensure(&m.base)
	if len(m.samples) < 2 {
		return 0, errors.New("mutual information needs at least two spatial samples")
	}
	if err := m.prepare(params); err != nil {
		return 0, err
	}

	// first half estimates the densities, second half evaluates them
	half := len(m.samples) / 2
	var fa, ma []float64
	for _, s := range m.samples[:half] {
		if mv, ok := m.movingValue(s.point); ok {
			fa = append(fa, s.value)
			ma = append(ma, mv)
		}
	}
	if len(fa) == 0 {
		return 0, ErrTooFewSamples
	}

	cf := 1 / (math.Sqrt(2*math.Pi) * m.fixedStdDev)
	cm := 1 / (math.Sqrt(2*math.Pi) * m.movingStdDev)
	nA := float64(len(fa))
	var hf, hm, hj float64
	nB := 0
	for _, s := range m.samples[half:] {
		mv, ok := m.movingValue(s.point)
		if !ok {
			continue
		}
		var sf, sm, sj float64
		for i := range fa {
			gf := gaussian(s.value-fa[i], m.fixedStdDev)
			gm := gaussian(mv-ma[i], m.movingStdDev)
			sf += gf
			sm += gm
			sj += gf * gm
		}
		hf -= safeLog(cf * sf / nA)
		hm -= safeLog(cm * sm / nA)
		hj -= safeLog(cf * cm * sj / nA)
		nB++
	}
	if nB == 0 {
		return 0, ErrTooFewSamples
	}
	n := float64(nB)
	return hf/n + hm/n - hj/n, nil
}

// ValueAndDerivative implements Metric
func (m *MutualInformation) ValueAndDerivative(params []float64) (float64, []float64, error) {
	m.ensure(&m.base)
	return m.valueAndDerivative(&m.base, m.Value, params)
}

func gaussian(x, sigma float64) float64 {
	return math.Exp(-x * x / (2 * sigma * sigma))
}

// safeLog keeps empty densities finite
func safeLog(v float64) float64 {
	if v < 1e-300 {
		v = 1e-300
	}
	return math.Log(v)
}
