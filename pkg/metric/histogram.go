package metric

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

const (
	// DefaultHistogramBins is used until a bin count is set
	DefaultHistogramBins = 50

	// MattesSeed is the sample seed the registration reinitializes Mattes with
	MattesSeed int64 = 76926294

	// DefaultHistogramDelta is the finite-difference displacement, in moving
	// voxels, of the histogram metrics.
	DefaultHistogramDelta = 0.1

	// bins kept empty on each side so the B-spline window never leaves the histogram
	histogramPadding = 2
)

// jointHistogram accumulates the joint intensity distribution of fixed and
// moving samples. With parzen set, moving contributions are spread over
// four bins with a cubic B-spline window; otherwise both images use hard
// binning.
type jointHistogram struct {
	bins   int
	parzen bool

	fixedMin, fixedStep   float64
	movingMin, movingStep float64

	joint  []float64
	fixed  []float64
	moving []float64
}

func newJointHistogram(bins int, parzen bool) *jointHistogram {
	return &jointHistogram{bins: bins, parzen: parzen}
}

// setRanges derives the bin widths from the intensity ranges
func (h *jointHistogram) setRanges(fixedMin, fixedMax, movingMin, movingMax float64) {
	usable := float64(h.bins)
	if h.parzen {
		usable -= 2 * histogramPadding
	}
	h.fixedStep = (fixedMax - fixedMin) / usable
	h.movingStep = (movingMax - movingMin) / usable
	if h.fixedStep <= 0 {
		h.fixedStep = 1
	}
	if h.movingStep <= 0 {
		h.movingStep = 1
	}
	h.fixedMin, h.movingMin = fixedMin, movingMin
	h.joint = make([]float64, h.bins*h.bins)
	h.fixed = make([]float64, h.bins)
	h.moving = make([]float64, h.bins)
}

func (h *jointHistogram) reset() {
	for i := range h.joint {
		h.joint[i] = 0
	}
}

func (h *jointHistogram) clampBin(b int, lo, hi int) int {
	if b < lo {
		return lo
	}
	if b > hi {
		return hi
	}
	return b
}

func (h *jointHistogram) add(f, m float64) {
	lo, hi := 0, h.bins-1
	if h.parzen {
		lo, hi = histogramPadding, h.bins-histogramPadding-1
	}
	fb := h.clampBin(int(math.Floor((f-h.fixedMin)/h.fixedStep))+lo, lo, hi)
	row := h.joint[fb*h.bins : (fb+1)*h.bins]

	if !h.parzen {
		mb := h.clampBin(int(math.Floor((m-h.movingMin)/h.movingStep)), lo, hi)
		row[mb]++
		return
	}

	term := (m-h.movingMin)/h.movingStep + float64(lo)
	term = math.Max(float64(lo), math.Min(term, float64(hi)))
	start := int(math.Floor(term)) - 1
	for b := start; b < start+4; b++ {
		if b < 0 || b >= h.bins {
			continue
		}
		row[b] += cubicBSpline(float64(b) - term)
	}
}

// entropies normalizes the histogram and returns the marginal and joint
// entropies. ok is false for an empty histogram.
func (h *jointHistogram) entropies() (hf, hm, hj float64, ok bool) {
	total := floats.Sum(h.joint)
	if total == 0 {
		return 0, 0, 0, false
	}
	floats.Scale(1/total, h.joint)
	for i := range h.fixed {
		h.fixed[i] = 0
		h.moving[i] = 0
	}
	for f := 0; f < h.bins; f++ {
		for m := 0; m < h.bins; m++ {
			p := h.joint[f*h.bins+m]
			h.fixed[f] += p
			h.moving[m] += p
		}
	}
	return stat.Entropy(h.fixed), stat.Entropy(h.moving), stat.Entropy(h.joint), true
}

// cubicBSpline is the centered cubic B-spline kernel
func cubicBSpline(x float64) float64 {
	x = math.Abs(x)
	switch {
	case x < 1:
		return (4 - 6*x*x + 3*x*x*x) / 6
	case x < 2:
		d := 2 - x
		return d * d * d / 6
	}
	return 0
}

// histogramBase fills a joint histogram from the mapped samples
type histogramBase struct {
	base
	differencer
	bins int
	hist *jointHistogram
}

// SetNumberOfHistogramBins implements HistogramBinner
func (m *histogramBase) SetNumberOfHistogramBins(n int) {
	if n >= 2 {
		m.bins = n
	}
}

// NumberOfHistogramBins implements HistogramBinner
func (m *histogramBase) NumberOfHistogramBins() int { return m.bins }

func (m *histogramBase) setup(parzen bool) {
	bins := m.bins
	if parzen && bins < 2*histogramPadding+1 {
		bins = 2*histogramPadding + 1
	}
	m.hist = newJointHistogram(bins, parzen)
	fixedMin, fixedMax := sampleRange(m.candidates)
	m.hist.setRanges(fixedMin, fixedMax, floats.Min(m.moving.Pixels), floats.Max(m.moving.Pixels))
}

func sampleRange(samples []sample) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		lo = math.Min(lo, s.value)
		hi = math.Max(hi, s.value)
	}
	return lo, hi
}

// fill accumulates the current samples and returns the entropies. It fails
// with ErrTooFewSamples when no sample maps inside the moving image.
func (m *histogramBase) fill(params []float64) (hf, hm, hj float64, err error) {
	if err := m.prepare(params); err != nil {
		return 0, 0, 0, err
	}
	m.hist.reset()
	for _, s := range m.samples {
		if mv, ok := m.movingValue(s.point); ok {
			m.hist.add(s.value, mv)
		}
	}
	hf, hm, hj, ok := m.hist.entropies()
	if !ok {
		return 0, 0, 0, ErrTooFewSamples
	}
	return hf, hm, hj, nil
}

// MattesMutualInformation estimates mutual information from a joint
// histogram of randomly selected samples with B-spline Parzen windowing of
// the moving intensities. It is maximized.
type MattesMutualInformation struct {
	histogramBase
	sampler
}

// NewMattesMutualInformation creates a Mattes mutual information metric
func NewMattesMutualInformation() *MattesMutualInformation {
	return &MattesMutualInformation{
		histogramBase: histogramBase{bins: DefaultHistogramBins, differencer: differencer{delta: parzenDelta}},
		sampler:       newSampler(DefaultSpatialSamples, DefaultSamplerSeed),
	}
}

func (m *MattesMutualInformation) Name() string { return "MattesMutualInformationImageToImageMetric" }

// Initialize implements Metric
func (m *MattesMutualInformation) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if err := m.initialize(fixed, moving, region, t, interp); err != nil {
		return err
	}
	m.setup(true)
	m.dirty = true
	return nil
}

// Value implements Metric
func (m *MattesMutualInformation) Value(params []float64) (float64, error) {
	m.ensure(&m.base)
	hf, hm, hj, err := m.fill(params)
	if err != nil {
		return 0, err
	}
	return hf + hm - hj, nil
}

// ValueAndDerivative implements Metric
func (m *MattesMutualInformation) ValueAndDerivative(params []float64) (float64, []float64, error) {
	m.ensure(&m.base)
	return m.valueAndDerivative(&m.base, m.Value, params)
}

// MutualInformationHistogram computes mutual information from a hard
// joint histogram of every fixed sample. It is maximized.
type MutualInformationHistogram struct {
	histogramBase
}

// NewMutualInformationHistogram creates a histogram mutual information metric
func NewMutualInformationHistogram() *MutualInformationHistogram {
	return &MutualInformationHistogram{
		histogramBase: histogramBase{bins: DefaultHistogramBins, differencer: differencer{delta: DefaultHistogramDelta}},
	}
}

func (m *MutualInformationHistogram) Name() string {
	return "MutualInformationHistogramImageToImageMetric"
}

// Initialize implements Metric
func (m *MutualInformationHistogram) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if err := m.initialize(fixed, moving, region, t, interp); err != nil {
		return err
	}
	m.setup(false)
	return nil
}

// Value implements Metric
func (m *MutualInformationHistogram) Value(params []float64) (float64, error) {
	hf, hm, hj, err := m.fill(params)
	if err != nil {
		return 0, err
	}
	return hf + hm - hj, nil
}

// ValueAndDerivative implements Metric
func (m *MutualInformationHistogram) ValueAndDerivative(params []float64) (float64, []float64, error) {
	return m.valueAndDerivative(&m.base, m.Value, params)
}

// NormalizedMutualInformationHistogram is (H(f) + H(m)) / H(f, m) from a
// hard joint histogram. It lies in [1, 2] and is maximized.
type NormalizedMutualInformationHistogram struct {
	histogramBase
}

// NewNormalizedMutualInformationHistogram creates a normalized histogram
// mutual information metric
func NewNormalizedMutualInformationHistogram() *NormalizedMutualInformationHistogram {
	return &NormalizedMutualInformationHistogram{
		histogramBase: histogramBase{bins: DefaultHistogramBins, differencer: differencer{delta: DefaultHistogramDelta}},
	}
}

func (m *NormalizedMutualInformationHistogram) Name() string {
	return "NormalizedMutualInformationHistogramImageToImageMetric"
}

// Initialize implements Metric
func (m *NormalizedMutualInformationHistogram) Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if err := m.initialize(fixed, moving, region, t, interp); err != nil {
		return err
	}
	m.setup(false)
	return nil
}

// Value implements Metric
func (m *NormalizedMutualInformationHistogram) Value(params []float64) (float64, error) {
	hf, hm, hj, err := m.fill(params)
	if err != nil {
		return 0, err
	}
	// a single occupied bin predicts itself perfectly
	if hj == 0 {
		return 1, nil
	}
	return (hf + hm) / hj, nil
}

// ValueAndDerivative implements Metric
func (m *NormalizedMutualInformationHistogram) ValueAndDerivative(params []float64) (float64, []float64, error) {
	return m.valueAndDerivative(&m.base, m.Value, params)
}
