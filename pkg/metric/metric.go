// Package metric implements the image similarity measures driven by the
// optimizer. Each metric samples fixed-image voxels, maps them through the
// current transform and compares them with the interpolated moving image.
package metric

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

// ErrTooFewSamples is returned when no fixed samples map inside the moving image
var ErrTooFewSamples = errors.New("too many samples map outside moving image buffer")

// Metric is a scalar similarity of two images under a transform
type Metric interface {
	// Name identifies the concrete metric, e.g. "MattesMutualInformation"
	Name() string

	// Initialize binds the images, the fixed region, the transform and the
	// interpolator. It is called once per resolution level.
	Initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error

	Value(params []float64) (float64, error)
	ValueAndDerivative(params []float64) (float64, []float64, error)
}

// SpatialSampler is implemented by metrics that estimate densities from a
// random subset of fixed voxels.
type SpatialSampler interface {
	SetNumberOfSpatialSamples(n int)
	NumberOfSpatialSamples() int
}

// HistogramBinner is implemented by histogram based metrics
type HistogramBinner interface {
	SetNumberOfHistogramBins(n int)
	NumberOfHistogramBins() int
}

// Seeder is implemented by metrics with a random sample selection
type Seeder interface {
	ReinitializeSeed(seed int64)
}

// DerivativeDeltaSetter is implemented by metrics whose derivative is a
// finite difference.
type DerivativeDeltaSetter interface {
	SetDerivativeDelta(delta float64)
	DerivativeDelta() float64
}

// ThresholdSetter restricts sampling to fixed voxels at or above a threshold
type ThresholdSetter interface {
	SetFixedImageThreshold(threshold float64)
}

// sample is one fixed-image voxel used by a metric
type sample struct {
	point []float64
	value float64
}

// base holds the state shared by all metrics
type base struct {
	fixed     *models.Image
	moving    *models.Image
	region    models.Region
	transform transform.Transform
	interp    interpolate.Interpolator

	threshold    float64
	useThreshold bool

	candidates []sample
	samples    []sample

	// cached linear map for the current parameters: mapped = matrix*p + offset
	matrix []float64
	offset []float64
	mapped []float64
	cindex []float64

	gradients  []*models.Image
	gradInterp []*interpolate.Linear
}

// SetFixedImageThreshold implements ThresholdSetter. A zero threshold
// disables masking.
func (b *base) SetFixedImageThreshold(threshold float64) {
	b.threshold = threshold
	b.useThreshold = threshold != 0
}

func (b *base) initialize(fixed, moving *models.Image, region models.Region, t transform.Transform, interp interpolate.Interpolator) error {
	if fixed == nil || moving == nil {
		return errors.New("fixed and moving images are required")
	}
	if t == nil {
		return errors.New("transform is required")
	}
	if interp == nil {
		return errors.New("interpolator is required")
	}
	if fixed.Dimension() != moving.Dimension() || fixed.Dimension() != t.Dimension() {
		return fmt.Errorf("dimension mismatch: fixed %d, moving %d, transform %d",
			fixed.Dimension(), moving.Dimension(), t.Dimension())
	}

	b.fixed, b.moving, b.region, b.transform, b.interp = fixed, moving, region, t, interp
	b.interp.SetInputImage(moving)
	b.gradients = nil
	b.gradInterp = nil

	dim := fixed.Dimension()
	b.matrix = make([]float64, dim*dim)
	b.offset = make([]float64, dim)
	b.mapped = make([]float64, dim)
	b.cindex = make([]float64, dim)

	b.candidates = b.candidates[:0]
	idx := make([]int, dim)
	cidx := make([]float64, dim)
	for off := 0; off < region.NumberOfPixels(); off++ {
		// walk the region in x-fastest order
		rem := off
		for d := 0; d < dim; d++ {
			idx[d] = region.Start[d] + rem%region.Size[d]
			rem /= region.Size[d]
			cidx[d] = float64(idx[d])
		}
		v := fixed.Pixels[fixed.Offset(idx)]
		if b.useThreshold && v < b.threshold {
			continue
		}
		p := make([]float64, dim)
		fixed.IndexToPoint(cidx, p)
		b.candidates = append(b.candidates, sample{point: p, value: v})
	}
	if len(b.candidates) == 0 {
		return errors.New("fixed image region contains no samples")
	}
	b.samples = b.candidates
	return nil
}

// drawSamples selects n candidates without replacement using rng; n <= 0 or
// n >= the candidate count selects every candidate.
func (b *base) drawSamples(n int, rng *rand.Rand) {
	if n <= 0 || n >= len(b.candidates) {
		b.samples = b.candidates
		return
	}
	perm := make([]int, len(b.candidates))
	for i := range perm {
		perm[i] = i
	}
	// partial Fisher-Yates
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(perm)-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	b.samples = make([]sample, n)
	for i := 0; i < n; i++ {
		b.samples[i] = b.candidates[perm[i]]
	}
}

// prepare applies params to the transform and caches its linear map
func (b *base) prepare(params []float64) error {
	if err := b.transform.SetParameters(params); err != nil {
		return err
	}
	m := b.transform.Matrix()
	dim := len(b.offset)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			b.matrix[r*dim+c] = m.At(r, c)
		}
	}
	copy(b.offset, b.transform.Offset())
	return nil
}

// movingValue maps a fixed point into the moving image and interpolates it.
// The mapped continuous index is left in b.cindex.
func (b *base) movingValue(p []float64) (float64, bool) {
	dim := len(b.offset)
	for r := 0; r < dim; r++ {
		b.mapped[r] = b.offset[r] + floats.Dot(b.matrix[r*dim:(r+1)*dim], p)
	}
	b.moving.PointToContinuousIndex(b.mapped, b.cindex)
	return b.interp.Evaluate(b.cindex)
}

// ensureGradients computes the moving image gradient once per level
func (b *base) ensureGradients() {
	if b.gradients != nil {
		return
	}
	b.gradients = gradientImages(b.moving)
	b.gradInterp = make([]*interpolate.Linear, len(b.gradients))
	for d, g := range b.gradients {
		b.gradInterp[d] = interpolate.NewLinear()
		b.gradInterp[d].SetInputImage(g)
	}
}

// movingDerivative writes dm/dparams at fixed point p into dst. It must be
// called right after movingValue(p) returned true.
func (b *base) movingDerivative(p []float64, dst []float64) {
	b.ensureGradients()
	dim := len(b.offset)

	// index-space gradient to physical-space gradient
	gi := make([]float64, dim)
	for d := 0; d < dim; d++ {
		gi[d], _ = b.gradInterp[d].Evaluate(b.cindex)
		gi[d] /= b.moving.Spacing[d]
	}
	gp := make([]float64, dim)
	for k := 0; k < dim; k++ {
		for d := 0; d < dim; d++ {
			gp[k] += b.moving.Direction[k*dim+d] * gi[d]
		}
	}

	jac := b.transform.Jacobian(p)
	for j := range dst {
		sum := 0.0
		for k := 0; k < dim; k++ {
			sum += gp[k] * jac.At(k, j)
		}
		dst[j] = sum
	}
}

// gradientImages returns central-difference derivatives along each index axis
func gradientImages(img *models.Image) []*models.Image {
	dim := img.Dimension()
	out := make([]*models.Image, dim)
	idx := make([]int, dim)
	for d := 0; d < dim; d++ {
		g := img.CopyGeometry()
		stride := 1
		for k := 0; k < d; k++ {
			stride *= img.Size[k]
		}
		for off := range img.Pixels {
			img.IndexOf(off, idx)
			n := img.Size[d]
			switch {
			case n == 1:
				g.Pixels[off] = 0
			case idx[d] == 0:
				g.Pixels[off] = img.Pixels[off+stride] - img.Pixels[off]
			case idx[d] == n-1:
				g.Pixels[off] = img.Pixels[off] - img.Pixels[off-stride]
			default:
				g.Pixels[off] = (img.Pixels[off+stride] - img.Pixels[off-stride]) / 2
			}
		}
		out[d] = g
	}
	return out
}

// displacementSteps chooses one finite-difference step per parameter so
// that the largest displacement of any sample is about displacement mm.
func (b *base) displacementSteps(params []float64, displacement float64) []float64 {
	n := len(params)
	steps := make([]float64, n)
	maxCol := make([]float64, n)
	if err := b.transform.SetParameters(params); err != nil {
		for j := range steps {
			steps[j] = displacement
		}
		return steps
	}

	// the sample extremes bound the Jacobian columns of a linear transform
	stride := len(b.samples)/64 + 1
	for i := 0; i < len(b.samples); i += stride {
		jac := b.transform.Jacobian(b.samples[i].point)
		r, _ := jac.Dims()
		for j := 0; j < n; j++ {
			col := 0.0
			for k := 0; k < r; k++ {
				col += jac.At(k, j) * jac.At(k, j)
			}
			maxCol[j] = math.Max(maxCol[j], math.Sqrt(col))
		}
	}
	for j := range steps {
		if maxCol[j] > 0 {
			steps[j] = displacement / maxCol[j]
		} else {
			steps[j] = displacement
		}
	}
	return steps
}

// finiteDifference evaluates the central-difference gradient of value
func finiteDifference(value func([]float64) (float64, error), params, steps []float64) ([]float64, error) {
	deriv := make([]float64, len(params))
	p := append([]float64(nil), params...)
	for j := range params {
		p[j] = params[j] + steps[j]
		plus, err := value(p)
		if err != nil {
			return nil, err
		}
		p[j] = params[j] - steps[j]
		minus, err := value(p)
		if err != nil {
			return nil, err
		}
		p[j] = params[j]
		deriv[j] = (plus - minus) / (2 * steps[j])
	}
	return deriv, nil
}

// differencer provides a finite-difference derivative. The displacement is
// delta moving-image voxels along the smallest spacing.
type differencer struct {
	delta float64
}

// SetDerivativeDelta implements DerivativeDeltaSetter
func (d *differencer) SetDerivativeDelta(delta float64) {
	if delta > 0 {
		d.delta = delta
	}
}

// DerivativeDelta implements DerivativeDeltaSetter
func (d *differencer) DerivativeDelta() float64 { return d.delta }

func (d *differencer) valueAndDerivative(b *base, value func([]float64) (float64, error), params []float64) (float64, []float64, error) {
	steps := b.displacementSteps(params, d.delta*floats.Min(b.moving.Spacing))
	deriv, err := finiteDifference(value, params, steps)
	if err != nil {
		return 0, nil, err
	}
	v, err := value(params)
	if err != nil {
		return 0, nil, err
	}
	return v, deriv, nil
}
