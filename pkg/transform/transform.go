// Package transform provides the parametric spatial transforms used to map
// fixed-image points into the moving image.
package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mrireg/pkg/config"
)

// Transform maps physical points from fixed to moving image space.
//
// Every transform here is a centered linear map p' = M(p - c) + c + t where
// the center c is a fixed parameter and M and t derive from the parameters.
type Transform interface {
	// Name identifies the concrete transform, e.g. "Euler3DTransform"
	Name() string
	Dimension() int
	NumberOfParameters() int
	Parameters() []float64
	SetParameters(p []float64) error
	Center() []float64
	SetCenter(c []float64)
	Translation() []float64
	SetTranslation(t []float64)

	// TransformPoint writes the mapped point to dst
	TransformPoint(p, dst []float64)

	// Jacobian returns the Dimension × NumberOfParameters derivative of the
	// mapped point with respect to the parameters, evaluated at p.
	Jacobian(p []float64) *mat.Dense

	// Matrix returns M
	Matrix() *mat.Dense

	// Offset returns t + c - M c
	Offset() []float64

	Clone() Transform
}

// New constructs the transform for a variant
func New(v config.Variant) (Transform, error) {
	switch v.Transform {
	case config.Euler:
		switch v.Dimension {
		case 2:
			return NewEuler2D(), nil
		case 3:
			return NewEuler3D(), nil
		}
	case config.Affine:
		if v.Dimension == 2 || v.Dimension == 3 {
			return NewAffine(v.Dimension), nil
		}
	}
	return nil, fmt.Errorf("no %s transform for %d-D images", v.Transform, v.Dimension)
}

// DefaultScales returns the level-0 optimizer scales for t: rotations and
// matrix entries 1.0, translations 1e-3 for Euler transforms and 1e-6 for
// affine transforms.
func DefaultScales(t Transform) []float64 {
	scales := make([]float64, t.NumberOfParameters())
	for i := range scales {
		scales[i] = 1.0
	}
	translation := 1.0e-3
	if _, ok := t.(*Affine); ok {
		translation = 1.0e-6
	}
	dim := t.Dimension()
	for i := len(scales) - dim; i < len(scales); i++ {
		scales[i] = translation
	}
	return scales
}

// centered holds the center and translation shared by all transforms
type centered struct {
	dim         int
	center      []float64
	translation []float64
}

func newCentered(dim int) centered {
	return centered{
		dim:         dim,
		center:      make([]float64, dim),
		translation: make([]float64, dim),
	}
}

func (c *centered) Dimension() int         { return c.dim }
func (c *centered) Center() []float64      { return append([]float64(nil), c.center...) }
func (c *centered) Translation() []float64 { return append([]float64(nil), c.translation...) }
func (c *centered) SetCenter(v []float64)  { copy(c.center, v) }
func (c *centered) SetTranslation(v []float64) {
	copy(c.translation, v)
}

// apply computes M(p - c) + c + t
func (c *centered) apply(m *mat.Dense, p, dst []float64) {
	for r := 0; r < c.dim; r++ {
		sum := c.center[r] + c.translation[r]
		for k := 0; k < c.dim; k++ {
			sum += m.At(r, k) * (p[k] - c.center[k])
		}
		dst[r] = sum
	}
}

// offset computes t + c - M c
func (c *centered) offset(m *mat.Dense) []float64 {
	off := make([]float64, c.dim)
	for r := 0; r < c.dim; r++ {
		sum := c.translation[r] + c.center[r]
		for k := 0; k < c.dim; k++ {
			sum -= m.At(r, k) * c.center[k]
		}
		off[r] = sum
	}
	return off
}

func checkLength(name string, p []float64, n int) error {
	if len(p) != n {
		return fmt.Errorf("%s expects %d parameters, got %d", name, n, len(p))
	}
	return nil
}
