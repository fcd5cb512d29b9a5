package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Affine is a D-dimensional affine transform. Its parameters are the D×D
// matrix in row-major order followed by the D translations.
type Affine struct {
	centered
	matrix *mat.Dense
}

func NewAffine(dim int) *Affine {
	m := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		m.Set(i, i, 1)
	}
	return &Affine{centered: newCentered(dim), matrix: m}
}

func (a *Affine) Name() string            { return fmt.Sprintf("Affine%dDTransform", a.dim) }
func (a *Affine) NumberOfParameters() int { return a.dim*a.dim + a.dim }

func (a *Affine) Parameters() []float64 {
	p := make([]float64, 0, a.NumberOfParameters())
	for r := 0; r < a.dim; r++ {
		p = append(p, a.matrix.RawRowView(r)...)
	}
	return append(p, a.translation...)
}

func (a *Affine) SetParameters(p []float64) error {
	if err := checkLength(a.Name(), p, a.NumberOfParameters()); err != nil {
		return err
	}
	n := a.dim * a.dim
	a.matrix = mat.NewDense(a.dim, a.dim, append([]float64(nil), p[:n]...))
	copy(a.translation, p[n:])
	return nil
}

func (a *Affine) Matrix() *mat.Dense {
	return mat.DenseCopyOf(a.matrix)
}

func (a *Affine) Offset() []float64 { return a.offset(a.matrix) }

func (a *Affine) TransformPoint(p, dst []float64) {
	a.apply(a.matrix, p, dst)
}

func (a *Affine) Jacobian(p []float64) *mat.Dense {
	jac := mat.NewDense(a.dim, a.NumberOfParameters(), nil)
	for r := 0; r < a.dim; r++ {
		for k := 0; k < a.dim; k++ {
			jac.Set(r, r*a.dim+k, p[k]-a.center[k])
		}
		jac.Set(r, a.dim*a.dim+r, 1)
	}
	return jac
}

func (a *Affine) Clone() Transform {
	out := NewAffine(a.dim)
	out.matrix = mat.DenseCopyOf(a.matrix)
	out.SetCenter(a.center)
	out.SetTranslation(a.translation)
	return out
}
