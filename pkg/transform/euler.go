package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Euler2D is a rigid 2-D transform with parameters [angle, tx, ty]
type Euler2D struct {
	centered
	angle float64
}

func NewEuler2D() *Euler2D {
	return &Euler2D{centered: newCentered(2)}
}

func (e *Euler2D) Name() string            { return "Euler2DTransform" }
func (e *Euler2D) NumberOfParameters() int { return 3 }

func (e *Euler2D) Parameters() []float64 {
	return []float64{e.angle, e.translation[0], e.translation[1]}
}

func (e *Euler2D) SetParameters(p []float64) error {
	if err := checkLength(e.Name(), p, 3); err != nil {
		return err
	}
	e.angle = p[0]
	e.translation[0], e.translation[1] = p[1], p[2]
	return nil
}

func (e *Euler2D) Matrix() *mat.Dense {
	c, s := math.Cos(e.angle), math.Sin(e.angle)
	return mat.NewDense(2, 2, []float64{c, -s, s, c})
}

func (e *Euler2D) Offset() []float64 { return e.offset(e.Matrix()) }

func (e *Euler2D) TransformPoint(p, dst []float64) {
	e.apply(e.Matrix(), p, dst)
}

func (e *Euler2D) Jacobian(p []float64) *mat.Dense {
	c, s := math.Cos(e.angle), math.Sin(e.angle)
	dx, dy := p[0]-e.center[0], p[1]-e.center[1]
	return mat.NewDense(2, 3, []float64{
		-s*dx - c*dy, 1, 0,
		c*dx - s*dy, 0, 1,
	})
}

func (e *Euler2D) Clone() Transform {
	out := NewEuler2D()
	out.angle = e.angle
	out.SetCenter(e.center)
	out.SetTranslation(e.translation)
	return out
}

// Euler3D is a rigid 3-D transform with parameters [ax, ay, az, tx, ty, tz].
// The rotation is composed as Rz * Rx * Ry.
type Euler3D struct {
	centered
	angles [3]float64
}

func NewEuler3D() *Euler3D {
	return &Euler3D{centered: newCentered(3)}
}

func (e *Euler3D) Name() string            { return "Euler3DTransform" }
func (e *Euler3D) NumberOfParameters() int { return 6 }

func (e *Euler3D) Parameters() []float64 {
	return []float64{
		e.angles[0], e.angles[1], e.angles[2],
		e.translation[0], e.translation[1], e.translation[2],
	}
}

func (e *Euler3D) SetParameters(p []float64) error {
	if err := checkLength(e.Name(), p, 6); err != nil {
		return err
	}
	copy(e.angles[:], p[:3])
	copy(e.translation, p[3:])
	return nil
}

func rotations(ax, ay, az float64) (rx, ry, rz, drx, dry, drz *mat.Dense) {
	cx, sx := math.Cos(ax), math.Sin(ax)
	cy, sy := math.Cos(ay), math.Sin(ay)
	cz, sz := math.Cos(az), math.Sin(az)

	rx = mat.NewDense(3, 3, []float64{1, 0, 0, 0, cx, -sx, 0, sx, cx})
	ry = mat.NewDense(3, 3, []float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy})
	rz = mat.NewDense(3, 3, []float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1})

	drx = mat.NewDense(3, 3, []float64{0, 0, 0, 0, -sx, -cx, 0, cx, -sx})
	dry = mat.NewDense(3, 3, []float64{-sy, 0, cy, 0, 0, 0, -cy, 0, -sy})
	drz = mat.NewDense(3, 3, []float64{-sz, -cz, 0, cz, -sz, 0, 0, 0, 0})
	return
}

func compose(a, b, c mat.Matrix) *mat.Dense {
	var ab, abc mat.Dense
	ab.Mul(a, b)
	abc.Mul(&ab, c)
	return &abc
}

func (e *Euler3D) Matrix() *mat.Dense {
	rx, ry, rz, _, _, _ := rotations(e.angles[0], e.angles[1], e.angles[2])
	return compose(rz, rx, ry)
}

func (e *Euler3D) Offset() []float64 { return e.offset(e.Matrix()) }

func (e *Euler3D) TransformPoint(p, dst []float64) {
	e.apply(e.Matrix(), p, dst)
}

func (e *Euler3D) Jacobian(p []float64) *mat.Dense {
	rx, ry, rz, drx, dry, drz := rotations(e.angles[0], e.angles[1], e.angles[2])
	partials := []*mat.Dense{
		compose(rz, drx, ry),
		compose(rz, rx, dry),
		compose(drz, rx, ry),
	}

	d := mat.NewVecDense(3, []float64{p[0] - e.center[0], p[1] - e.center[1], p[2] - e.center[2]})
	jac := mat.NewDense(3, 6, nil)
	var col mat.VecDense
	for j, dr := range partials {
		col.MulVec(dr, d)
		for r := 0; r < 3; r++ {
			jac.Set(r, j, col.AtVec(r))
		}
	}
	for r := 0; r < 3; r++ {
		jac.Set(r, 3+r, 1)
	}
	return jac
}

func (e *Euler3D) Clone() Transform {
	out := NewEuler3D()
	out.angles = e.angles
	out.SetCenter(e.center)
	out.SetTranslation(e.translation)
	return out
}
