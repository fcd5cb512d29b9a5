package registration

import (
	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
	"mrireg/pkg/transform"
)

// Resample maps moving onto the grid of reference through t. Voxels that
// map outside the moving image get defaultValue.
func Resample(moving, reference *models.Image, t transform.Transform, interp interpolate.Interpolator, defaultValue float64) *models.Image {
	out := reference.CopyGeometry()
	out.Type = moving.Type
	interp.SetInputImage(moving)

	dim := reference.Dimension()
	idx := make([]int, dim)
	cidx := make([]float64, dim)
	point := make([]float64, dim)
	mapped := make([]float64, dim)
	for off := range out.Pixels {
		out.IndexOf(off, idx)
		for d := range idx {
			cidx[d] = float64(idx[d])
		}
		reference.IndexToPoint(cidx, point)
		t.TransformPoint(point, mapped)
		moving.PointToContinuousIndex(mapped, cidx)
		if v, ok := interp.Evaluate(cidx); ok {
			out.Pixels[off] = v
		} else {
			out.Pixels[off] = defaultValue
		}
	}
	return out
}
