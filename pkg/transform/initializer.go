package transform

import (
	"gonum.org/v1/gonum/stat"

	"mrireg/internal/models"
)

// CenterOfMass returns the intensity-weighted mean physical position of img.
// Images with no positive mass fall back to the geometric center.
func CenterOfMass(img *models.Image) []float64 {
	dim := img.Dimension()
	n := img.NumberOfPixels()

	coords := make([][]float64, dim)
	for d := range coords {
		coords[d] = make([]float64, n)
	}
	weights := make([]float64, n)

	idx := make([]int, dim)
	cidx := make([]float64, dim)
	point := make([]float64, dim)
	mass := 0.0
	for off := 0; off < n; off++ {
		img.IndexOf(off, idx)
		for d := range idx {
			cidx[d] = float64(idx[d])
		}
		img.IndexToPoint(cidx, point)
		for d := range point {
			coords[d][off] = point[d]
		}
		w := img.Pixels[off]
		if w < 0 {
			w = 0
		}
		weights[off] = w
		mass += w
	}

	center := make([]float64, dim)
	if mass == 0 {
		return GeometricCenter(img)
	}
	for d := range center {
		center[d] = stat.Mean(coords[d], weights)
	}
	return center
}

// GeometricCenter returns the physical position of the middle of the grid
func GeometricCenter(img *models.Image) []float64 {
	dim := img.Dimension()
	cidx := make([]float64, dim)
	for d := range cidx {
		cidx[d] = float64(img.Size[d]-1) / 2
	}
	center := make([]float64, dim)
	img.IndexToPoint(cidx, center)
	return center
}

// InitializeFromMoments centers t on the fixed image center of mass and sets
// its translation to the offset between the moving and fixed centers of
// mass. Rotation and matrix parameters are left unchanged.
func InitializeFromMoments(t Transform, fixed, moving *models.Image) {
	fc := CenterOfMass(fixed)
	mc := CenterOfMass(moving)

	translation := make([]float64, len(fc))
	for d := range fc {
		translation[d] = mc[d] - fc[d]
	}
	t.SetCenter(fc)
	t.SetTranslation(translation)
}
