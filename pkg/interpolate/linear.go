// Package interpolate evaluates images at non-grid positions.
package interpolate

import (
	"math"

	"mrireg/internal/models"
)

// Interpolator evaluates an image at continuous indices
type Interpolator interface {
	Name() string
	SetInputImage(img *models.Image)
	// Evaluate returns the interpolated value and false when cindex lies
	// outside the pixel grid.
	Evaluate(cindex []float64) (float64, bool)
}

// Linear performs bi/tri-linear interpolation
type Linear struct {
	img     *models.Image
	lower   []int
	weights []float64
	index   []int
}

// NewLinear creates a linear interpolator with no input image
func NewLinear() *Linear {
	return &Linear{}
}

func (l *Linear) Name() string { return "LinearInterpolateImageFunction" }

// SetInputImage attaches the image to interpolate
func (l *Linear) SetInputImage(img *models.Image) {
	l.img = img
	dim := img.Dimension()
	l.lower = make([]int, dim)
	l.weights = make([]float64, dim)
	l.index = make([]int, dim)
}

// Evaluate implements Interpolator
func (l *Linear) Evaluate(cindex []float64) (float64, bool) {
	img := l.img
	if img == nil || !img.InsideBuffer(cindex) {
		return 0, false
	}
	dim := img.Dimension()
	for d := 0; d < dim; d++ {
		base := math.Floor(cindex[d])
		// Keep the upper neighbour inside the grid on the last sample
		if int(base) >= img.Size[d]-1 {
			base = float64(img.Size[d] - 1)
		}
		l.lower[d] = int(base)
		l.weights[d] = cindex[d] - base
	}

	// Visit the 2^dim corners of the enclosing cell
	value := 0.0
	for corner := 0; corner < 1<<dim; corner++ {
		w := 1.0
		for d := 0; d < dim; d++ {
			if corner&(1<<d) != 0 {
				w *= l.weights[d]
				l.index[d] = l.lower[d] + 1
			} else {
				w *= 1 - l.weights[d]
				l.index[d] = l.lower[d]
			}
		}
		if w == 0 {
			continue
		}
		value += w * img.Pixels[img.Offset(l.index)]
	}
	return value, true
}
