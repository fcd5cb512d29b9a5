package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PixelType names the in-memory pixel representation. Every image is held as
// float64 internally; PixelType records what the file on disk carried so a
// writer can cast back.
type PixelType string

const (
	PixelFloat64 PixelType = "float64"
	PixelFloat32 PixelType = "float32"
	PixelUint8   PixelType = "uint8"
	PixelUint16  PixelType = "uint16"
	PixelInt16   PixelType = "int16"
)

// Image represents a 2-D or 3-D scalar image with physical geometry
type Image struct {
	// Size is the number of pixels along each axis (x first)
	Size []int

	// Spacing is the physical distance between pixel centers along each axis in mm
	Spacing []float64

	// Origin is the physical position of the first pixel center
	Origin []float64

	// Direction is the row-major D×D direction cosine matrix
	Direction []float64

	// Pixels is the image data as a 1D array with x varying fastest
	Pixels []float64

	// Type is the pixel type the image was read as
	Type PixelType

	inverse *mat.Dense
}

// Region is an index-space box inside an image
type Region struct {
	Start []int
	Size  []int
}

// NumberOfPixels returns the number of pixels inside the region
func (r Region) NumberOfPixels() int {
	if len(r.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// NewImage creates a zero-filled image with unit spacing, zero origin and
// identity direction.
func NewImage(size ...int) *Image {
	dim := len(size)
	img := &Image{
		Size:      append([]int(nil), size...),
		Spacing:   make([]float64, dim),
		Origin:    make([]float64, dim),
		Direction: make([]float64, dim*dim),
		Type:      PixelFloat64,
	}
	n := 1
	for i := 0; i < dim; i++ {
		img.Spacing[i] = 1
		img.Direction[i*dim+i] = 1
		n *= size[i]
	}
	img.Pixels = make([]float64, n)
	return img
}

// Dimension returns the number of axes
func (img *Image) Dimension() int {
	return len(img.Size)
}

// NumberOfPixels returns the total number of pixels in the buffer
func (img *Image) NumberOfPixels() int {
	return len(img.Pixels)
}

// LargestPossibleRegion returns the region covering the full image extent
func (img *Image) LargestPossibleRegion() Region {
	return Region{
		Start: make([]int, img.Dimension()),
		Size:  append([]int(nil), img.Size...),
	}
}

// Validate checks that the geometry and the pixel buffer agree
func (img *Image) Validate() error {
	dim := img.Dimension()
	if dim < 2 || dim > 3 {
		return fmt.Errorf("unsupported image dimension %d", dim)
	}
	if len(img.Spacing) != dim || len(img.Origin) != dim || len(img.Direction) != dim*dim {
		return fmt.Errorf("geometry does not match dimension %d", dim)
	}
	n := 1
	for i, s := range img.Size {
		if s <= 0 {
			return fmt.Errorf("axis %d has non-positive size %d", i, s)
		}
		if img.Spacing[i] <= 0 {
			return fmt.Errorf("axis %d has non-positive spacing %g", i, img.Spacing[i])
		}
		n *= s
	}
	if len(img.Pixels) != n {
		return fmt.Errorf("pixel buffer holds %d values, geometry expects %d", len(img.Pixels), n)
	}
	return nil
}

// Offset converts an index to a position in the pixel buffer
func (img *Image) Offset(index []int) int {
	off := 0
	stride := 1
	for i, v := range index {
		off += v * stride
		stride *= img.Size[i]
	}
	return off
}

// IndexOf converts a buffer position back to an index, writing into dst
func (img *Image) IndexOf(offset int, dst []int) {
	for i, s := range img.Size {
		dst[i] = offset % s
		offset /= s
	}
}

// IndexToPoint maps a (continuous) index to a physical point:
// p = origin + D * (spacing ⊙ index)
func (img *Image) IndexToPoint(index []float64, dst []float64) {
	dim := img.Dimension()
	for r := 0; r < dim; r++ {
		sum := img.Origin[r]
		for c := 0; c < dim; c++ {
			sum += img.Direction[r*dim+c] * img.Spacing[c] * index[c]
		}
		dst[r] = sum
	}
}

// PointToContinuousIndex maps a physical point to a continuous index
func (img *Image) PointToContinuousIndex(point []float64, dst []float64) {
	dim := img.Dimension()
	inv := img.inverseDirection()
	for r := 0; r < dim; r++ {
		sum := 0.0
		for c := 0; c < dim; c++ {
			sum += inv.At(r, c) * (point[c] - img.Origin[c])
		}
		dst[r] = sum / img.Spacing[r]
	}
}

// InsideBuffer reports whether a continuous index lies within the pixel grid
func (img *Image) InsideBuffer(cindex []float64) bool {
	for i, v := range cindex {
		if v < 0 || v > float64(img.Size[i]-1) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the image
func (img *Image) Clone() *Image {
	out := &Image{
		Size:      append([]int(nil), img.Size...),
		Spacing:   append([]float64(nil), img.Spacing...),
		Origin:    append([]float64(nil), img.Origin...),
		Direction: append([]float64(nil), img.Direction...),
		Pixels:    append([]float64(nil), img.Pixels...),
		Type:      img.Type,
	}
	return out
}

// CopyGeometry returns a zero-filled image with the same geometry
func (img *Image) CopyGeometry() *Image {
	out := img.Clone()
	for i := range out.Pixels {
		out.Pixels[i] = 0
	}
	return out
}

func (img *Image) inverseDirection() *mat.Dense {
	if img.inverse != nil {
		return img.inverse
	}
	dim := img.Dimension()
	d := mat.NewDense(dim, dim, append([]float64(nil), img.Direction...))
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		// A singular direction matrix cannot come from a valid file; fall
		// back to the transpose which is the inverse for any rotation.
		inv.CloneFrom(d.T())
	}
	img.inverse = &inv
	return img.inverse
}
