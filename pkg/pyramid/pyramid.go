package pyramid

import (
	"fmt"
	"math"

	"mrireg/internal/models"
	"mrireg/pkg/interpolate"
)

// ImagePyramid produces the smoothed, downsampled image for each level of a
// schedule. Levels are computed on first use and cached.
type ImagePyramid struct {
	input    *models.Image
	schedule Schedule
	levels   []*models.Image
}

// NewImagePyramid creates a pyramid over img
func NewImagePyramid(img *models.Image, schedule Schedule) (*ImagePyramid, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	for l, factors := range schedule {
		if len(factors) != img.Dimension() {
			return nil, fmt.Errorf("level %d has %d factors for a %d-D image", l, len(factors), img.Dimension())
		}
	}
	return &ImagePyramid{
		input:    img,
		schedule: schedule,
		levels:   make([]*models.Image, schedule.Levels()),
	}, nil
}

// Level returns the image for a level
func (p *ImagePyramid) Level(level int) *models.Image {
	if p.levels[level] == nil {
		p.levels[level] = Downsample(p.input, p.schedule.Factors(level))
	}
	return p.levels[level]
}

// Downsample smooths img with a Gaussian of standard deviation factor/2
// voxels along each undersampled axis and resamples it on a grid whose
// spacing is multiplied by the factor. The physical extent is preserved.
func Downsample(img *models.Image, factors []int) *models.Image {
	identity := true
	for _, f := range factors {
		if f != 1 {
			identity = false
		}
	}
	if identity {
		return img
	}

	smoothed := img.Clone()
	for d, f := range factors {
		if f > 1 {
			smoothAxis(smoothed, d, float64(f)/2)
		}
	}

	dim := img.Dimension()
	out := models.NewImage(shrinkSize(img.Size, factors)...)
	out.Direction = append([]float64(nil), img.Direction...)
	out.Type = img.Type
	shift := make([]float64, dim)
	for d, f := range factors {
		out.Spacing[d] = img.Spacing[d] * float64(f)
		shift[d] = float64(f-1) / 2
	}
	img.IndexToPoint(shift, out.Origin)

	interp := interpolate.NewLinear()
	interp.SetInputImage(smoothed)
	idx := make([]int, dim)
	cidx := make([]float64, dim)
	for off := range out.Pixels {
		out.IndexOf(off, idx)
		for d := range idx {
			cidx[d] = math.Min(float64(idx[d]*factors[d])+shift[d], float64(img.Size[d]-1))
		}
		v, _ := interp.Evaluate(cidx)
		out.Pixels[off] = v
	}
	return out
}

func shrinkSize(size, factors []int) []int {
	out := make([]int, len(size))
	for d := range size {
		out[d] = size[d] / factors[d]
		if out[d] < 1 {
			out[d] = 1
		}
	}
	return out
}

// smoothAxis convolves img in place along one axis, clamping at the borders
func smoothAxis(img *models.Image, axis int, sigma float64) {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	n := img.Size[axis]
	stride := 1
	for d := 0; d < axis; d++ {
		stride *= img.Size[d]
	}
	line := make([]float64, n)
	idx := make([]int, img.Dimension())

	for off := range img.Pixels {
		img.IndexOf(off, idx)
		if idx[axis] != 0 {
			continue
		}
		for i := 0; i < n; i++ {
			line[i] = img.Pixels[off+i*stride]
		}
		for i := 0; i < n; i++ {
			v := 0.0
			for k, w := range kernel {
				j := i + k - radius
				if j < 0 {
					j = 0
				} else if j >= n {
					j = n - 1
				}
				v += w * line[j]
			}
			img.Pixels[off+i*stride] = v
		}
	}
}
