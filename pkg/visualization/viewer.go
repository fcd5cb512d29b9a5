// Package visualization extracts 2-D views of registration images so a run
// can be checked by eye.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"mrireg/internal/models"
)

// Viewer extracts orthogonal slices from an image. Intensities are windowed
// linearly from the image minimum and maximum onto 16-bit gray levels.
type Viewer struct {
	// img holds the volume; 2-D images are treated as a single z slice
	img *models.Image

	// dimensions of the volume
	width  int
	height int
	depth  int

	// window maps intensities to gray levels
	low  float64
	high float64
}

// NewViewer creates a viewer over img
func NewViewer(img *models.Image) *Viewer {
	v := &Viewer{
		img:    img,
		width:  img.Size[0],
		height: img.Size[1],
		depth:  1,
	}
	if img.Dimension() == 3 {
		v.depth = img.Size[2]
	}
	if len(img.Pixels) > 0 {
		v.low = floats.Min(img.Pixels)
		v.high = floats.Max(img.Pixels)
	}
	return v
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(t*65535))))}
}

func (v *Viewer) at(x, y, z int) float64 {
	return v.img.Pixels[z*v.width*v.height+y*v.width+x]
}

// ExtractSlice extracts a 2D slice along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.at(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.at(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(v.at(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the number written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return maxPos, nil
}

// Checkerboard interleaves square tiles of a and b, which must share a
// size. Misregistration shows as broken edges at tile borders.
func Checkerboard(a, b *models.Image, tile int) (*models.Image, error) {
	if a.Dimension() != b.Dimension() {
		return nil, fmt.Errorf("images are %d-D and %d-D", a.Dimension(), b.Dimension())
	}
	for d := range a.Size {
		if a.Size[d] != b.Size[d] {
			return nil, fmt.Errorf("image sizes differ: %v and %v", a.Size, b.Size)
		}
	}
	if tile < 1 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tile)
	}

	out := a.CopyGeometry()
	out.Type = a.Type
	idx := make([]int, a.Dimension())
	for off := range out.Pixels {
		a.IndexOf(off, idx)
		parity := 0
		for _, i := range idx {
			parity += i / tile
		}
		if parity%2 == 0 {
			out.Pixels[off] = a.Pixels[off]
		} else {
			out.Pixels[off] = b.Pixels[off]
		}
	}
	return out, nil
}
