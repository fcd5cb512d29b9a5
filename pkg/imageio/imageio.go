// Package imageio reads and writes registration images. Volumes use the
// MetaImage format (.mha/.mhd); 2-D images may also be PNG, JPEG or TIFF.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"mrireg/internal/models"
)

// Reader loads images by file name
type Reader interface {
	ReadImage(path string) (*models.Image, error)
}

// FileReader is the Reader backed by the local file system
type FileReader struct{}

// ReadImage implements Reader
func (FileReader) ReadImage(path string) (*models.Image, error) {
	return Read(path)
}

// Read loads the image at path, selecting the decoder from the extension
//
// Parameters:
//   - path: Image file (.mha, .mhd, .png, .jpg, .jpeg, .tif, .tiff)
//
// Returns:
//   - The image with its geometry, or an error if the file cannot be decoded
func Read(path string) (*models.Image, error) {
	var (
		img *models.Image
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mha", ".mhd":
		img, err = readMetaImage(path)
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		img, err = readRaster(path)
	default:
		return nil, fmt.Errorf("unsupported image format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image %s: %w", path, err)
	}
	return img, nil
}

// Write saves img to path after casting its pixels to t. An empty t keeps
// the image's own pixel type.
func Write(path string, img *models.Image, t models.PixelType) error {
	if t == "" {
		t = img.Type
	}
	if t == "" {
		t = models.PixelFloat64
	}

	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mha":
		err = writeMetaImage(path, img, t)
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		if img.Dimension() != 2 {
			return fmt.Errorf("cannot write a %d-D image as %s", img.Dimension(), ext)
		}
		err = writeRaster(path, img, t)
	default:
		return fmt.Errorf("unsupported image format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Cast rounds and clamps v into the range of an integer pixel type; float
// types pass through.
func Cast(v float64, t models.PixelType) float64 {
	var lo, hi float64
	switch t {
	case models.PixelUint8:
		lo, hi = 0, math.MaxUint8
	case models.PixelUint16:
		lo, hi = 0, math.MaxUint16
	case models.PixelInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case models.PixelFloat32:
		return float64(float32(v))
	default:
		return v
	}
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func readRaster(path string) (*models.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	img := models.NewImage(bounds.Dx(), bounds.Dy())

	if gray, ok := src.(*image.Gray); ok {
		img.Type = models.PixelUint8
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				img.Pixels[y*bounds.Dx()+x] = float64(gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return img, nil
	}

	img.Type = models.PixelUint16
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.Gray16Model.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			img.Pixels[y*bounds.Dx()+x] = float64(c.Y)
		}
	}
	return img, nil
}

func writeRaster(path string, img *models.Image, t models.PixelType) error {
	width, height := img.Size[0], img.Size[1]
	rect := image.Rect(0, 0, width, height)

	var out image.Image
	if t == models.PixelUint8 {
		gray := image.NewGray(rect)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				gray.SetGray(x, y, color.Gray{Y: uint8(Cast(img.Pixels[y*width+x], models.PixelUint8))})
			}
		}
		out = gray
	} else {
		gray := image.NewGray16(rect)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				gray.SetGray16(x, y, color.Gray16{Y: uint16(Cast(img.Pixels[y*width+x], models.PixelUint16))})
			}
		}
		out = gray
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode(f, out)
	case ".jpg", ".jpeg":
		return jpeg.Encode(f, out, &jpeg.Options{Quality: 90})
	default:
		return tiff.Encode(f, out, &tiff.Options{Compression: tiff.Deflate})
	}
}
