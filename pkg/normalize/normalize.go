// Package normalize shifts and scales image intensities to zero mean and
// unit variance.
package normalize

import (
	"gonum.org/v1/gonum/stat"

	"mrireg/internal/models"
)

// Normalize returns a copy of img with zero mean and unit variance. A
// constant image is only shifted to zero mean.
func Normalize(img *models.Image) *models.Image {
	out := img.Clone()
	mean, std := stat.MeanStdDev(img.Pixels, nil)
	if std == 0 {
		std = 1
	}
	for i, v := range img.Pixels {
		out.Pixels[i] = (v - mean) / std
	}
	out.Type = models.PixelFloat64
	return out
}
