// Package quality compares a registered image with the target it was
// aligned to.
package quality

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mrireg/internal/models"
)

// HistogramBins is the number of intensity bins used for the entropies
const HistogramBins = 64

// ValidationMetrics holds the registration quality measures
type ValidationMetrics struct {
	// MI (Mutual Information) of the joint intensity histogram in nats.
	// Higher values indicate better alignment.
	MI float64

	// EntropyDiff is the absolute difference between the marginal entropies
	EntropyDiff float64

	// RMSE (Root Mean Square Error) of the intensities
	RMSE float64

	// SSIM (Structural Similarity Index) computed globally over the overlap,
	// with the dynamic range of the target.
	SSIM float64

	// Correlation is the Pearson correlation of the intensities
	Correlation float64

	// Overlap is the number of voxels compared
	Overlap int
}

// Measure compares target and registered voxel by voxel. Voxels of
// registered equal to exclude (the resampler's outside value) are skipped.
//
// Parameters:
//   - target: Fixed image
//   - registered: Moving image resampled onto the target grid
//   - exclude: Pixel value marking voxels outside the moving image
//
// Returns:
//   - The metrics, or an error if the grids differ or nothing overlaps
func Measure(target, registered *models.Image, exclude float64) (ValidationMetrics, error) {
	if len(target.Pixels) != len(registered.Pixels) {
		return ValidationMetrics{}, fmt.Errorf("images hold %d and %d voxels", len(target.Pixels), len(registered.Pixels))
	}

	var x, y []float64
	for i, v := range registered.Pixels {
		if v == exclude {
			continue
		}
		x = append(x, target.Pixels[i])
		y = append(y, v)
	}
	if len(x) == 0 {
		return ValidationMetrics{}, fmt.Errorf("registered image does not overlap the target")
	}

	m := ValidationMetrics{Overlap: len(x)}

	diff := make([]float64, len(x))
	floats.SubTo(diff, x, y)
	m.RMSE = floats.Norm(diff, 2) / math.Sqrt(float64(len(x)))

	m.SSIM = ssim(x, y, floats.Max(x)-floats.Min(x))

	if stat.Variance(x, nil) > 0 && stat.Variance(y, nil) > 0 {
		m.Correlation = stat.Correlation(x, y, nil)
	}

	hx, hy, hxy := entropies(x, y)
	m.MI = hx + hy - hxy
	m.EntropyDiff = math.Abs(hx - hy)
	return m, nil
}

func ssim(x, y []float64, dynamicRange float64) float64 {
	const k1 = 0.01
	const k2 = 0.03
	if dynamicRange <= 0 {
		dynamicRange = 1
	}
	c1 := (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 := (k2 * dynamicRange) * (k2 * dynamicRange)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// entropies returns the marginal and joint entropies of x and y
func entropies(x, y []float64) (hx, hy, hxy float64) {
	bx := binner(x)
	by := binner(y)

	px := make([]float64, HistogramBins)
	py := make([]float64, HistogramBins)
	pxy := make([]float64, HistogramBins*HistogramBins)
	for i := range x {
		ix, iy := bx(x[i]), by(y[i])
		px[ix]++
		py[iy]++
		pxy[ix*HistogramBins+iy]++
	}
	n := float64(len(x))
	floats.Scale(1/n, px)
	floats.Scale(1/n, py)
	floats.Scale(1/n, pxy)
	return stat.Entropy(px), stat.Entropy(py), stat.Entropy(pxy)
}

func binner(data []float64) func(float64) int {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return func(float64) int { return 0 }
	}
	width := (hi - lo) / HistogramBins
	return func(v float64) int {
		b := int((v - lo) / width)
		if b >= HistogramBins {
			b = HistogramBins - 1
		} else if b < 0 {
			b = 0
		}
		return b
	}
}

// Print writes the metrics in the console report format
func (m ValidationMetrics) Print(w io.Writer) {
	fmt.Fprintf(w, "\nValidation Metrics (%d voxels):\n", m.Overlap)
	fmt.Fprintf(w, "=======================================\n")
	fmt.Fprintf(w, "Mutual Information (MI): %.3f\n", m.MI)
	fmt.Fprintf(w, "Entropy Difference: %.3f\n", m.EntropyDiff)
	fmt.Fprintf(w, "Root Mean Square Error (RMSE): %.6f\n", m.RMSE)
	fmt.Fprintf(w, "Structural Similarity Index (SSIM): %.3f\n", m.SSIM)
	fmt.Fprintf(w, "Correlation: %.3f\n", m.Correlation)
}
