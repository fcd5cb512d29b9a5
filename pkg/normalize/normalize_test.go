package normalize

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"mrireg/internal/models"
)

// TestNormalize verifies zero mean and unit variance without touching the input
func TestNormalize(t *testing.T) {
	img := models.NewImage(4, 4)
	for i := range img.Pixels {
		img.Pixels[i] = float64(i*i) + 3
	}
	before := append([]float64(nil), img.Pixels...)

	out := Normalize(img)
	mean, std := stat.MeanStdDev(out.Pixels, nil)
	if math.Abs(mean) > 1e-12 {
		t.Errorf("Expected zero mean, got %g", mean)
	}
	if math.Abs(std-1) > 1e-12 {
		t.Errorf("Expected unit standard deviation, got %g", std)
	}
	for i := range before {
		if img.Pixels[i] != before[i] {
			t.Fatal("Normalize modified its input")
		}
	}
}

// TestNormalizeConstant verifies a constant image becomes all zeros
func TestNormalizeConstant(t *testing.T) {
	img := models.NewImage(3, 3)
	for i := range img.Pixels {
		img.Pixels[i] = 7
	}
	for _, v := range Normalize(img).Pixels {
		if v != 0 {
			t.Fatalf("Expected 0, got %g", v)
		}
	}
}
