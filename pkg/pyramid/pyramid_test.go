package pyramid

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"mrireg/internal/models"
)

// TestDefaultSchedule verifies factors halve towards the finest level
func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule(3, 2)
	want := [][]int{{4, 4}, {2, 2}, {1, 1}}
	for l := range want {
		for d := range want[l] {
			if s[l][d] != want[l][d] {
				t.Fatalf("Expected %v, got %v", want, s)
			}
		}
	}
}

// TestBuildKeepsLevels verifies a large image keeps the requested levels
func TestBuildKeepsLevels(t *testing.T) {
	s := Build(3, []int{256, 256})
	if s.Levels() != 3 {
		t.Errorf("Expected 3 levels, got %d", s.Levels())
	}
}

// TestBuildShrinks verifies levels are dropped until the coarsest level is large enough
func TestBuildShrinks(t *testing.T) {
	cases := []struct {
		levels int
		size   []int
		want   int
	}{
		{3, []int{64, 64}, 1},
		{3, []int{128, 128}, 2},
		{4, []int{255, 512}, 2},
		{1, []int{10, 10}, 1},
		{3, []int{256, 100, 12}, 1},
		{3, []int{256, 256, 12}, 3},
	}
	for _, tc := range cases {
		s := Build(tc.levels, tc.size)
		if s.Levels() != tc.want {
			t.Errorf("Build(%d, %v): expected %d levels, got %d", tc.levels, tc.size, tc.want, s.Levels())
		}
	}
}

// TestBuildPinsThroughPlane verifies 3-D schedules never undersample the z axis
func TestBuildPinsThroughPlane(t *testing.T) {
	s := Build(4, []int{512, 512, 40})
	for l := 0; l < s.Levels(); l++ {
		if s[l][2] != 1 {
			t.Errorf("Level %d: expected z factor 1, got %d", l, s[l][2])
		}
	}
	if s[0][0] != 8 {
		t.Errorf("Expected coarsest in-plane factor 8, got %d", s[0][0])
	}
}

// TestBuildProperties checks the schedule invariants for arbitrary sizes
func TestBuildProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dim := rapid.IntRange(2, 3).Draw(t, "dim")
		levels := rapid.IntRange(1, 6).Draw(t, "levels")
		size := make([]int, dim)
		for d := range size {
			size[d] = rapid.IntRange(1, 1024).Draw(t, "size")
		}

		s := Build(levels, size)
		if s.Levels() < 1 || s.Levels() > levels {
			t.Fatalf("level count %d outside [1, %d]", s.Levels(), levels)
		}
		if err := s.Validate(); err != nil {
			t.Fatal(err)
		}
		for l := range s {
			if dim == 3 && s[l][2] != 1 {
				t.Fatalf("level %d through-plane factor %d", l, s[l][2])
			}
		}
		if s.Levels() > 1 && s.tooCoarse(size) {
			t.Fatalf("coarsest level too small: %v for %v", s[0], size)
		}
		// One more level must have violated the constraint
		if s.Levels() < levels {
			bigger := DefaultSchedule(s.Levels()+1, dim)
			if dim == 3 {
				bigger.pinThroughPlane()
			}
			if !bigger.tooCoarse(size) {
				t.Fatalf("dropped a level that fit: %d of %d for %v", s.Levels(), levels, size)
			}
		}
	})
}

// TestFormatFactors checks the history rendering
func TestFormatFactors(t *testing.T) {
	s := Build(2, []int{256, 256, 20})
	if got := s.FormatFactors(0); got != "[2 2 1]" {
		t.Errorf("Expected [2 2 1], got %s", got)
	}

	flat := Build(2, []int{256, 256})
	if got := flat.FormatFactors(0); got != "[2 2 1]" {
		t.Errorf("Expected 2-D level to render as [2 2 1], got %s", got)
	}
	if got := flat.FormatFactors(1); got != "[1 1 1]" {
		t.Errorf("Expected [1 1 1], got %s", got)
	}
}

// TestDownsampleConstant verifies a constant image stays constant and keeps its extent
func TestDownsampleConstant(t *testing.T) {
	img := models.NewImage(16, 12)
	for i := range img.Pixels {
		img.Pixels[i] = 42
	}

	out := Downsample(img, []int{4, 2})
	if out.Size[0] != 4 || out.Size[1] != 6 {
		t.Fatalf("Expected 4x6, got %v", out.Size)
	}
	if out.Spacing[0] != 4 || out.Spacing[1] != 2 {
		t.Errorf("Expected spacing [4 2], got %v", out.Spacing)
	}
	if math.Abs(out.Origin[0]-1.5) > 1e-12 || math.Abs(out.Origin[1]-0.5) > 1e-12 {
		t.Errorf("Expected origin [1.5 0.5], got %v", out.Origin)
	}
	for i, v := range out.Pixels {
		if math.Abs(v-42) > 1e-9 {
			t.Fatalf("Pixel %d: expected 42, got %g", i, v)
		}
	}
}

// TestImagePyramidIdentityLevel verifies the finest level is the input itself
func TestImagePyramidIdentityLevel(t *testing.T) {
	img := models.NewImage(128, 128)
	p, err := NewImagePyramid(img, Build(2, img.Size))
	if err != nil {
		t.Fatal(err)
	}
	if p.Level(1) != img {
		t.Error("Expected finest level to reuse the input image")
	}
	if p.Level(0).Size[0] != 64 {
		t.Errorf("Expected coarse level of 64 voxels, got %d", p.Level(0).Size[0])
	}
}
