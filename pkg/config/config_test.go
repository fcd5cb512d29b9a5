package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseArgs(extra ...string) []string {
	return append([]string{"2", "A.mha", "B.mha", "H.txt"}, extra...)
}

// TestDefaultConfig verifies the documented defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Optimization.MaxStepLength != 5.0 {
		t.Errorf("Expected max step 5.0, got %g", cfg.Optimization.MaxStepLength)
	}
	if cfg.Optimization.MinStepLength != 1e-5 {
		t.Errorf("Expected min step 1e-5, got %g", cfg.Optimization.MinStepLength)
	}
	if cfg.Optimization.Iterations != 500 {
		t.Errorf("Expected 500 iterations, got %d", cfg.Optimization.Iterations)
	}
	if cfg.Sampling.HistogramBins != 128 {
		t.Errorf("Expected 128 bins, got %d", cfg.Sampling.HistogramBins)
	}
	if cfg.PyramidLevels != 3 {
		t.Errorf("Expected 3 pyramid levels, got %d", cfg.PyramidLevels)
	}
	if cfg.Similarity != NormalizedCrossCorrelation || cfg.Transform != Euler {
		t.Errorf("Expected NCC/Euler defaults, got %s/%s", cfg.Similarity, cfg.Transform)
	}
}

// TestParseArgsMissing verifies fewer than four arguments are rejected
func TestParseArgsMissing(t *testing.T) {
	err := ParseArgs(DefaultConfig(), []string{"2", "A.mha", "B.mha"}, nil)
	if !errors.Is(err, ErrMissingArguments) {
		t.Fatalf("Expected ErrMissingArguments, got %v", err)
	}
}

// TestParseArgsFull verifies every positional argument lands in its field
func TestParseArgsFull(t *testing.T) {
	cfg := DefaultConfig()
	args := baseArgs("4.0", "1e-4", "0.25", "2", "10", "4", "200", "1")
	if err := ParseArgs(cfg, args, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Dimensions != 2 || cfg.Files.Target != "A.mha" || cfg.Files.Moving != "B.mha" || cfg.Files.History != "H.txt" {
		t.Errorf("Required arguments not parsed: %+v", cfg.Files)
	}
	if cfg.Optimization.MaxStepLength != 4.0 || cfg.Optimization.MinStepLength != 1e-4 {
		t.Errorf("Expected steps 4/1e-4, got %g/%g", cfg.Optimization.MaxStepLength, cfg.Optimization.MinStepLength)
	}
	if cfg.Sampling.SampleFraction != 0.25 || cfg.CurrentSampleFraction != 0.25 {
		t.Errorf("Expected sample fraction 0.25, got %g/%g", cfg.Sampling.SampleFraction, cfg.CurrentSampleFraction)
	}
	if cfg.PyramidLevels != 2 {
		t.Errorf("Expected 2 levels, got %d", cfg.PyramidLevels)
	}
	if cfg.Sampling.IntensityThreshold != 10 {
		t.Errorf("Expected threshold 10, got %g", cfg.Sampling.IntensityThreshold)
	}
	if cfg.Similarity != MattesMutualInformation {
		t.Errorf("Expected Mattes, got %s", cfg.Similarity)
	}
	if cfg.Optimization.Iterations != 200 {
		t.Errorf("Expected 200 iterations, got %d", cfg.Optimization.Iterations)
	}
	if cfg.Transform != Affine {
		t.Errorf("Expected Affine, got %s", cfg.Transform)
	}
}

// TestParseArgsClamping verifies out-of-range values fall back to defaults with warnings
func TestParseArgsClamping(t *testing.T) {
	cases := []struct {
		name  string
		args  []string
		check func(cfg *RegistrationConfig) bool
	}{
		{"fraction zero", baseArgs("5", "1e-5", "0"), func(c *RegistrationConfig) bool { return c.Sampling.SampleFraction == 0.1 }},
		{"fraction above one", baseArgs("5", "1e-5", "1.5"), func(c *RegistrationConfig) bool { return c.Sampling.SampleFraction == 0.1 }},
		{"fraction negative", baseArgs("5", "1e-5", "-0.2"), func(c *RegistrationConfig) bool { return c.Sampling.SampleFraction == 0.1 }},
		{"fraction NaN", baseArgs("5", "1e-5", "NaN"), func(c *RegistrationConfig) bool {
			return c.Sampling.SampleFraction == 0.1 && c.CurrentSampleFraction == 0.1
		}},
		{"metric high", baseArgs("5", "1e-5", "0.1", "3", "0", "7"), func(c *RegistrationConfig) bool { return c.Similarity == NormalizedCrossCorrelation }},
		{"metric negative", baseArgs("5", "1e-5", "0.1", "3", "0", "-1"), func(c *RegistrationConfig) bool { return c.Similarity == NormalizedCrossCorrelation }},
		{"iterations zero", baseArgs("5", "1e-5", "0.1", "3", "0", "0", "0"), func(c *RegistrationConfig) bool { return c.Optimization.Iterations == 500 }},
		{"transform high", baseArgs("5", "1e-5", "0.1", "3", "0", "0", "10", "2"), func(c *RegistrationConfig) bool { return c.Transform == Euler }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var warn bytes.Buffer
			cfg := DefaultConfig()
			if err := ParseArgs(cfg, tc.args, &warn); err != nil {
				t.Fatalf("Clamped values must not fail, got %v", err)
			}
			if !tc.check(cfg) {
				t.Errorf("Value was not clamped to its default: %+v", cfg)
			}
			if warn.Len() == 0 {
				t.Error("Expected a warning to be printed")
			}
		})
	}
}

// TestParseArgsInRangeNoWarning checks that valid input prints nothing
func TestParseArgsInRangeNoWarning(t *testing.T) {
	var warn bytes.Buffer
	if err := ParseArgs(DefaultConfig(), baseArgs("5", "1e-5", "1"), &warn); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if warn.Len() != 0 {
		t.Errorf("Expected no warnings, got %q", warn.String())
	}
}

// TestParseArgsBadNumber verifies unparsable numbers are configuration errors
func TestParseArgsBadNumber(t *testing.T) {
	if err := ParseArgs(DefaultConfig(), baseArgs("fast"), nil); err == nil {
		t.Error("Expected error for unparsable MAXSTEP")
	}
	err := ParseArgs(DefaultConfig(), []string{"two", "A", "B", "H"}, nil)
	if !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("Expected ErrInvalidDimensions, got %v", err)
	}
}

// TestValidate covers the fatal configuration errors
func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := ParseArgs(cfg, []string{"0", "A", "B", "H"}, nil); err != nil {
		t.Fatalf("Unexpected parse error: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("Expected ErrInvalidDimensions, got %v", err)
	}

	cfg.Dimensions = 4
	if err := cfg.Validate(); !errors.Is(err, ErrUnsupportedVariant) {
		t.Errorf("Expected ErrUnsupportedVariant, got %v", err)
	}

	for _, dims := range []int{2, 3} {
		for _, tk := range []TransformKind{Euler, Affine} {
			cfg.Dimensions = dims
			cfg.Transform = tk
			if err := cfg.Validate(); err != nil {
				t.Errorf("Expected %dD %s to validate, got %v", dims, tk, err)
			}
		}
	}
}

// TestValidateRejectsNonFiniteNumbers checks NaN and infinite step lengths
// and thresholds
func TestValidateRejectsNonFiniteNumbers(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"max step NaN", baseArgs("NaN", "1e-5")},
		{"min step NaN", baseArgs("5", "NaN")},
		{"max step infinite", baseArgs("+Inf", "1e-5")},
		{"threshold NaN", baseArgs("5", "1e-5", "0.1", "3", "NaN")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if err := ParseArgs(cfg, tc.args, nil); err != nil {
				t.Fatalf("Unexpected parse error: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected %v to fail validation", tc.args)
			}
		})
	}
}

// TestCloneResetsBudget checks that a clone starts from the configured
// sample fraction and leaves the original untouched
func TestCloneResetsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.SampleFraction = 0.2
	cfg.CurrentSampleFraction = 0.025

	run := cfg.Clone()
	if run.CurrentSampleFraction != 0.2 {
		t.Errorf("Expected budget 0.2, got %g", run.CurrentSampleFraction)
	}
	run.PyramidLevels = 1
	run.CurrentSampleFraction = 0.1
	if cfg.PyramidLevels != DefaultPyramidLevels || cfg.CurrentSampleFraction != 0.025 {
		t.Errorf("Clone shares state with the original: %+v", cfg)
	}
}

// TestMaximizes verifies the maximize set of similarity kinds
func TestMaximizes(t *testing.T) {
	want := map[SimilarityKind]bool{
		MeanSquares:                          false,
		GradientDifference:                   false,
		MutualInformation:                    true,
		NormalizedCrossCorrelation:           true,
		MattesMutualInformation:              true,
		MutualInformationHistogram:           true,
		NormalizedMutualInformationHistogram: true,
	}
	for k, v := range want {
		if k.Maximizes() != v {
			t.Errorf("Expected %s.Maximizes() = %v", k, v)
		}
	}
}

// TestOpenHistory verifies the history file is truncated and then appended to
func TestOpenHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.txt")
	if err := os.WriteFile(path, []byte("stale\n"), 0644); err != nil {
		t.Fatalf("Failed to seed history: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Files.History = path
	f, err := cfg.OpenHistory()
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	if _, err := f.WriteString("fresh\n"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	f.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "fresh\n" {
		t.Errorf("Expected truncated history, got %q", string(data))
	}

	cfg.Files.History = filepath.Join(dir, "missing", "history.txt")
	if _, err := cfg.OpenHistory(); !errors.Is(err, ErrHistoryUnwritable) {
		t.Errorf("Expected ErrHistoryUnwritable, got %v", err)
	}
}

// TestLoadSaveConfig verifies the YAML overlay round trip and the missing-file default
func TestLoadSaveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "mrireg.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Missing file should yield defaults, got %v", err)
	}
	if cfg.PyramidLevels != DefaultPyramidLevels {
		t.Errorf("Expected default levels, got %d", cfg.PyramidLevels)
	}

	cfg.Similarity = MattesMutualInformation
	cfg.Transform = Affine
	cfg.Sampling.HistogramBins = 50
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "MattesMutualInformation") {
		t.Errorf("Expected kind names in YAML, got:\n%s", string(data))
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if loaded.Similarity != MattesMutualInformation || loaded.Transform != Affine || loaded.Sampling.HistogramBins != 50 {
		t.Errorf("Round trip lost values: %+v", loaded)
	}
}

// TestLoadConfigNumericKinds accepts numeric enumeration values in YAML
func TestLoadConfigNumericKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("similarity: 4\ntransform: affine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Similarity != MattesMutualInformation || cfg.Transform != Affine {
		t.Errorf("Expected Mattes/Affine, got %s/%s", cfg.Similarity, cfg.Transform)
	}
}
