package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrireg/internal/models"
	"mrireg/pkg/config"
	"mrireg/pkg/imageio"
)

func writeConstant(t *testing.T, dir, name string, size int, value float64) string {
	t.Helper()
	img := models.NewImage(size, size)
	for i := range img.Pixels {
		img.Pixels[i] = value
	}
	path := filepath.Join(dir, name)
	require.NoError(t, imageio.Write(path, img, models.PixelUint8))
	return path
}

func execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestMissingArgumentsPrintUsage(t *testing.T) {
	code, _, stderr := execute("2", "a.mha", "b.mha")
	assert.Equal(t, ExitConfiguration, code)
	assert.Contains(t, stderr, config.Usage)
}

func TestZeroDimensionsIsFatal(t *testing.T) {
	dir := t.TempDir()
	code, _, stderr := execute("0", "a.mha", "b.mha", filepath.Join(dir, "h.txt"))
	assert.Equal(t, ExitConfiguration, code)
	assert.Contains(t, stderr, "dimensions")
}

func TestUnwritableHistoryIsFatal(t *testing.T) {
	dir := t.TempDir()
	a := writeConstant(t, dir, "a.mha", 64, 50)
	code, _, stderr := execute("2", a, a, filepath.Join(dir, "missing", "h.txt"))
	assert.Equal(t, ExitConfiguration, code)
	assert.Contains(t, stderr, "history")
}

func TestRegistrationSucceeds(t *testing.T) {
	dir := t.TempDir()
	a := writeConstant(t, dir, "a.mha", 64, 50)
	b := writeConstant(t, dir, "b.mha", 64, 50)
	hist := filepath.Join(dir, "h.txt")
	saved := filepath.Join(dir, "effective.yaml")
	output := filepath.Join(dir, "registered.mha")
	slices := filepath.Join(dir, "slices")

	// an out-of-range metric is clamped to the default with a warning
	code, stdout, stderr := execute("--write-config", saved, "--output", output, "--slices-dir", slices,
		"2", a, b, hist, "5", "1e-5", "0.1", "3", "0", "9", "500", "0")
	require.Equal(t, ExitSuccess, code, stderr)

	assert.Contains(t, stderr, "invalid similarity specifier 9")
	assert.Contains(t, stdout, "MultiResolution Level: 0")
	assert.Contains(t, stdout, "Final parameters:")
	assert.FileExists(t, output)
	assert.FileExists(t, filepath.Join(slices, "z", "slice_z_000.jpg"))

	data, err := os.ReadFile(hist)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Optimizer stop condition:")

	cfg, err := config.LoadConfig(saved)
	require.NoError(t, err)
	assert.Equal(t, config.NormalizedCrossCorrelation, cfg.Similarity)
	assert.Equal(t, 2, cfg.Dimensions)
}

func TestConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	a := writeConstant(t, dir, "a.mha", 64, 50)
	overlay := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("similarity: MeanSquares\noptimization:\n  iterations: 3\n"), 0644))

	saved := filepath.Join(dir, "effective.yaml")
	code, stdout, stderr := execute("--config", overlay, "--write-config", saved, "2", a, a, filepath.Join(dir, "h.txt"))
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "Similarity: MeanSquares")

	cfg, err := config.LoadConfig(saved)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Optimization.Iterations)
}

func TestOutputWriteFailureStillSucceeds(t *testing.T) {
	dir := t.TempDir()
	a := writeConstant(t, dir, "a.mha", 64, 50)
	hist := filepath.Join(dir, "h.txt")
	output := filepath.Join(dir, "missing", "registered.mha")

	code, stdout, stderr := execute("--output", output, "2", a, a, hist)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stderr, "failed to write registered image")
	assert.Contains(t, stdout, "Registration completed")
	assert.NoFileExists(t, output)
}

func TestEngineFailureExitCode(t *testing.T) {
	dir := t.TempDir()
	a := writeConstant(t, dir, "a.mha", 64, 50)
	hist := filepath.Join(dir, "h.txt")

	// a threshold above every voxel leaves the metric without samples
	code, _, stderr := execute("2", a, a, hist, "5", "1e-5", "0.1", "1", "200", "0")
	assert.Equal(t, ExitRegistration, code)
	assert.Contains(t, stderr, "registration failed")

	data, err := os.ReadFile(hist)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Registration failed:")
}
