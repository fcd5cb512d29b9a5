// Package cli implements the mrireg command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mrireg/internal/logging"
	"mrireg/pkg/config"
	"mrireg/pkg/imageio"
	"mrireg/pkg/pipeline"
	"mrireg/pkg/visualization"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitConfiguration = 1
	ExitRegistration  = 2
)

// CheckerTile is the tile size of the saved checkerboard slices
const CheckerTile = 16

// exitError carries the process exit code of a failed run
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error       { return &exitError{code: ExitConfiguration, err: err} }
func registrationError(err error) error { return &exitError{code: ExitRegistration, err: err} }

type options struct {
	configFile  string
	writeConfig string
	output      string
	slicesDir   string
	logLevel    string
	logFormat   string
}

// NewRootCmd creates the root command writing its console stream to stdout
// and warnings and diagnostics to stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "mrireg DIMENSIONS TARGET MOVING HISTORY [MAXSTEP] [MINSTEP] [SAMPLEFRACTION] [PYRAMIDLEVELS] [THRESHOLD] [METRIC] [ITERATIONS] [TRANSFORM]",
		Short: "Multi-resolution rigid and affine image registration",
		Long: `mrireg registers a moving image onto a target image over a resolution pyramid.

METRIC selects the similarity measure:
  0 - MeanSquares
  1 - GradientDifference
  2 - MutualInformation
  3 - NormalizedCrossCorrelation (default)
  4 - MattesMutualInformation
  5 - MutualInformationHistogram
  6 - NormalizedMutualInformationHistogram

TRANSFORM selects the transform: 0 - Euler (default), 1 - Affine.
Every iteration is appended to HISTORY and mirrored to stdout.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "YAML configuration overlay applied before the positional arguments")
	cmd.Flags().StringVar(&opts.writeConfig, "write-config", "", "Save the effective configuration to this YAML file")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the registered moving image to this file")
	cmd.Flags().StringVar(&opts.slicesDir, "slices-dir", "", "Save checkerboard slices of target and registered image to this directory")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Diagnostic log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Diagnostic log format (text or json)")

	return cmd
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfiguration
}

func run(ctx context.Context, opts options, args []string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(stderr, opts.logLevel, opts.logFormat)

	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		loaded, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return configError(err)
		}
		cfg = loaded
	}

	if err := config.ParseArgs(cfg, args, stderr); err != nil {
		if errors.Is(err, config.ErrMissingArguments) {
			fmt.Fprintln(stderr, config.Usage)
		}
		return configError(err)
	}
	if opts.output != "" {
		cfg.Files.Output = opts.output
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	history, err := cfg.OpenHistory()
	if err != nil {
		return configError(err)
	}
	defer history.Close()

	if opts.writeConfig != "" {
		if err := config.SaveConfig(cfg, opts.writeConfig); err != nil {
			return configError(err)
		}
		logger.Info("Configuration saved", "path", opts.writeConfig)
	}

	cfg.Print(stdout)

	assembler := pipeline.NewAssembler(
		pipeline.WithHistory(history),
		pipeline.WithConsole(stdout),
		pipeline.WithDiagnostics(stderr),
		pipeline.WithLogger(logger),
	)

	start := time.Now()
	res, err := assembler.Assemble(ctx, cfg)
	switch {
	case errors.Is(err, pipeline.ErrOutputWrite):
		// the registration itself completed
		logger.Warn("Registered image not saved", "path", cfg.Files.Output, "error", err)
	case errors.Is(err, pipeline.ErrRegistrationFailed):
		return registrationError(err)
	case err != nil:
		return configError(err)
	}
	fmt.Fprintf(stdout, "\nRegistration completed in %.2f seconds\n", time.Since(start).Seconds())

	if opts.slicesDir != "" {
		if err := saveSlices(cfg, res, opts.slicesDir, stdout); err != nil {
			logger.Warn("Failed to save slices", "dir", opts.slicesDir, "error", err)
		}
	}
	return nil
}

// saveSlices writes checkerboard slices of the target and the registered
// moving image along every axis.
func saveSlices(cfg *config.RegistrationConfig, res *pipeline.Result, dir string, stdout io.Writer) error {
	fixed, err := imageio.Read(cfg.Files.Target)
	if err != nil {
		return err
	}
	board, err := visualization.Checkerboard(fixed, res.Registered, CheckerTile)
	if err != nil {
		return err
	}
	viewer := visualization.NewViewer(board)

	axes := []string{"z"}
	if board.Dimension() == 3 {
		axes = []string{"x", "y", "z"}
	}
	for _, axis := range axes {
		axisDir := filepath.Join(dir, axis)
		n, err := viewer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			return fmt.Errorf("%s-axis slices: %w", axis, err)
		}
		fmt.Fprintf(stdout, "Saved %d %s-axis slices to: %s\n", n, axis, axisDir)
	}
	return nil
}
