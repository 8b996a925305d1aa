// Command aggregate converts raw activity CSVs into per-student daily page
// view totals in a local timezone.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/canvas-activity/internal/config"
	"github.com/Sternrassler/canvas-activity/pkg/aggregate"
	"github.com/Sternrassler/canvas-activity/pkg/logging"
	"github.com/rs/zerolog"
)

type options struct {
	input     string
	outputDir string
	timezone  string
	logLevel  string
}

func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: aggregate [flags] <input_path>")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.outputDir, "output_dir", "processed_output", "Directory to save processed CSV files")
	fs.StringVar(&opts.timezone, "timezone", cfg.Timezone, "IANA timezone days are computed in. Env: AGGREGATE_TIMEZONE")
	fs.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error. Env: LOG_LEVEL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one input file or directory is required")
	}
	opts.input = fs.Arg(0)
	return opts, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	opts, err := parseFlags(os.Args[1:], cfg, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.Setup(logging.ConfigFrom(opts.logLevel, cfg.LogFormat))

	if err := run(opts, logger); err != nil {
		logger.Error().Err(err).Msg("Aggregation failed")
		os.Exit(1)
	}
}

func run(opts *options, logger zerolog.Logger) error {
	agg, err := aggregate.NewForZone(opts.timezone, logger)
	if err != nil {
		return err
	}

	summary, err := agg.Run(opts.input, opts.outputDir)
	if err != nil {
		return err
	}
	if summary.Processed > 0 {
		logger.Info().Str("output_dir", summary.OutputDir).Msg("Processed files saved")
	}
	return nil
}
