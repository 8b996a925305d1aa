// Command harvest downloads per-student page-view activity for a set of
// courses and writes one raw CSV per course.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/canvas-activity/internal/config"
	"github.com/Sternrassler/canvas-activity/pkg/canvas"
	"github.com/Sternrassler/canvas-activity/pkg/client"
	"github.com/Sternrassler/canvas-activity/pkg/harvest"
	"github.com/Sternrassler/canvas-activity/pkg/logging"
	"github.com/Sternrassler/canvas-activity/pkg/metrics"
	"github.com/Sternrassler/canvas-activity/pkg/pagination"
	"github.com/Sternrassler/canvas-activity/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// int64List collects course ids given as a comma-separated list, a repeated
// flag, or both.
type int64List []int64

func (l *int64List) String() string {
	parts := make([]string, len(*l))
	for i, id := range *l {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (l *int64List) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid course id %q", part)
		}
		*l = append(*l, id)
	}
	return nil
}

type options struct {
	subaccount  string
	search      string
	courseIDs   int64List
	outputDir   string
	threads     int
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("harvest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.subaccount, "subaccount", "self", "Sub-account id to search for courses")
	fs.StringVar(&opts.search, "search", "", "Search term to filter courses")
	fs.Var(&opts.courseIDs, "course-ids", "Course ids to process, comma-separated or repeated. Overrides search")
	fs.StringVar(&opts.outputDir, "output-dir", "output", "Directory to save raw activity CSV files")
	fs.IntVar(&opts.threads, "threads", harvest.DefaultWorkers, "Number of courses processed concurrently")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics on this address, e.g. :9090. Env: METRICS_ADDR")
	fs.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error. Env: LOG_LEVEL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.threads < 1 {
		return nil, fmt.Errorf("--threads must be at least 1, got %d", opts.threads)
	}
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

	logger := logging.Setup(logging.ConfigFrom(opts.logLevel, cfg.LogFormat)).
		With().Str("run_id", uuid.NewString()).Logger()

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration. Set API_KEY and API_BASE_URL in the environment or .env")
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, opts, logger); err != nil {
		logger.Error().Err(err).Msg("Harvest failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts *options, logger zerolog.Logger) error {
	if opts.metricsAddr != "" {
		srv, err := metrics.Serve(opts.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	clientCfg := client.DefaultConfig(cfg.BaseURL, cfg.APIKey)
	clientCfg.UserAgent = cfg.UserAgent

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, continuing without shared rate limit tracking")
		} else {
			clientCfg.RateLimiter = ratelimit.NewTracker(redisClient, logger)
			logger.Info().Msg("Shared rate limit tracking enabled")
		}
	}

	lms, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	api := canvas.New(pagination.NewFetcher(lms, logger))

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ids, err := harvest.ResolveCourseIDs(ctx, api, opts.courseIDs, opts.subaccount, opts.search, logger)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		logger.Warn().Msg("No courses found")
		return nil
	}

	h := harvest.NewHarvester(api, opts.outputDir, logger)
	results := harvest.NewDriver(h, opts.threads, logger).Run(ctx, ids)

	for _, r := range results {
		event := logger.Info()
		if r.Status != harvest.StatusSucceeded {
			event = logger.Warn().Str("reason", r.Reason)
		}
		event.
			Int64("course_id", r.CourseID).
			Str("course_name", r.CourseName).
			Str("status", string(r.Status)).
			Str("file", r.Path).
			Int("rows", r.Rows()).
			Int("students_failed", r.Count(harvest.StatusFailed)).
			Msg("Course summary")
	}
	return nil
}
