// Package aggregate re-buckets raw UTC activity rows into local calendar
// days and sums page views per student per day.
package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	// Zone data for hosts without a system tz database.
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for aggregation runs.
var (
	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_aggregate_files_total",
		Help: "Total CSV files aggregated by outcome",
	}, []string{"status"})

	rowsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lms_aggregate_rows_read_total",
		Help: "Total raw activity rows read by the aggregator",
	})
)

// DefaultTimezone is the local zone days are computed in.
const DefaultTimezone = "America/Vancouver"

// OutputPrefix is prepended to the input file name to name the output.
const OutputPrefix = "processed_"

// DayHeader is the header row of an aggregated CSV.
var DayHeader = []string{"student_id", "student_name", "day", "page_views"}

// ErrMissingColumn is returned when a raw CSV lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// RawRecord is one row of a raw activity CSV.
type RawRecord struct {
	StudentID   string
	StudentName string
	Date        string
	PageViews   int64
}

// DayRecord is one aggregated row.
type DayRecord struct {
	StudentID   string
	StudentName string
	Day         string
	PageViews   int64
}

// Summary reports a Run.
type Summary struct {
	Processed int
	Failed    int
	Outputs   []string
	OutputDir string
}

// Aggregator converts raw activity CSVs into per-local-day CSVs.
type Aggregator struct {
	loc    *time.Location
	naive  *time.Location
	logger zerolog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNaiveLocation sets the zone assumed for timestamps that carry no
// offset. The default is UTC.
func WithNaiveLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.naive = loc
		}
	}
}

// New creates an aggregator computing days in loc.
func New(loc *time.Location, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		loc:    loc,
		naive:  time.UTC,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewForZone creates an aggregator for an IANA zone name such as
// "America/Vancouver".
func NewForZone(zone string, logger zerolog.Logger, opts ...Option) (*Aggregator, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return New(loc, logger, opts...), nil
}

// Aggregate groups records by (student id, student name, local day) and sums
// page views. Output is sorted by student id, name and day.
func (a *Aggregator) Aggregate(records []RawRecord) ([]DayRecord, error) {
	type key struct{ id, name, day string }
	sums := make(map[key]int64)

	for i, r := range records {
		day, err := LocalDay(r.Date, a.loc, a.naive)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		sums[key{r.StudentID, r.StudentName, day}] += r.PageViews
	}

	out := make([]DayRecord, 0, len(sums))
	for k, views := range sums {
		out = append(out, DayRecord{StudentID: k.id, StudentName: k.name, Day: k.day, PageViews: views})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := compareIDs(out[i].StudentID, out[j].StudentID); c != 0 {
			return c < 0
		}
		if out[i].StudentName != out[j].StudentName {
			return out[i].StudentName < out[j].StudentName
		}
		return out[i].Day < out[j].Day
	})
	return out, nil
}

// AggregateFile aggregates one raw CSV into outputDir and returns the output
// path. An input with no data rows yields a header-only output.
func (a *Aggregator) AggregateFile(inputPath, outputDir string) (string, error) {
	name := filepath.Base(inputPath)
	outputPath := filepath.Join(outputDir, OutputPrefix+name)

	records, err := ReadRawCSV(inputPath)
	if err != nil {
		return "", err
	}
	rowsRead.Add(float64(len(records)))

	if len(records) == 0 {
		a.logger.Warn().Str("file", name).Msg("Input is empty, creating empty output file")
		if err := WriteDayCSV(outputPath, nil); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	days, err := a.Aggregate(records)
	if err != nil {
		return "", fmt.Errorf("aggregate %s: %w", name, err)
	}
	if err := WriteDayCSV(outputPath, days); err != nil {
		return "", err
	}

	a.logger.Info().
		Str("file", name).
		Str("output", filepath.Base(outputPath)).
		Int("rows_in", len(records)).
		Int("rows_out", len(days)).
		Msg("Processed file")
	return outputPath, nil
}

// Run aggregates input, which is either a single CSV file or a directory of
// them. Per-file failures are logged and counted; they do not stop the run.
func (a *Aggregator) Run(input, outputDir string) (Summary, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Summary{}, fmt.Errorf("get working directory: %w", err)
	}
	resolved, rewritten := ResolveOutputDir(outputDir, cwd)
	if rewritten {
		a.logger.Warn().
			Str("from", outputDir).
			Str("to", resolved).
			Msg("Changing output directory to avoid permission issues")
	}
	summary := Summary{OutputDir: resolved}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return summary, fmt.Errorf("create output directory: %w", err)
	}

	files, err := csvInputs(input)
	if err != nil {
		return summary, err
	}
	if len(files) == 0 {
		a.logger.Warn().Str("input", input).Msg("No CSV files found")
		return summary, nil
	}

	for _, path := range files {
		out, err := a.AggregateFile(path, resolved)
		if err != nil {
			filesTotal.WithLabelValues("failed").Inc()
			a.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Error processing file")
			summary.Failed++
			continue
		}
		filesTotal.WithLabelValues("succeeded").Inc()
		summary.Processed++
		summary.Outputs = append(summary.Outputs, out)
	}

	a.logger.Info().
		Int("files", len(files)).
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Msg("All CSV files processed")
	return summary, nil
}

// ResolveOutputDir rewrites a path that starts at the filesystem root to the
// same relative path under cwd. The second result reports whether it did.
func ResolveOutputDir(dir, cwd string) (string, bool) {
	if !strings.HasPrefix(dir, "/") {
		return dir, false
	}
	return filepath.Join(cwd, strings.TrimLeft(dir, "/")), true
}

// csvInputs lists the CSV files named by input in name order.
func csvInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			continue
		}
		files = append(files, filepath.Join(input, e.Name()))
	}
	return files, nil
}

// ReadRawCSV loads a raw activity CSV. Columns are located by header name.
// A file with no bytes at all is treated as having no rows.
func ReadRawCSV(path string) ([]RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idx := make([]int, 0, 4)
	for _, name := range []string{"student_id", "student_name", "date", "page_views"} {
		i, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w %q", path, ErrMissingColumn, name)
		}
		idx = append(idx, i)
	}

	var records []RawRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		views, err := parseViews(row[idx[3]])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: page_views: %w", path, line, err)
		}
		records = append(records, RawRecord{
			StudentID:   row[idx[0]],
			StudentName: row[idx[1]],
			Date:        row[idx[2]],
			PageViews:   views,
		})
	}
	return records, nil
}

// WriteDayCSV writes aggregated rows, replacing any existing file.
func WriteDayCSV(path string, records []DayRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write(DayHeader)
	for _, r := range records {
		w.Write([]string{r.StudentID, r.StudentName, r.Day, strconv.FormatInt(r.PageViews, 10)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// parseViews accepts integer counts, including the "3.0" form some
// spreadsheet tools write back.
func parseViews(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("not an integer count: %q", s)
	}
	return int64(f), nil
}

// compareIDs orders numeric ids numerically and everything else lexically.
func compareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
