// Package harvest writes per-course CSV files of student page-view activity
// and dispatches course harvests over a bounded worker pool.
package harvest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/Sternrassler/canvas-activity/pkg/canvas"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for harvest outcomes.
var (
	coursesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_harvest_courses_total",
		Help: "Total courses harvested by outcome",
	}, []string{"status"})

	studentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_harvest_students_total",
		Help: "Total students processed by outcome",
	}, []string{"status"})

	rowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lms_harvest_rows_written_total",
		Help: "Total raw activity rows written",
	})
)

// ActivityHeader is the header row of a raw activity CSV.
var ActivityHeader = []string{"student_id", "student_name", "date", "page_views"}

// CourseAPI is the subset of the LMS API a course harvest needs.
type CourseAPI interface {
	GetCourse(ctx context.Context, courseID int64) (canvas.Course, error)
	ListStudents(ctx context.Context, courseID int64) ([]canvas.Student, error)
	GetStudentActivity(ctx context.Context, courseID, studentID int64) (*canvas.Activity, error)
}

// Harvester writes one raw activity CSV per course.
type Harvester struct {
	api       CourseAPI
	outputDir string
	logger    zerolog.Logger
}

// NewHarvester creates a harvester writing into outputDir, which must exist.
func NewHarvester(api CourseAPI, outputDir string, logger zerolog.Logger) *Harvester {
	return &Harvester{
		api:       api,
		outputDir: outputDir,
		logger:    logger.With().Str("component", "harvester").Logger(),
	}
}

// HarvestCourse resolves a course, enumerates its students and writes one
// row per (student, hour bucket). Per-student failures are logged and do
// not stop the course. It never returns an error; the outcome is in the result.
func (h *Harvester) HarvestCourse(ctx context.Context, courseID int64) CourseResult {
	result := h.harvestCourse(ctx, courseID)
	coursesTotal.WithLabelValues(string(result.Status)).Inc()
	return result
}

func (h *Harvester) harvestCourse(ctx context.Context, courseID int64) CourseResult {
	logger := h.logger.With().Int64("course_id", courseID).Logger()
	logger.Info().Msg("Starting to process course")

	result := CourseResult{CourseID: courseID}

	course, err := h.api.GetCourse(ctx, courseID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get course details")
		logger.Error().Msg("This could be due to an invalid API key, incorrect base URL, or the course doesn't exist. " +
			"Ensure your .env file has a valid API_KEY and API_BASE_URL and verify the course ID.")
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("resolve course: %v", err)
		return result
	}

	name := course.Name
	if name == "" {
		name = fmt.Sprintf("unknown-%d", courseID)
	}
	result.CourseName = name
	logger = logger.With().Str("course_name", name).Logger()

	logger.Info().Msg("Fetching students")
	students, err := h.api.ListStudents(ctx, courseID)
	if err != nil {
		logger.Error().Err(err).Msg("Error processing course")
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("list students: %v", err)
		return result
	}
	logger.Info().Int("students", len(students)).Msg("Processing students")

	path := filepath.Join(h.outputDir, ActivityFilename(courseID, name))
	file, err := os.Create(path)
	if err != nil {
		logger.Error().Err(err).Str("file", path).Msg("Error creating output file")
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("create output: %v", err)
		return result
	}
	defer file.Close()
	result.Path = path

	w := csv.NewWriter(file)
	w.Write(ActivityHeader)
	if err := flush(w); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("Error writing CSV header")
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("write header: %v", err)
		return result
	}

	for i, student := range students {
		studentName := student.DisplayName()
		logger.Info().
			Int("index", i+1).
			Int("total", len(students)).
			Int64("student_id", student.ID).
			Str("student_name", studentName).
			Msg("Processing student")

		sr, writeErr := h.harvestStudent(ctx, w, courseID, student, logger)
		studentsTotal.WithLabelValues(string(sr.Status)).Inc()
		result.Students = append(result.Students, sr)

		if writeErr != nil {
			logger.Error().Err(writeErr).Str("file", path).Msg("Error writing CSV rows")
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("write rows: %v", writeErr)
			return result
		}
	}

	if err := file.Close(); err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("close output: %v", err)
		return result
	}

	result.Status = StatusSucceeded
	logger.Info().
		Str("file", path).
		Int("rows", result.Rows()).
		Int("skipped", result.Count(StatusSkipped)).
		Int("failed", result.Count(StatusFailed)).
		Msg("Completed course")
	return result
}

// harvestStudent writes one student's rows. The returned error is a CSV
// write failure, which is fatal to the course; API and data problems are
// reported in the StudentResult only.
func (h *Harvester) harvestStudent(ctx context.Context, w *csv.Writer, courseID int64, student canvas.Student, logger zerolog.Logger) (StudentResult, error) {
	sr := StudentResult{StudentID: student.ID, StudentName: student.DisplayName()}
	studentLog := logger.With().Int64("student_id", sr.StudentID).Str("student_name", sr.StudentName).Logger()

	activity, err := h.api.GetStudentActivity(ctx, courseID, student.ID)
	if err != nil {
		studentLog.Error().Err(err).Msg("Error processing student, continuing to next student")
		sr.Status = StatusFailed
		sr.Reason = err.Error()
		return sr, nil
	}
	if activity == nil {
		studentLog.Warn().Msg("No activity data for student")
		sr.Status = StatusSkipped
		sr.Reason = "no activity data"
		return sr, nil
	}
	if len(activity.PageViews) == 0 {
		studentLog.Warn().Msg("No page view data for student")
		sr.Status = StatusSkipped
		sr.Reason = "no page view data"
		return sr, nil
	}

	buckets := make([]string, 0, len(activity.PageViews))
	for ts := range activity.PageViews {
		buckets = append(buckets, ts)
	}
	sort.Strings(buckets)

	id := strconv.FormatInt(student.ID, 10)
	for _, ts := range buckets {
		w.Write([]string{id, sr.StudentName, ts, strconv.FormatInt(activity.PageViews[ts], 10)})
	}
	if err := flush(w); err != nil {
		sr.Status = StatusFailed
		sr.Reason = err.Error()
		return sr, err
	}

	sr.Status = StatusSucceeded
	sr.Rows = len(buckets)
	rowsWritten.Add(float64(sr.Rows))
	studentLog.Info().Int("hours", sr.Rows).Msg("Recorded activity for student")
	return sr, nil
}

// flush pushes buffered rows to the file so a crash leaves valid CSV.
func flush(w *csv.Writer) error {
	w.Flush()
	return w.Error()
}
