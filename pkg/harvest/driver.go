package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/canvas-activity/pkg/canvas"
	"github.com/rs/zerolog"
)

// DefaultWorkers is the default number of courses harvested concurrently.
const DefaultWorkers = 3

// CourseHarvester harvests a single course. *Harvester implements it.
type CourseHarvester interface {
	HarvestCourse(ctx context.Context, courseID int64) CourseResult
}

// CourseSearcher finds courses in a sub-account. *canvas.API implements it.
type CourseSearcher interface {
	SearchCourses(ctx context.Context, account, searchTerm string) ([]canvas.Course, error)
}

// ResolveCourseIDs returns explicit when non-empty, otherwise the ids of the
// courses found by searching account with the optional search term.
func ResolveCourseIDs(ctx context.Context, searcher CourseSearcher, explicit []int64, account, searchTerm string, logger zerolog.Logger) ([]int64, error) {
	if len(explicit) > 0 {
		logger.Info().Int("courses", len(explicit)).Msg("Using course IDs provided via command line")
		return explicit, nil
	}

	event := logger.Info().Str("subaccount", account)
	if searchTerm != "" {
		event = event.Str("search_term", searchTerm)
	}
	event.Msg("Searching for courses")

	courses, err := searcher.SearchCourses(ctx, account, searchTerm)
	if err != nil {
		return nil, fmt.Errorf("search courses in account %s: %w", account, err)
	}

	ids := make([]int64, 0, len(courses))
	logger.Info().Int("courses", len(courses)).Msg("Found courses")
	for i, c := range courses {
		logger.Info().Msgf("%d. [%d] %s (%s)", i+1, c.ID, c.Name, c.TermName())
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Driver runs one harvest per course over a fixed-size worker pool.
type Driver struct {
	harvester CourseHarvester
	workers   int
	logger    zerolog.Logger
}

// NewDriver creates a driver. workers <= 0 uses DefaultWorkers.
func NewDriver(h CourseHarvester, workers int, logger zerolog.Logger) *Driver {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Driver{
		harvester: h,
		workers:   workers,
		logger:    logger.With().Str("component", "batch-driver").Logger(),
	}
}

type courseJob struct {
	index    int
	courseID int64
}

// Run harvests every course and blocks until all of them are done. Results
// are returned in the order of courseIDs. A course's failure never affects
// the scheduling of another.
func (d *Driver) Run(ctx context.Context, courseIDs []int64) []CourseResult {
	start := time.Now()
	results := make([]CourseResult, len(courseIDs))
	if len(courseIDs) == 0 {
		return results
	}

	workers := d.workers
	if workers > len(courseIDs) {
		workers = len(courseIDs)
	}

	d.logger.Info().
		Int("courses", len(courseIDs)).
		Int("workers", workers).
		Msg("Processing courses")

	queue := make(chan courseJob)
	go func() {
		defer close(queue)
		for i, id := range courseIDs {
			queue <- courseJob{index: i, courseID: id}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go d.worker(ctx, queue, results, &wg, i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Status == StatusSucceeded {
			succeeded++
		}
	}
	d.logger.Info().
		Int("courses", len(courseIDs)).
		Int("succeeded", succeeded).
		Int("failed", len(courseIDs)-succeeded).
		Dur("duration", time.Since(start)).
		Msg("All courses processed")

	return results
}

// worker harvests courses from the queue. Each slot of results is written
// by exactly one worker.
func (d *Driver) worker(ctx context.Context, queue <-chan courseJob, results []CourseResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for job := range queue {
		results[job.index] = d.harvestSafely(ctx, job.courseID)
		processed++
	}

	d.logger.Debug().
		Int("worker_id", workerID).
		Int("courses_processed", processed).
		Msg("Worker completed")
}

// harvestSafely keeps one course's panic from taking down the batch.
func (d *Driver) harvestSafely(ctx context.Context, courseID int64) (result CourseResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int64("course_id", courseID).
				Interface("panic", r).
				Msg("Error processing course")
			result = CourseResult{
				CourseID: courseID,
				Status:   StatusFailed,
				Reason:   fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return d.harvester.HarvestCourse(ctx, courseID)
}
