package harvest

// Status is the outcome of one unit of work.
type Status string

const (
	// StatusSucceeded means the unit produced its output.
	StatusSucceeded Status = "succeeded"

	// StatusSkipped means the unit had nothing to contribute (e.g. a student
	// with no recorded page views).
	StatusSkipped Status = "skipped"

	// StatusFailed means the unit hit an error and was abandoned.
	StatusFailed Status = "failed"
)

// StudentResult records what happened to one student within a course.
type StudentResult struct {
	StudentID   int64
	StudentName string
	Status      Status
	Reason      string
	Rows        int
}

// CourseResult records what happened to one course. Path is empty when no
// file was written.
type CourseResult struct {
	CourseID   int64
	CourseName string
	Path       string
	Status     Status
	Reason     string
	Students   []StudentResult
}

// Rows returns the number of activity rows written for the course.
func (r CourseResult) Rows() int {
	total := 0
	for _, s := range r.Students {
		total += s.Rows
	}
	return total
}

// Count returns how many students ended with the given status.
func (r CourseResult) Count(status Status) int {
	n := 0
	for _, s := range r.Students {
		if s.Status == status {
			n++
		}
	}
	return n
}
