// Package canvas maps the LMS REST endpoints used by the harvester onto
// typed calls over the paginated fetcher.
package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/canvas-activity/pkg/pagination"
)

// ActivityTimeout is the per-request budget for the analytics endpoint,
// which is considerably slower than the rest of the API.
const ActivityTimeout = 60 * time.Second

// PerPage is the page size requested from collection endpoints.
const PerPage = "100"

var (
	// ErrNoData is returned when a single-resource lookup yields nothing.
	ErrNoData = errors.New("no data returned")

	// ErrUnexpectedShape is returned when a single-resource lookup yields
	// something other than a JSON object.
	ErrUnexpectedShape = errors.New("unexpected response shape")
)

// Fetcher is implemented by *pagination.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req pagination.Request) ([]json.RawMessage, error)
}

// Term is the enrollment term attached to a course when include[]=term is set.
type Term struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Course is a course as returned by the API.
type Course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Term *Term  `json:"term,omitempty"`
}

// TermName returns the course's term name, or "Unknown term".
func (c Course) TermName() string {
	if c.Term == nil || c.Term.Name == "" {
		return "Unknown term"
	}
	return c.Term.Name
}

// Student is a user enrolled in a course as a student.
type Student struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DisplayName returns the student's name, or "Unknown".
func (s Student) DisplayName() string {
	if s.Name == "" {
		return "Unknown"
	}
	return s.Name
}

// Activity is a student's course activity analytics. PageViews maps an
// hour-bucket ISO-8601 timestamp to a view count.
type Activity struct {
	PageViews map[string]int64 `json:"page_views"`
}

// API is the typed endpoint layer.
type API struct {
	fetcher Fetcher
}

// New creates the endpoint layer on top of a paginated fetcher.
func New(f Fetcher) *API {
	return &API{fetcher: f}
}

// SearchCourses lists courses in a sub-account, optionally filtered by a
// free-text search term. Use "self" for the root account.
func (a *API) SearchCourses(ctx context.Context, account, searchTerm string) ([]Course, error) {
	params := url.Values{}
	params.Set("per_page", PerPage)
	params.Add("include[]", "term")
	if searchTerm != "" {
		params.Set("search_term", searchTerm)
	}

	items, err := a.fetcher.Fetch(ctx, pagination.Request{
		Endpoint: fmt.Sprintf("accounts/%s/courses", url.PathEscape(account)),
		Params:   params,
	})
	if err != nil {
		return nil, fmt.Errorf("search courses: %w", err)
	}

	courses := make([]Course, 0, len(items))
	for _, item := range items {
		var c Course
		if err := json.Unmarshal(item, &c); err != nil {
			return nil, fmt.Errorf("decode course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, nil
}

// GetCourse resolves a single course.
func (a *API) GetCourse(ctx context.Context, courseID int64) (Course, error) {
	items, err := a.fetcher.Fetch(ctx, pagination.Request{
		Endpoint: fmt.Sprintf("courses/%d", courseID),
	})
	if err != nil {
		return Course{}, fmt.Errorf("get course %d: %w", courseID, err)
	}
	if len(items) == 0 {
		return Course{}, fmt.Errorf("get course %d: %w", courseID, ErrNoData)
	}
	if !isObject(items[0]) {
		return Course{}, fmt.Errorf("get course %d: %w: %s", courseID, ErrUnexpectedShape, truncate(items[0], 100))
	}

	var c Course
	if err := json.Unmarshal(items[0], &c); err != nil {
		return Course{}, fmt.Errorf("decode course %d: %w", courseID, err)
	}
	if c.ID == 0 {
		c.ID = courseID
	}
	return c, nil
}

// ListStudents enumerates the users enrolled in a course as students.
func (a *API) ListStudents(ctx context.Context, courseID int64) ([]Student, error) {
	params := url.Values{}
	params.Add("enrollment_type[]", "student")
	params.Set("per_page", PerPage)

	items, err := a.fetcher.Fetch(ctx, pagination.Request{
		Endpoint: fmt.Sprintf("courses/%d/users", courseID),
		Params:   params,
	})
	if err != nil {
		return nil, fmt.Errorf("list students for course %d: %w", courseID, err)
	}

	students := make([]Student, 0, len(items))
	for _, item := range items {
		var s Student
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("decode student: %w", err)
		}
		students = append(students, s)
	}
	return students, nil
}

// GetStudentActivity fetches a student's hourly activity in a course.
// It returns nil without error when the response is empty or not an object.
func (a *API) GetStudentActivity(ctx context.Context, courseID, studentID int64) (*Activity, error) {
	items, err := a.fetcher.Fetch(ctx, pagination.Request{
		Endpoint: fmt.Sprintf("courses/%d/analytics/users/%d/activity", courseID, studentID),
		Timeout:  ActivityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("get activity for student %d: %w", studentID, err)
	}
	if len(items) == 0 || !isObject(items[0]) {
		return nil, nil
	}

	var act Activity
	if err := json.Unmarshal(items[0], &act); err != nil {
		return nil, fmt.Errorf("decode activity for student %d: %w", studentID, err)
	}
	return &act, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func truncate(raw json.RawMessage, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n])
}
