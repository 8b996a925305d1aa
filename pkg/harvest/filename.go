package harvest

import (
	"fmt"
	"strings"
	"unicode"
)

// Sanitize replaces every rune that is not a letter or number with an
// underscore, one for one.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return '_'
	}, name)
}

// ActivityFilename is the raw CSV name for a course.
func ActivityFilename(courseID int64, courseName string) string {
	return fmt.Sprintf("%d_%s_activity.csv", courseID, Sanitize(courseName))
}
