package task

import (
	"regexp"
	"strconv"
)

var (
	branchPattern     = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)
	hexCommitPattern  = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// ValidateEnvelope checks the 1..20 tasks-per-call submission bound.
func ValidateEnvelope(tasks []*Task) []FieldError {
	if len(tasks) < 1 || len(tasks) > 20 {
		return []FieldError{{Field: "tasks", Message: "submission must contain between 1 and 20 tasks"}}
	}
	var errs []FieldError
	for i, t := range tasks {
		for _, fe := range t.Validate() {
			errs = append(errs, FieldError{Field: "tasks[" + strconv.Itoa(i) + "]." + fe.Field, Message: fe.Message})
		}
	}
	return errs
}
