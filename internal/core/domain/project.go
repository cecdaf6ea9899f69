package domain

import (
	"fmt"
	"regexp"
)

var projectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// ValidateProject checks that a project key is safe to use as a path segment.
func ValidateProject(project string) error {
	if !projectPattern.MatchString(project) || project == ".." {
		return WrapError(ErrInvalidInput, "validate project", fmt.Errorf("invalid project key %q", project))
	}
	return nil
}
