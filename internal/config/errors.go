package config

import (
	"fmt"
	"strings"
)

// InvalidError reports configuration violations found at startup. It is
// fatal: the gateway refuses to start on any violation.
type InvalidError struct {
	Path   string
	Issues []string
}

// Error implements the error interface.
func (e *InvalidError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Path, e.Issues[0])
	}
	return fmt.Sprintf("invalid configuration %s:\n  - %s", e.Path, strings.Join(e.Issues, "\n  - "))
}
