package db

import "strings"

// IsUniqueViolation reports whether the error is a unique constraint
// violation on any of the named constraints. Postgres spells the constraint
// name in its message while sqlite spells the table.column pair, so callers
// pass both forms. With no names it matches any unique violation.
func IsUniqueViolation(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value") &&
		!strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, name := range constraints {
		if strings.Contains(msg, name) {
			return true
		}
	}
	return false
}
