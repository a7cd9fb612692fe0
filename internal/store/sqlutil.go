package store

import (
	"fmt"
	"strings"
)

// buildInQuery substitutes an n-placeholder "?,?,...?" list into format,
// which must contain exactly one %s verb.
func buildInQuery(format string, n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ","))
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
