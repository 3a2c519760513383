package utils

import (
	"strings"

	"github.com/google/uuid"
)

// RandomCode returns n lowercase hex characters taken from fresh UUIDs.
// Uniqueness is enforced by the unique indexes on the code columns.
func RandomCode(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}
