package storage

import (
	"errors"
	"strings"
)

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), "key not found"))
}
