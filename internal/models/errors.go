package models

import (
	"errors"
	"fmt"
)

// ErrScoreBelowThreshold marks an anomaly event that violates the
// score >= threshold emission invariant.
var ErrScoreBelowThreshold = errors.New("anomaly score below threshold")

// ErrMissingField builds a schema error for a missing required field.
// Consumers treat schema errors as poison pills: log, count, drop.
func ErrMissingField(field string) error {
	return fmt.Errorf("%w: %s", ErrSchema, field)
}

// ErrSchema is the sentinel for schema violations (missing required field).
var ErrSchema = errors.New("schema violation")
