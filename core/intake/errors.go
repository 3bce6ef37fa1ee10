package intake

import "errors"

var (
	// ErrAllocationExhausted is fatal for the intake: every allocation
	// attempt collided or the database stayed busy. Callers surface it as
	// "system busy, retry shortly", never as a silent default.
	ErrAllocationExhausted = errors.New("identifier allocation exhausted")

	ErrNotFound = errors.New("incident not found")
)
