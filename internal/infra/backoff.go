package infra

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the exponential backoff delay for the given
// retry attempt: 1s, 2s, 4s, ... capped at 60s.
func CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return backoffBase
	}
	d := backoffBase << uint(attempt)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}
