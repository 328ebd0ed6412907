package breaker

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrOpen matches any *OpenError with errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

var errPanicked = errors.New("operation panicked")

// OpenError is returned when a call is rejected without invoking the operation.
type OpenError struct {
	Service    string
	Failures   int
	RetryAfter time.Duration // time left before a probe is allowed
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open (%d failures)", e.Service, e.Failures)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// RetryAfterSeconds is the value for a Retry-After header (at least 1).
func (e *OpenError) RetryAfterSeconds() int {
	return retryAfterSeconds(e.RetryAfter)
}

func retryAfterSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
