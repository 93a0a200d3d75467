package opensea

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOffsetExhausted signals that the upstream refused a page offset,
	// meaning the requested window holds more events than can be paged.
	ErrOffsetExhausted  = errors.New("upstream offset exhausted")
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
	ErrInvalidResponse  = errors.New("invalid events response")
)

// OffsetExhaustedError is returned when the upstream answers HTTP 400 for a page.
// It is fatal for the run: the chunk width must be reduced.
type OffsetExhaustedError struct {
	ProjectID string
	Start     time.Time
	End       time.Time
	Offset    int
}

func (e *OffsetExhaustedError) Error() string {
	return fmt.Sprintf("project %s: offset %d rejected for window [%d, %d), chunk width too large",
		e.ProjectID, e.Offset, e.Start.Unix(), e.End.Unix())
}

func (e *OffsetExhaustedError) Is(target error) bool {
	return target == ErrOffsetExhausted
}

// StatusError is a retryable non-200 response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received non-OK status code: %d", e.StatusCode)
}
