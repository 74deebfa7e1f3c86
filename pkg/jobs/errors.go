package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("jobq: store unavailable")
	ErrNotFound         = errors.New("jobq: job not found")
	ErrInvalidState     = errors.New("jobq: operation not allowed in current job state")
	ErrHandlerTimeout   = errors.New("jobq: handler exceeded max execution time")
	ErrStalled          = errors.New("jobq: job lease expired while active")
	ErrUnknownJobType   = errors.New("jobq: no handler registered for job type")
	ErrLeaseLost        = errors.New("jobq: job is no longer owned by this worker")

	ErrEmptyQueueName  = errors.New("jobq: queue name must not be empty")
	ErrEmptyJobType    = errors.New("jobq: job type must not be empty")
	ErrEmptyJobID      = errors.New("jobq: job ID must not be empty")
	ErrInvalidPriority = errors.New("jobq: priority must fit in 32 bits")
	ErrInvalidOption   = errors.New("jobq: invalid enqueue option")
)

// poisonError marks a failure that retrying cannot fix, such as a payload
// the handler cannot decode.
type poisonError struct {
	err error
}

func (e *poisonError) Error() string {
	return fmt.Sprintf("poison payload: %v", e.err)
}

func (e *poisonError) Unwrap() error {
	return e.err
}

// Poison wraps err so the retry controller fails the job without further
// attempts.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &poisonError{err: err}
}

// IsPoison reports whether err, or anything it wraps, was marked with Poison.
func IsPoison(err error) bool {
	var p *poisonError
	return errors.As(err, &p)
}
