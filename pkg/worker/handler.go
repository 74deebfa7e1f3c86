package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/guido-cesarano/jobq/pkg/jobs"
)

// ProgressFunc reports completion of the running attempt as a percentage.
// Reports are best-effort; a lower value than one already reported is
// ignored.
type ProgressFunc func(percent int)

// Handler executes one attempt of a job. A nil error completes the job with
// the returned result, which is stored as JSON. Any error counts as a failed
// attempt; wrap it with jobs.Poison to skip the remaining retries.
type Handler interface {
	Handle(ctx context.Context, job *jobs.Job, progress ProgressFunc) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *jobs.Job, progress ProgressFunc) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *jobs.Job, progress ProgressFunc) (any, error) {
	return f(ctx, job, progress)
}

// Validator is implemented by payload types that check their own fields.
type Validator interface {
	Validate() error
}

// JSON builds a Handler for payloads of type T. The payload is decoded and,
// when T implements Validator, validated before fn runs. Decode and
// validation failures are poison: retrying cannot fix them.
func JSON[T any](fn func(ctx context.Context, payload T, progress ProgressFunc) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, job *jobs.Job, progress ProgressFunc) (any, error) {
		var payload T
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, jobs.Poison(fmt.Errorf("decode %s payload: %w", job.Type, err))
		}
		if v, ok := any(&payload).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, jobs.Poison(fmt.Errorf("invalid %s payload: %w", job.Type, err))
			}
		}
		return fn(ctx, payload, progress)
	})
}
