package jobs

import "time"

// Decision is the outcome of a failed attempt.
type Decision struct {
	// State is StateDelayed when the job will run again, StateFailed otherwise.
	State State

	// NotBefore is when the retry becomes eligible. Zero for StateFailed.
	NotBefore time.Time
}

// Retry reports whether the job will be attempted again.
func (d Decision) Retry() bool {
	return d.State == StateDelayed
}

// Decide applies the retry policy to a job whose current attempt failed with
// err. The job's AttemptsMade already counts the failed attempt.
//
// Poison payloads go straight to StateFailed regardless of attempts left.
func Decide(j *Job, err error, now time.Time) Decision {
	if IsPoison(err) || j.AttemptsMade >= j.MaxAttempts {
		return Decision{State: StateFailed}
	}
	return Decision{
		State:     StateDelayed,
		NotBefore: now.Add(j.Backoff.Next(j.AttemptsMade)),
	}
}
