package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/jobq/pkg/jobs"
)

// Hash field names of a stored job.
const (
	fieldID          = "id"
	fieldQueue       = "queue"
	fieldType        = "type"
	fieldPayload     = "payload"
	fieldPriority    = "priority"
	fieldNotBefore   = "not_before"
	fieldState       = "state"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldBackoffKind = "backoff_kind"
	fieldBackoffMs   = "backoff_delay"
	fieldTimeoutMs   = "timeout"
	fieldProgress    = "progress"
	fieldResult      = "result"
	fieldLastError   = "last_error"
	fieldSeq         = "seq"
	fieldRank        = "rank"
	fieldCreatedAt   = "created_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
	fieldFailedAt    = "failed_at"
)

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// millisCeil rounds up so that a not-before stored at millisecond precision
// is never earlier than the requested instant.
func millisCeil(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return strconv.FormatInt(ms, 10)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// encodeJob flattens a new job into hash field/value pairs.
func encodeJob(j *jobs.Job, member string) []interface{} {
	return []interface{}{
		fieldID, j.ID,
		fieldQueue, j.Queue,
		fieldType, j.Type,
		fieldPayload, string(j.Payload),
		fieldPriority, strconv.Itoa(j.Priority),
		fieldNotBefore, millisCeil(j.NotBefore),
		fieldState, string(j.State),
		fieldAttempts, strconv.Itoa(j.AttemptsMade),
		fieldMaxAttempts, strconv.Itoa(j.MaxAttempts),
		fieldBackoffKind, string(j.Backoff.Kind),
		fieldBackoffMs, strconv.FormatInt(j.Backoff.Delay.Milliseconds(), 10),
		fieldTimeoutMs, strconv.FormatInt(j.Timeout.Milliseconds(), 10),
		fieldProgress, strconv.Itoa(j.Progress),
		fieldSeq, strconv.FormatInt(j.Seq, 10),
		fieldRank, member,
		fieldCreatedAt, millis(j.CreatedAt),
	}
}

// decodeJob rebuilds a job from its hash fields.
func decodeJob(fields map[string]string) (*jobs.Job, error) {
	id, ok := fields[fieldID]
	if !ok || id == "" {
		return nil, jobs.ErrNotFound
	}

	atoi := func(name string) (int, error) {
		v, ok := fields[name]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("job %s: field %s: %w", id, name, err)
		}
		return n, nil
	}

	j := &jobs.Job{
		ID:          id,
		Queue:       fields[fieldQueue],
		Type:        fields[fieldType],
		State:       jobs.State(fields[fieldState]),
		LastError:   fields[fieldLastError],
		NotBefore:   fromMillis(fields[fieldNotBefore]),
		CreatedAt:   fromMillis(fields[fieldCreatedAt]),
		StartedAt:   fromMillis(fields[fieldStartedAt]),
		CompletedAt: fromMillis(fields[fieldCompletedAt]),
		FailedAt:    fromMillis(fields[fieldFailedAt]),
		Backoff:     jobs.Backoff{Kind: jobs.BackoffKind(fields[fieldBackoffKind])},
	}
	if p := fields[fieldPayload]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if r := fields[fieldResult]; r != "" {
		j.Result = json.RawMessage(r)
	}

	var err error
	if j.Priority, err = atoi(fieldPriority); err != nil {
		return nil, err
	}
	if j.AttemptsMade, err = atoi(fieldAttempts); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = atoi(fieldMaxAttempts); err != nil {
		return nil, err
	}
	if j.Progress, err = atoi(fieldProgress); err != nil {
		return nil, err
	}
	backoffMs, err := atoi(fieldBackoffMs)
	if err != nil {
		return nil, err
	}
	j.Backoff.Delay = time.Duration(backoffMs) * time.Millisecond
	timeoutMs, err := atoi(fieldTimeoutMs)
	if err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if s := fields[fieldSeq]; s != "" {
		if j.Seq, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("job %s: field %s: %w", id, fieldSeq, err)
		}
	}

	return j, nil
}

// pairsToMap converts a flat field/value reply into a map.
func pairsToMap(pairs []interface{}) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		m[k] = v
	}
	return m
}
