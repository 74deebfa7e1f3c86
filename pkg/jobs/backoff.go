package jobs

import (
	"fmt"
	"strings"
	"time"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// ParseBackoffKind accepts the config spelling of a backoff kind.
// The empty string means fixed.
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return BackoffFixed, nil
	case "exponential", "exp":
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("%w: unknown backoff kind %q", ErrInvalidOption, s)
}

// Backoff is the delay policy applied between attempts of one job.
type Backoff struct {
	Kind  BackoffKind   `json:"kind" yaml:"kind"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// MaxBackoff caps the exponential delay. A fixed delay is used as given.
const MaxBackoff = 7 * 24 * time.Hour

// Next returns the delay before the next attempt after attemptsMade attempts
// have failed. Fixed: Delay. Exponential: Delay * 2^(attemptsMade-1), capped
// at MaxBackoff.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	if b.Delay >= MaxBackoff {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift >= 62 || b.Delay > MaxBackoff>>shift {
		return MaxBackoff
	}
	return b.Delay << shift
}
