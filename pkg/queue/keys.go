package queue

import (
	"fmt"
	"math"
	"strings"
)

// keyspace holds the Redis keys of one named queue.
//
// Layout (for queue "email" and the default "jobq" prefix):
//   - jobq:email:job:<id>   hash with the job record
//   - jobq:email:ready      sorted set of eligible jobs, members are ranks (see rank)
//   - jobq:email:delayed    sorted set of job IDs scored by not-before (unix ms)
//   - jobq:email:active     sorted set of job IDs scored by lease deadline (unix ms)
//   - jobq:email:completed  sorted set of job IDs scored by completion time
//   - jobq:email:failed     sorted set of job IDs scored by failure time
//   - jobq:email:seq        enqueue sequence counter
//   - jobq:email:wakeup     pub/sub channel nudging idle dispatchers
type keyspace struct {
	jobPrefix string
	ready     string
	delayed   string
	active    string
	completed string
	failed    string
	seq       string
	wakeup    string
}

func newKeyspace(prefix, queue string) keyspace {
	base := prefix + ":" + queue + ":"
	return keyspace{
		jobPrefix: base + "job:",
		ready:     base + "ready",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
		seq:       base + "seq",
		wakeup:    base + "wakeup",
	}
}

func (k keyspace) job(id string) string {
	return k.jobPrefix + id
}

// rank builds the ready-set member for a job. All ready members share score
// 0, so Redis orders them lexicographically: inverted priority first (higher
// priority sorts lower), then the enqueue sequence (FIFO), then the ID.
func rank(priority int, seq int64, id string) string {
	return fmt.Sprintf("%010d:%020d:%s", int64(math.MaxInt32)-int64(priority), seq, id)
}

// idFromRank extracts the job ID from a ready-set member.
func idFromRank(member string) string {
	if i := strings.LastIndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}
