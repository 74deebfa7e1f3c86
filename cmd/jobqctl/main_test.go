package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes jobqctl against addr and returns its standard output.
func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--redis", addr}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueGetAndCounts(t *testing.T) {
	s := miniredis.RunT(t)

	out, err := run(t, s.Addr(), "enqueue", "email", "welcome-email", `{"to":"ada@example.com"}`, "-p", "5", "--attempts", "3")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, s.Addr(), "get", "email", id)
	require.NoError(t, err)
	var view jobs.View
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, jobs.StateWaiting, view.State)

	out, err = run(t, s.Addr(), "counts", "email")
	require.NoError(t, err)
	var counts jobs.Counts
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestEnqueueDelayedAndList(t *testing.T) {
	s := miniredis.RunT(t)

	_, err := run(t, s.Addr(), "enqueue", "reports", "generate-report", "--delay", "1h", "--id", "nightly",
		"--backoff", "exponential", "--backoff-delay", "2s")
	require.NoError(t, err)

	out, err := run(t, s.Addr(), "list", "reports", "--state", "delayed")
	require.NoError(t, err)
	var views []jobs.View
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "nightly", views[0].ID)

	out, err = run(t, s.Addr(), "list", "reports")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestRemove(t *testing.T) {
	s := miniredis.RunT(t)

	_, err := run(t, s.Addr(), "enqueue", "email", "welcome-email", "--id", "job-1")
	require.NoError(t, err)

	out, err := run(t, s.Addr(), "remove", "email", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "removed job-1\n", out)

	_, err = run(t, s.Addr(), "get", "email", "job-1")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCommandErrors(t *testing.T) {
	s := miniredis.RunT(t)

	tests := []struct {
		name string
		args []string
	}{
		{"invalid payload", []string{"enqueue", "email", "welcome-email", "{not json"}},
		{"missing type", []string{"enqueue", "email"}},
		{"bad backoff", []string{"enqueue", "email", "t", "--backoff", "linear"}},
		{"zero attempts", []string{"enqueue", "email", "t", "--attempts", "0"}},
		{"unknown state", []string{"list", "email", "--state", "sleeping"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, s.Addr(), tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestUnreachableRedis(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := run(t, addr, "counts", "email")
	assert.ErrorIs(t, err, jobs.ErrStoreUnavailable)
}
