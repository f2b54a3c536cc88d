package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/jobs"
)

func TestClassifyExecErrUsesRecordedKindOverStatus(t *testing.T) {
	exec := jobs.Execution{Status: jobs.StatusFailed, ErrorKind: batcherr.KindQuotaExhausted, ErrorMessage: "quota exhausted"}
	assert.False(t, batcherr.Retryable(classifyExecErr(exec)), "a quota-exhausted failure must not be retried")

	exec = jobs.Execution{Status: jobs.StatusFailed, ErrorKind: batcherr.KindAuthError, ErrorMessage: "auth rejected"}
	assert.False(t, batcherr.Retryable(classifyExecErr(exec)), "an auth failure must not be retried")

	exec = jobs.Execution{Status: jobs.StatusFailed, ErrorKind: batcherr.KindTransient, ErrorMessage: "upstream 503"}
	assert.True(t, batcherr.Retryable(classifyExecErr(exec)))
}

func TestClassifyExecErrFallsBackToStatusWhenKindUnset(t *testing.T) {
	exec := jobs.Execution{Status: jobs.StatusTimeout, ErrorMessage: "deadline exceeded"}
	assert.True(t, batcherr.Retryable(classifyExecErr(exec)))

	exec = jobs.Execution{Status: jobs.StatusFailed, ErrorMessage: "unknown"}
	assert.True(t, batcherr.Retryable(classifyExecErr(exec)))
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoffDelay(base, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2))
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	assert.Equal(t, 10*time.Minute, backoffDelay(time.Minute, 20))
}

func TestBackoffDelayDefaultsBaseWhenZero(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0, 0))
}
