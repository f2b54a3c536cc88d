// Package jobs defines the Job Runtime contract (spec §4.8): every job
// implements validate -> execute -> cleanup, and Run composes the three
// uniformly so no job can swallow an error silently. Grounded on
// backend/scheduler's client-interface pattern, generalized from
// HTTP-backed service calls to an in-process Job.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
)

// Status is a JobExecution's lifecycle status (spec §3).
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// RetryStatus tracks whether a failed execution will be retried.
type RetryStatus string

const (
	RetryNotRetried RetryStatus = "not_retried"
	RetryScheduled  RetryStatus = "scheduled"
	RetryExhausted  RetryStatus = "exhausted"
)

// Execution is the dynamic per-run envelope named in spec §3 JobExecution.
type Execution struct {
	ExecutionID      string
	JobID            string
	StartedAt        time.Time
	EndedAt          time.Time
	Status           Status
	ProcessedRecords int
	FailedRecords    int
	ErrorMessage     string
	ErrorSeverity    batcherr.Severity
	ErrorKind        batcherr.Kind
	RetryAttempt     int
	RetryStatus      RetryStatus
}

// Result is what a Job's Execute returns on the happy and unhappy path
// alike (spec §4.8 "run(params) → {status, processed_records, …}").
type Result struct {
	ProcessedRecords int
	FailedRecords    int
}

// Params is the per-run argument bag; concrete jobs type-assert the keys
// they expect.
type Params map[string]any

// Job is the contract every concrete job (tourism harvest, weather harvest,
// quality sweep, archive purge, ...) implements.
type Job interface {
	ID() string
	Validate(ctx context.Context, params Params) error
	Execute(ctx context.Context, params Params) (Result, error)
	Cleanup(ctx context.Context)
}

// Run composes validate -> execute -> cleanup, always invoking Cleanup on
// every exit path (spec §4.8 "Cleanup is invoked on every exit path"), and
// turning a panic in Execute into a classified Critical error instead of
// crashing the worker pool.
func Run(ctx context.Context, job Job, params Params) Execution {
	return RunTracked(ctx, job, params, nil)
}

// RunTracked is Run with an onStart hook invoked once the execution id and
// start time are allocated but before Execute runs, so a caller (the
// Scheduler's ledger) can persist the start-record ahead of the end-record
// per the {start-record, end-record} write ordering.
func RunTracked(ctx context.Context, job Job, params Params, onStart func(Execution)) (exec Execution) {
	exec = Execution{
		ExecutionID: uuid.New().String(),
		JobID:       job.ID(),
		StartedAt:   time.Now(),
		Status:      StatusRunning,
		RetryStatus: RetryNotRetried,
	}
	if onStart != nil {
		onStart(exec)
	}
	defer job.Cleanup(ctx)

	defer func() {
		if r := recover(); r != nil {
			exec.Status = StatusFailed
			exec.ErrorMessage = fmt.Sprintf("panic: %v", r)
			exec.ErrorSeverity = batcherr.SeverityCritical
			exec.EndedAt = time.Now()
		}
	}()

	if err := job.Validate(ctx, params); err != nil {
		exec.Status = StatusFailed
		exec.ErrorMessage = err.Error()
		exec.ErrorSeverity = batcherr.SeverityOf(err)
		exec.ErrorKind = batcherr.KindOf(err)
		exec.EndedAt = time.Now()
		return exec
	}

	result, err := job.Execute(ctx, params)
	exec.ProcessedRecords = result.ProcessedRecords
	exec.FailedRecords = result.FailedRecords
	exec.EndedAt = time.Now()

	switch {
	case err == nil:
		exec.Status = StatusSuccess
	case ctx.Err() == context.DeadlineExceeded:
		exec.Status = StatusTimeout
		exec.ErrorMessage = err.Error()
		exec.ErrorSeverity = batcherr.SeverityHigh
		exec.ErrorKind = batcherr.KindOf(err)
	case ctx.Err() == context.Canceled:
		exec.Status = StatusCancelled
		exec.ErrorMessage = err.Error()
		exec.ErrorKind = batcherr.KindOf(err)
	default:
		exec.Status = StatusFailed
		exec.ErrorMessage = err.Error()
		exec.ErrorSeverity = batcherr.SeverityOf(err)
		exec.ErrorKind = batcherr.KindOf(err)
	}

	return exec
}
