// Package upsert implements the Bulk Upsert Engine (spec §4.6): chunked
// INSERT ... ON CONFLICT with per-table tuning, linear-backoff retry, a
// memory pre-flight guard, and abort-on-five-consecutive-failures. Grounded
// on original_source/app/core/batch_insert_optimizer.py's BatchInsertOptimizer
// (chunked execute_values, chunk halving under memory pressure, per-call
// retry-with-backoff) translated onto lib/pq's pq.CopyIn-adjacent bulk
// parameter binding via database/sql.
package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/transform"
)

// Profile is a named tuning preset (spec §4.6 "Conservative, Balanced,
// Aggressive, MemoryConstrained").
type Profile struct {
	Name          string
	ChunkSize     int
	MemoryCapMB   int
	ParallelDegree int
	UpsertEnabled bool
	RetryAttempts int
	RetryDelay    time.Duration
}

var (
	ProfileConservative = Profile{Name: "conservative", ChunkSize: 250, MemoryCapMB: 50, ParallelDegree: 1, UpsertEnabled: true, RetryAttempts: 5, RetryDelay: 500 * time.Millisecond}
	ProfileBalanced     = Profile{Name: "balanced", ChunkSize: 1000, MemoryCapMB: 100, ParallelDegree: 2, UpsertEnabled: true, RetryAttempts: 3, RetryDelay: time.Second}
	ProfileAggressive   = Profile{Name: "aggressive", ChunkSize: 5000, MemoryCapMB: 300, ParallelDegree: 4, UpsertEnabled: true, RetryAttempts: 2, RetryDelay: 250 * time.Millisecond}
	ProfileMemoryConstrained = Profile{Name: "memory_constrained", ChunkSize: 100, MemoryCapMB: 20, ParallelDegree: 1, UpsertEnabled: true, RetryAttempts: 5, RetryDelay: time.Second}
)

// ProfileByName resolves spec §6's "optimization level preset" config value.
func ProfileByName(name string) Profile {
	switch strings.ToLower(name) {
	case "conservative":
		return ProfileConservative
	case "aggressive":
		return ProfileAggressive
	case "memory_constrained", "memoryconstrained":
		return ProfileMemoryConstrained
	default:
		return ProfileBalanced
	}
}

// Spec describes one Upsert() invocation (spec §4.6's accepted parameters).
type Spec struct {
	TargetTable     string
	ConflictColumns []string
	Profile         Profile
	Timeout         time.Duration
}

// ChunkError is one of the "per-chunk errors ≤ 10" carried on Report.
type ChunkError struct {
	ChunkIndex int
	Err        string
}

// Report is the structured result spec §4.6 names.
type Report struct {
	TotalRecords     int
	SuccessfulRecords int
	FailedRecords    int
	ExecutionTime    time.Duration
	ChunkErrors      []ChunkError
	PartialFailure   bool
}

func (r Report) RecordsPerSecond() float64 {
	secs := r.ExecutionTime.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(r.SuccessfulRecords) / secs
}

const maxConsecutiveChunkFailures = 5
const maxReportedChunkErrors = 10

// Engine executes bulk upserts against an open *sql.DB.
type Engine struct {
	db          *sql.DB
	memoryGauge func() int // current resident MB; overridable for tests
}

func New(db *sql.DB) *Engine {
	return &Engine{db: db, memoryGauge: currentRSSMB}
}

// Upsert splits rows into chunks per spec.Profile.ChunkSize and executes
// each, halving the remaining chunk size whenever the pre-flight memory
// check trips (spec §4.6 step 1), retrying transient failures with linear
// backoff (step 3), and aborting with PartialFailure after five
// consecutive chunk failures (step 4).
func (e *Engine) Upsert(ctx context.Context, spec Spec, rows []transform.Row) (Report, error) {
	startTime := time.Now()
	report := Report{TotalRecords: len(rows)}
	if len(rows) == 0 {
		return report, nil
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chunkSize := spec.Profile.ChunkSize
	if chunkSize <= 0 {
		chunkSize = transform.DefaultChunkSize
	}

	consecutiveFailures := 0
	chunkIndex := 0
	for start := 0; start < len(rows); {
		if e.memoryGauge() > spec.Profile.MemoryCapMB && chunkSize > 1 {
			chunkSize = chunkSize / 2
			if chunkSize < 1 {
				chunkSize = 1
			}
		}

		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := e.execChunkWithRetry(ctx, spec, chunk)
		if err != nil {
			consecutiveFailures++
			report.FailedRecords += len(chunk)
			if len(report.ChunkErrors) < maxReportedChunkErrors {
				report.ChunkErrors = append(report.ChunkErrors, ChunkError{ChunkIndex: chunkIndex, Err: err.Error()})
			}
			if consecutiveFailures >= maxConsecutiveChunkFailures {
				report.PartialFailure = true
				report.ExecutionTime = time.Since(startTime)
				return report, batcherr.Newf(batcherr.KindConflict, "upsert.Upsert", "aborted after %d consecutive chunk failures", consecutiveFailures)
			}
		} else {
			consecutiveFailures = 0
			report.SuccessfulRecords += len(chunk)
		}

		chunkIndex++
		start = end
	}

	report.ExecutionTime = time.Since(startTime)
	return report, nil
}

func (e *Engine) execChunkWithRetry(ctx context.Context, spec Spec, chunk []transform.Row) error {
	attempts := spec.Profile.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := spec.Profile.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay * time.Duration(attempt)): // linear backoff, spec §4.6 step 3
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := e.execChunk(ctx, spec, chunk); err != nil {
			lastErr = err
			if !batcherr.Retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (e *Engine) execChunk(ctx context.Context, spec Spec, chunk []transform.Row) error {
	if len(chunk) == 0 {
		return nil
	}
	query, args := buildUpsertQuery(spec, chunk)
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		return batcherr.New(batcherr.KindTransient, "upsert.execChunk", err).WithSeverity(batcherr.SeverityMedium)
	}
	return nil
}

// buildUpsertQuery renders a single multi-row INSERT ... ON CONFLICT
// statement, column order taken from the first row (spec §4.6 step 2).
func buildUpsertQuery(spec Spec, chunk []transform.Row) (string, []any) {
	columns := columnsOf(chunk[0])

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", spec.TargetTable, strings.Join(columns, ", "))

	args := make([]any, 0, len(columns)*len(chunk))
	placeholder := 1
	for i, row := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
			args = append(args, row[col])
		}
		sb.WriteString(")")
	}

	if spec.Profile.UpsertEnabled && len(spec.ConflictColumns) > 0 {
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(spec.ConflictColumns, ", "))
		isConflictCol := make(map[string]bool, len(spec.ConflictColumns))
		for _, c := range spec.ConflictColumns {
			isConflictCol[c] = true
		}
		first := true
		for _, col := range columns {
			if isConflictCol[col] {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
			first = false
		}
	}

	return sb.String(), args
}

func columnsOf(row transform.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	return cols
}
