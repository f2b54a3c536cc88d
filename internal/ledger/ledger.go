// Package ledger implements the Job Ledger (spec §4, "Durable record of
// every execution attempt and its outcome"). Grounded on
// systemoutprintlnnnn-emomo's gorm-backed repository pattern, storing
// JobExecution rows in batch_job_executions (spec §6's required tables).
package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/jobs"
)

// executionRow is the gorm model backing batch_job_executions.
type executionRow struct {
	ExecutionID      string `gorm:"primaryKey;column:execution_id"`
	JobID            string `gorm:"column:job_id;index"`
	StartedAt        int64  `gorm:"column:started_at"`
	EndedAt          int64  `gorm:"column:ended_at"`
	Status           string `gorm:"column:status"`
	ProcessedRecords int    `gorm:"column:processed_records"`
	FailedRecords    int    `gorm:"column:failed_records"`
	ErrorMessage     string `gorm:"column:error_message"`
	ErrorSeverity    string `gorm:"column:error_severity"`
	RetryAttempt     int    `gorm:"column:retry_attempt"`
	RetryStatus      string `gorm:"column:retry_status"`
}

func (executionRow) TableName() string { return "batch_job_executions" }

// Ledger persists and queries JobExecution records.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// AutoMigrate creates/updates batch_job_executions. Called once at startup;
// the other required tables (§6) belong to the relational engine's own
// migrations, out of this package's scope.
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&executionRow{})
}

// Record writes the {start-record, end-record} pair in order (spec §5
// "JobExecution rows are written in the order {start-record, end-record}
// and are never reordered"): RecordStart on launch, then Record (update in
// place) once the job has finished.
func (l *Ledger) RecordStart(ctx context.Context, exec jobs.Execution) error {
	row := toRow(exec)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return batcherr.New(batcherr.KindConflict, "ledger.RecordStart", err)
	}
	return nil
}

func (l *Ledger) Record(ctx context.Context, exec jobs.Execution) error {
	row := toRow(exec)
	if err := l.db.WithContext(ctx).Save(&row).Error; err != nil {
		return batcherr.New(batcherr.KindConflict, "ledger.Record", err)
	}
	return nil
}

// LastSuccess returns the most recent Success execution for jobID, used by
// the scheduler's dependency check (spec §4.9 step 2: "require Success with
// end-time within the last 24h").
func (l *Ledger) LastSuccess(ctx context.Context, jobID string) (jobs.Execution, bool, error) {
	var row executionRow
	err := l.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, string(jobs.StatusSuccess)).
		Order("ended_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return jobs.Execution{}, false, nil
	}
	if err != nil {
		return jobs.Execution{}, false, batcherr.New(batcherr.KindTransient, "ledger.LastSuccess", err)
	}
	return fromRow(row), true, nil
}

// IsRunning reports whether jobID currently has a Running execution (spec
// §4.9 step 1's "at most one Running per job id" check).
func (l *Ledger) IsRunning(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&executionRow{}).
		Where("job_id = ? AND status = ?", jobID, string(jobs.StatusRunning)).
		Count(&count).Error
	if err != nil {
		return false, batcherr.New(batcherr.KindTransient, "ledger.IsRunning", err)
	}
	return count > 0, nil
}

func toRow(exec jobs.Execution) executionRow {
	var started, ended int64
	if !exec.StartedAt.IsZero() {
		started = exec.StartedAt.UnixMilli()
	}
	if !exec.EndedAt.IsZero() {
		ended = exec.EndedAt.UnixMilli()
	}
	return executionRow{
		ExecutionID:      exec.ExecutionID,
		JobID:            exec.JobID,
		StartedAt:        started,
		EndedAt:          ended,
		Status:           string(exec.Status),
		ProcessedRecords: exec.ProcessedRecords,
		FailedRecords:    exec.FailedRecords,
		ErrorMessage:     exec.ErrorMessage,
		ErrorSeverity:    string(exec.ErrorSeverity),
		RetryAttempt:     exec.RetryAttempt,
		RetryStatus:      string(exec.RetryStatus),
	}
}

func fromRow(row executionRow) jobs.Execution {
	var started, ended time.Time
	if row.StartedAt != 0 {
		started = time.UnixMilli(row.StartedAt)
	}
	if row.EndedAt != 0 {
		ended = time.UnixMilli(row.EndedAt)
	}
	return jobs.Execution{
		ExecutionID:      row.ExecutionID,
		JobID:            row.JobID,
		StartedAt:        started,
		EndedAt:          ended,
		Status:           jobs.Status(row.Status),
		ProcessedRecords: row.ProcessedRecords,
		FailedRecords:    row.FailedRecords,
		ErrorMessage:     row.ErrorMessage,
		ErrorSeverity:    batcherr.Severity(row.ErrorSeverity),
		RetryAttempt:     row.RetryAttempt,
		RetryStatus:      jobs.RetryStatus(row.RetryStatus),
	}
}
