package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// claim lease duration; an expired lease makes the job reclaimable
const defaultLease = 5 * time.Minute

// claimCandidates bounds how many eligible jobs one Claim call will
// race for before reporting no job
const claimCandidates = 5

// JobStore implements core.JobStore using GORM.
type JobStore struct {
	db    *gorm.DB
	lease time.Duration
}

// NewJobStore creates a new GORM-backed job store.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, lease: defaultLease}
}

// Migrate creates the necessary tables.
func (s *JobStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Enqueue adds a job to the queue.
func (s *JobStore) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// EnqueueUnique adds a job only if no job with the same unique key exists
// in pending/processing state.
func (s *JobStore) EnqueueUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	if err := security.ValidateUniqueKey(uniqueKey); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	job.UniqueKey = uniqueKey

	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("unique_key = ?", uniqueKey).
		Where("status IN ?", []core.JobStatus{core.StatusPending, core.StatusProcessing}).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return core.ErrDuplicateJob
	}

	return s.db.WithContext(ctx).Create(job).Error
}

// Claim takes ownership of the next eligible pending job.
//
// Ownership is decided by a single conditional UPDATE whose WHERE clause
// re-checks eligibility: with N concurrent claimers exactly one sees
// RowsAffected == 1 for a given job. Losers move on to the next
// candidate. Candidates are ordered by priority descending, then
// created_at, then id, so claim order is deterministic.
func (s *JobStore) Claim(ctx context.Context, processorID string) (*core.Job, error) {
	now := time.Now()

	var candidates []core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusPending).
		Where("(run_at IS NULL OR run_at <= ?)", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(claimCandidates).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		job := candidates[i]
		lockUntil := now.Add(s.lease)
		res := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("id = ?", job.ID).
			Where("status = ?", core.StatusPending).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Updates(map[string]any{
				"status":       core.StatusProcessing,
				"locked_by":    processorID,
				"locked_until": lockUntil,
				"started_at":   now,
				"attempt":      gorm.Expr("attempt + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another processor won this one.
			continue
		}
		job.Status = core.StatusProcessing
		job.LockedBy = processorID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.Attempt++
		return &job, nil
	}
	return nil, nil
}

// Complete marks a job as successfully completed with its result.
// Validates that the processor owns the job before completing.
func (s *JobStore) Complete(ctx context.Context, jobID, processorID string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, processorID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"result":       result,
			"progress":     100,
			"completed_at": now,
			"locked_by":    "",
			"locked_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail marks a job as failed, optionally scheduling a retry.
// Error messages are sanitized before storage.
func (s *JobStore) Fail(ctx context.Context, jobID, processorID string, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"locked_by":    "",
		"locked_until": nil,
	}

	if retryAt != nil {
		updates["status"] = core.StatusPending
		updates["run_at"] = retryAt
	} else {
		updates["status"] = core.StatusFailed
		now := time.Now()
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, processorID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// SetProgress updates a processing job's progress.
func (s *JobStore) SetProgress(ctx context.Context, jobID, processorID string, progress int) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, processorID).
		Update("progress", security.ClampProgress(progress)).Error
}

// ExtendLease extends the claim lease on a processing job.
func (s *JobStore) ExtendLease(ctx context.Context, jobID, processorID string, until time.Time) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, processorID).
		Update("locked_until", until).Error
}

// ReclaimAbandoned returns processing jobs whose lease expired longer
// than the visibility timeout ago back to pending.
func (s *JobStore) ReclaimAbandoned(ctx context.Context, visibility time.Duration) (int64, error) {
	cutoff := time.Now().Add(-visibility)
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusProcessing).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return res.RowsAffected, res.Error
}

// GetJob retrieves a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &job, err
}

// GetJobsByStatus retrieves jobs by status.
func (s *JobStore) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// PurgeTerminal deletes terminal jobs older than the retention bound.
// Retention days is validated and bound as a parameter, never
// interpolated into the query.
func (s *JobStore) PurgeTerminal(ctx context.Context, olderThanDays int) (int64, error) {
	if err := security.ValidateRetentionDays(olderThanDays); err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res := s.db.WithContext(ctx).
		Where("status IN ?", []core.JobStatus{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}).
		Where("completed_at < ?", cutoff).
		Delete(&core.Job{})
	return res.RowsAffected, res.Error
}
