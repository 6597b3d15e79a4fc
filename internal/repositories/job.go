package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lanterncore/lantern/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database}
}

// Create inserts a new job record and returns its assigned monotonic ID.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) (int64, error) {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return 0, fmt.Errorf("jobs: create: %w", err)
	}
	return job.ID, nil
}

// GetByID retrieves a job by its ID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id int64) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job record. Called once a job has run to completion and
// does not need to be retried.
func (r *gormJobRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RunnableInQueue returns jobs in behavior whose next_run_timestamp has
// elapsed and which have no unresolved JobDependency row, ordered by
// priority descending then id ascending — FIFO within a priority band.
func (r *gormJobRepository) RunnableInQueue(ctx context.Context, behavior string, now time.Time, limit int) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("behavior = ? AND next_run_timestamp <= ?", behavior, now.UnixMilli()).
		Where("id NOT IN (SELECT job_id FROM job_dependencies)").
		Order("priority DESC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: runnable in queue: %w", err)
	}
	return jobs, nil
}

// RunnableForVariants returns jobs belonging to one of variants whose
// next_run_timestamp has elapsed and which have no unresolved
// JobDependency row, ordered by priority descending then id ascending.
func (r *gormJobRepository) RunnableForVariants(ctx context.Context, variants []string, now time.Time, limit int) ([]db.Job, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("variant IN ? AND next_run_timestamp <= ?", variants, now.UnixMilli()).
		Where("id NOT IN (SELECT job_id FROM job_dependencies)").
		Order("priority DESC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: runnable for variants: %w", err)
	}
	return jobs, nil
}

// SoonestRunTimestamp returns the smallest next_run_timestamp among jobs
// belonging to one of variants.
func (r *gormJobRepository) SoonestRunTimestamp(ctx context.Context, variants []string) (int64, bool, error) {
	if len(variants) == 0 {
		return 0, false, nil
	}
	var ts *int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("variant IN ?", variants).
		Select("MIN(next_run_timestamp)").
		Scan(&ts).Error
	if err != nil {
		return 0, false, fmt.Errorf("jobs: soonest run timestamp: %w", err)
	}
	if ts == nil {
		return 0, false, nil
	}
	return *ts, true, nil
}

// IncrementFailure bumps failure_count and sets next_run_timestamp to
// reflect the retry backoff computed by the caller.
func (r *gormJobRepository) IncrementFailure(ctx context.Context, id int64, nextRunTimestamp int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failure_count":       gorm.Expr("failure_count + 1"),
			"next_run_timestamp": nextRunTimestamp,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: increment failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDependency records that job depends on dependsOn.
func (r *gormJobRepository) AddDependency(ctx context.Context, job, dependsOn int64) error {
	dep := db.JobDependency{JobID: job, DependsOnID: dependsOn}
	if err := r.db.WithContext(ctx).Create(&dep).Error; err != nil {
		return fmt.Errorf("jobs: add dependency: %w", err)
	}
	return nil
}

// RemoveDependenciesOn deletes every JobDependency row naming id as
// DependsOnID, called when a job finishes so dependents become runnable.
func (r *gormJobRepository) RemoveDependenciesOn(ctx context.Context, id int64) error {
	if err := r.db.WithContext(ctx).
		Where("depends_on_id = ?", id).
		Delete(&db.JobDependency{}).Error; err != nil {
		return fmt.Errorf("jobs: remove dependencies on: %w", err)
	}
	return nil
}

// DependentsOf returns the IDs of jobs that depend on dependsOnID.
func (r *gormJobRepository) DependentsOf(ctx context.Context, dependsOnID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).
		Model(&db.JobDependency{}).
		Where("depends_on_id = ?", dependsOnID).
		Pluck("job_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("jobs: dependents of: %w", err)
	}
	return ids, nil
}

// DependencyIDs returns the IDs jobID itself depends on.
func (r *gormJobRepository) DependencyIDs(ctx context.Context, jobID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).
		Model(&db.JobDependency{}).
		Where("job_id = ?", jobID).
		Pluck("depends_on_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("jobs: dependency ids: %w", err)
	}
	return ids, nil
}

// HasUnresolvedDependencies reports whether id still has any outstanding
// JobDependency row.
func (r *gormJobRepository) HasUnresolvedDependencies(ctx context.Context, id int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.JobDependency{}).
		Where("job_id = ?", id).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("jobs: has unresolved dependencies: %w", err)
	}
	return count > 0, nil
}

// ExistsForVariant reports whether any job of variant is already queued.
func (r *gormJobRepository) ExistsForVariant(ctx context.Context, variant string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("variant = ?", variant).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("jobs: exists for variant: %w", err)
	}
	return count > 0, nil
}

// CountByBehavior returns the number of jobs currently queued for a
// behavior, including blocked ones.
func (r *gormJobRepository) CountByBehavior(ctx context.Context, behavior string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("behavior = ?", behavior).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("jobs: count by behavior: %w", err)
	}
	return count, nil
}
