package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/backend/internal/models"
	"gorm.io/gorm"
)

// StaleJobReason is the fixed failure reason the reaper writes onto jobs it
// force-fails.
const StaleJobReason = "timeout"

// JobRepository is the durable-storage port the orchestrator depends on.
//
// Transition is the concurrency boundary: it persists a snapshot only if the
// stored row is still in one of the expected statuses. A false return means a
// concurrent caller already moved the job — benign, not an error.
type JobRepository interface {
	Save(job models.ProcessingJob) (models.ProcessingJob, error)
	FindByID(id string) (*models.ProcessingJob, error)
	FindByDocument(documentID string) ([]models.ProcessingJob, error)
	FindInStatus(statuses ...models.JobStatus) ([]models.ProcessingJob, error)
	FindActiveByDocumentAndType(documentID string, jobType models.JobType) (*models.ProcessingJob, error)
	FindDuplicateJobs(documentID string, jobType models.JobType, fingerprint string) ([]models.ProcessingJob, error)
	Transition(job models.ProcessingJob, expected ...models.JobStatus) (bool, error)
	UpdateProgress(id string, progress int, checkpoints map[string]interface{}) (bool, error)
	MarkStaleJobsAsFailed(cutoff time.Time) (int64, error)
}

type gormJobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Save(job models.ProcessingJob) (models.ProcessingJob, error) {
	if err := r.db.Save(&job).Error; err != nil {
		return job, fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return job, nil
}

func (r *gormJobRepository) FindByID(id string) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	if err := r.db.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *gormJobRepository) FindByDocument(documentID string) ([]models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	if err := r.db.Where("document_id = ?", documentID).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindInStatus returns every job in one of the given statuses, oldest first.
// The startup requeue uses it to pick up jobs that were queued but never
// processed before the previous shutdown.
func (r *gormJobRepository) FindInStatus(statuses ...models.JobStatus) ([]models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	if err := r.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gormJobRepository) FindActiveByDocumentAndType(documentID string, jobType models.JobType) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := r.db.
		Where("document_id = ? AND job_type = ? AND status IN ?", documentID, jobType, models.ActiveJobStatuses).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *gormJobRepository) FindDuplicateJobs(documentID string, jobType models.JobType, fingerprint string) ([]models.ProcessingJob, error) {
	if fingerprint == "" {
		return nil, nil
	}
	var jobs []models.ProcessingJob
	err := r.db.
		Where("document_id = ? AND job_type = ? AND fingerprint = ? AND status IN ?",
			documentID, jobType, fingerprint,
			[]models.JobStatus{models.JobStatusCompleted, models.JobStatusRunning, models.JobStatusPending}).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition writes the snapshot's mutable fields conditional on the stored
// status still being one of `expected`. The caller that loses a race observes
// (false, nil) and must treat it as "someone else already transitioned this
// job".
func (r *gormJobRepository) Transition(job models.ProcessingJob, expected ...models.JobStatus) (bool, error) {
	if len(expected) == 0 {
		return false, fmt.Errorf("transition for job %s requires at least one expected status", job.ID)
	}

	updates := map[string]interface{}{
		"status":                     job.Status,
		"progress":                   job.Progress,
		"attempt_count":              job.AttemptCount,
		"error_message":              job.ErrorMessage,
		"result":                     job.Result,
		"last_processed_chunk_index": job.LastProcessedChunkIndex,
		"processed_chunks_count":     job.ProcessedChunksCount,
		"processed_embeddings_count": job.ProcessedEmbeddingsCount,
		"started_at":                 job.StartedAt,
		"completed_at":               job.CompletedAt,
		"updated_at":                 time.Now(),
	}

	res := r.db.Model(&models.ProcessingJob{}).
		Where("id = ? AND status IN ?", job.ID, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress bumps progress (and any resumability checkpoints) while the
// job is still RUNNING. A job that completed or got reaped concurrently is
// left alone.
func (r *gormJobRepository) UpdateProgress(id string, progress int, checkpoints map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"progress":   models.ClampProgress(progress),
		"updated_at": time.Now(),
	}
	for col, val := range checkpoints {
		updates[col] = val
	}

	res := r.db.Model(&models.ProcessingJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkStaleJobsAsFailed force-fails RUNNING/RETRYING jobs whose last start
// (or creation, if they never started) predates the cutoff. This reclaims
// jobs abandoned by crashed workers so they stop blocking the one-active-job
// rule.
func (r *gormJobRepository) MarkStaleJobsAsFailed(cutoff time.Time) (int64, error) {
	now := time.Now()
	res := r.db.Model(&models.ProcessingJob{}).
		Where("status IN ? AND COALESCE(started_at, created_at) < ?",
			[]models.JobStatus{models.JobStatusRunning, models.JobStatusRetrying}, cutoff).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"error_message": StaleJobReason,
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
