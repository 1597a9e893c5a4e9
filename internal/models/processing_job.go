package models

import (
	"fmt"
	"time"
)

type JobType string

const (
	JobTypeTextExtraction      JobType = "TEXT_EXTRACTION"
	JobTypeChunking            JobType = "CHUNKING"
	JobTypeEmbeddingGeneration JobType = "EMBEDDING_GENERATION"
	JobTypeFullProcessing      JobType = "FULL_PROCESSING"
	JobTypeReprocessing        JobType = "REPROCESSING"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusRetrying   JobStatus = "RETRYING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

// ActiveJobStatuses are the statuses that count toward the one-active-job-per
// (document, type) rule. The idx_jobs_one_active partial unique index enforces
// the rule in storage, so a lost creation race surfaces as a constraint error
// rather than a second active job.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusRetrying}

// jobTransitions enumerates every legal status edge. Fail and Cancel are
// additionally permitted from any non-terminal status, which is why FAILED and
// CANCELLED appear as targets beyond the strictly sequential edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning:    {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusRetrying:   {JobStatusRunning, JobStatusCancelled, JobStatusDeadLetter, JobStatusFailed},
	JobStatusFailed:     {JobStatusRetrying, JobStatusDeadLetter, JobStatusCancelled},
	JobStatusCompleted:  {},
	JobStatusCancelled:  {},
	JobStatusDeadLetter: {},
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusDeadLetter
}

func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusRetrying
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvalidTransitionError signals an attempt to move a job along an edge that
// is not in the transition table. It is always a caller ordering bug, never a
// condition to retry.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s (job %s)", e.From, e.To, e.JobID)
}

// ProcessingJob is one unit of document-processing work. All mutators are
// pure: they validate the current status, return a fresh snapshot and never
// modify the receiver. Durability of the snapshot is the repository's problem.
type ProcessingJob struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	DocumentID   string    `json:"documentId" gorm:"not null;index:idx_jobs_document_type;index:idx_jobs_one_active,unique,where:status = 'PENDING' OR status = 'RUNNING' OR status = 'RETRYING'"`
	JobType      JobType   `json:"jobType" gorm:"not null;index:idx_jobs_document_type;index:idx_jobs_one_active,unique,where:status = 'PENDING' OR status = 'RUNNING' OR status = 'RETRYING'"`
	Status       JobStatus `json:"status" gorm:"not null;default:'PENDING';index"`
	Progress     int       `json:"progress" gorm:"default:0"`
	AttemptCount int       `json:"attemptCount" gorm:"default:0"`
	ErrorMessage string    `json:"errorMessage"`
	Fingerprint  string    `json:"fingerprint,omitempty" gorm:"index"`
	JobDetails   JSONB     `json:"jobDetails" gorm:"type:jsonb"`
	Result       JSONB     `json:"result" gorm:"type:jsonb"`

	// Resumability checkpoints for long multi-chunk stages. Preserved across
	// retries so a resumed stage can skip already-processed units.
	LastProcessedChunkIndex  int `json:"lastProcessedChunkIndex" gorm:"default:0"`
	ProcessedChunksCount     int `json:"processedChunksCount" gorm:"default:0"`
	ProcessedEmbeddingsCount int `json:"processedEmbeddingsCount" gorm:"default:0"`

	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (ProcessingJob) TableName() string {
	return "processing_jobs"
}

// NewProcessingJob builds a fresh PENDING job. The content fingerprint, when
// present in details, is lifted into its own column so the deduplication
// lookup stays a plain indexed query.
func NewProcessingJob(id, documentID string, jobType JobType, details JSONB) ProcessingJob {
	now := time.Now()
	job := ProcessingJob{
		ID:         id,
		DocumentID: documentID,
		JobType:    jobType,
		Status:     JobStatusPending,
		JobDetails: details,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if details != nil {
		if fp, ok := details["fingerprint"].(string); ok {
			job.Fingerprint = fp
		}
	}
	return job
}

func (j ProcessingJob) transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{JobID: j.ID, From: j.Status, To: next}
	}
	return nil
}

// Start moves a PENDING or RETRYING job to RUNNING and counts the attempt.
func (j ProcessingJob) Start() (ProcessingJob, error) {
	if j.Status != JobStatusPending && j.Status != JobStatusRetrying {
		return j, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobStatusRunning}
	}
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.AttemptCount++
	j.UpdatedAt = now
	return j, nil
}

// UpdateProgress is only meaningful while RUNNING. The value is clamped to
// [0,100] rather than rejected.
func (j ProcessingJob) UpdateProgress(progress int) (ProcessingJob, error) {
	if j.Status != JobStatusRunning {
		return j, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobStatusRunning}
	}
	j.Progress = ClampProgress(progress)
	j.UpdatedAt = time.Now()
	return j, nil
}

func (j ProcessingJob) Complete(result JSONB) (ProcessingJob, error) {
	if err := j.transition(JobStatusCompleted); err != nil {
		return j, err
	}
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
	return j, nil
}

// Fail records the failure reason. Allowed from any non-terminal status so
// the reaper can force-fail stuck jobs regardless of where they got stuck.
func (j ProcessingJob) Fail(reason string) (ProcessingJob, error) {
	if j.Status.IsTerminal() || j.Status == JobStatusFailed {
		return j, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobStatusFailed}
	}
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return j, nil
}

func (j ProcessingJob) Cancel(reason string) (ProcessingJob, error) {
	if err := j.transition(JobStatusCancelled); err != nil {
		return j, err
	}
	now := time.Now()
	j.Status = JobStatusCancelled
	if reason != "" {
		j.ErrorMessage = reason
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return j, nil
}

// Retry moves a FAILED job back to RETRYING under the same id. Whether the
// attempt budget allows another run is the retry policy's decision, not the
// entity's. Checkpoints survive so the next run can resume partial work.
func (j ProcessingJob) Retry() (ProcessingJob, error) {
	if j.Status != JobStatusFailed {
		return j, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobStatusRetrying}
	}
	j.Status = JobStatusRetrying
	j.Progress = 0
	j.ErrorMessage = ""
	j.Result = nil
	j.CompletedAt = nil
	j.UpdatedAt = time.Now()
	return j, nil
}

// MarkDeadLetter is the terminal disposition after retry exhaustion.
func (j ProcessingJob) MarkDeadLetter() (ProcessingJob, error) {
	if err := j.transition(JobStatusDeadLetter); err != nil {
		return j, err
	}
	now := time.Now()
	j.Status = JobStatusDeadLetter
	j.CompletedAt = &now
	j.UpdatedAt = now
	return j, nil
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
