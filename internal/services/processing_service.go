package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ErrJobConflict is returned when a requested transition lost a race against
// a concurrent caller. It is informational, not a failure to retry.
var ErrJobConflict = errors.New("job was transitioned concurrently")

// StageHandler executes one pipeline stage for a job. The orchestrator treats
// it as opaque: a nil error means the stage's result payload is final, any
// error routes through the retry/dead-letter machinery.
type StageHandler func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error)

// JobRequest represents a queued unit of work for the worker pool
type JobRequest struct {
	JobID string
}

// ProcessingService drives processing jobs through their stages: it owns the
// worker pool, the deduplicated creation path, the per-job retry loop and the
// dead-letter disposition. All durable state lives behind the repositories;
// the service only passes immutable job snapshots around.
type ProcessingService struct {
	db          *gorm.DB
	jobs        repository.JobRepository
	deadLetters repository.DeadLetterRepository
	retryPolicy *RetryPolicy

	handlers map[models.JobType]StageHandler

	jobQueue    chan JobRequest
	workerCount int
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewProcessingService wires the orchestrator with its dependencies. Every
// dependency is required; a missing one is a wiring bug that must surface at
// startup, not on the first dead-lettered job.
func NewProcessingService(
	db *gorm.DB,
	jobs repository.JobRepository,
	deadLetters repository.DeadLetterRepository,
	retryPolicy *RetryPolicy,
) (*ProcessingService, error) {
	if db == nil {
		return nil, fmt.Errorf("processing service requires a database handle")
	}
	if jobs == nil {
		return nil, fmt.Errorf("processing service requires a job repository")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("processing service requires a dead-letter repository")
	}
	if retryPolicy == nil {
		return nil, fmt.Errorf("processing service requires a retry policy")
	}

	return &ProcessingService{
		db:          db,
		jobs:        jobs,
		deadLetters: deadLetters,
		retryPolicy: retryPolicy,
		handlers:    make(map[models.JobType]StageHandler),
		jobQueue:    make(chan JobRequest, 100),
		workerCount: envInt("WORKER_COUNT", 2),
		stopChan:    make(chan struct{}),
	}, nil
}

// RegisterHandler binds a stage handler to a job type. The extraction,
// chunking and embedding subsystems register themselves here at startup.
func (ps *ProcessingService) RegisterHandler(jobType models.JobType, handler StageHandler) {
	ps.handlers[jobType] = handler
}

// Start launches the worker pool.
func (ps *ProcessingService) Start() {
	for i := 0; i < ps.workerCount; i++ {
		ps.wg.Add(1)
		go ps.worker(i)
	}
}

// Stop shuts the worker pool down and waits for in-flight jobs to park.
func (ps *ProcessingService) Stop() {
	ps.stopOnce.Do(func() {
		close(ps.stopChan)
	})
	ps.wg.Wait()
}

// worker processes jobs from the queue
func (ps *ProcessingService) worker(id int) {
	defer ps.wg.Done()

	for {
		select {
		case jobReq := <-ps.jobQueue:
			logger.Info("Worker processing job", map[string]interface{}{
				"workerID": id,
				"jobID":    jobReq.JobID,
			})
			ps.ProcessJob(jobReq.JobID)

		case <-ps.stopChan:
			logger.Info("Worker stopping", map[string]interface{}{"workerID": id})
			return
		}
	}
}

// Enqueue hands a job id to the worker pool.
func (ps *ProcessingService) Enqueue(jobID string) {
	select {
	case ps.jobQueue <- JobRequest{JobID: jobID}:
	case <-ps.stopChan:
		logger.Warn("Dropped enqueue during shutdown", map[string]interface{}{"jobID": jobID})
	}
}

// CreateJobWithDeduplication is the only creation path. When the details
// carry a content fingerprint and a job with the same (document, type,
// fingerprint) already exists in COMPLETED/RUNNING/PENDING, that job is
// returned untouched, making creation idempotent under retried client
// requests. Without a fingerprint every call creates a new job.
//
// Independently of the fingerprint, an active job for the same
// (document, type) is returned as-is: at most one PENDING/RUNNING/RETRYING
// job may exist per pair.
func (ps *ProcessingService) CreateJobWithDeduplication(documentID string, jobType models.JobType, details models.JSONB) (models.ProcessingJob, bool, error) {
	fingerprint := ""
	if details != nil {
		if fp, ok := details["fingerprint"].(string); ok {
			fingerprint = fp
		}
	}

	if fingerprint != "" {
		duplicates, err := ps.jobs.FindDuplicateJobs(documentID, jobType, fingerprint)
		if err != nil {
			return models.ProcessingJob{}, false, fmt.Errorf("duplicate lookup failed: %w", err)
		}
		if len(duplicates) > 0 {
			logger.Info("Returning existing job for duplicate request", map[string]interface{}{
				"jobID":       duplicates[0].ID,
				"documentID":  documentID,
				"jobType":     jobType,
				"fingerprint": fingerprint,
			})
			return duplicates[0], false, nil
		}
	}

	active, err := ps.jobs.FindActiveByDocumentAndType(documentID, jobType)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("active-job lookup failed: %w", err)
	}
	if active != nil {
		return *active, false, nil
	}

	job := models.NewProcessingJob(uuid.NewString(), documentID, jobType, details)
	saved, err := ps.jobs.Save(job)
	if err != nil {
		// The one-active partial unique index rejects the insert when a
		// concurrent request won the creation race between our lookup and the
		// save. The winner's job is the caller's job.
		if winner, ferr := ps.jobs.FindActiveByDocumentAndType(documentID, jobType); ferr == nil && winner != nil {
			logger.Info("Lost creation race, returning concurrent winner", map[string]interface{}{
				"jobID":      winner.ID,
				"documentID": documentID,
				"jobType":    jobType,
			})
			return *winner, false, nil
		}
		return models.ProcessingJob{}, false, fmt.Errorf("failed to create job: %w", err)
	}

	return saved, true, nil
}

// RequeuePendingJobs pushes every PENDING or RETRYING job back onto the
// queue. Called once at startup so work that was queued but never picked up
// before the previous shutdown does not sit blocking the one-active rule
// until someone cancels it.
func (ps *ProcessingService) RequeuePendingJobs() (int, error) {
	jobs, err := ps.jobs.FindInStatus(models.JobStatusPending, models.JobStatusRetrying)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	for _, job := range jobs {
		ps.Enqueue(job.ID)
	}
	if len(jobs) > 0 {
		logger.Info("Requeued unfinished jobs from previous run", map[string]interface{}{
			"count": len(jobs),
		})
	}
	return len(jobs), nil
}

// CancelJob cancels a job that has not reached a terminal state. Best-effort:
// a stage already in flight is not preempted, but the orchestrator will
// observe the cancellation before the next attempt begins.
func (ps *ProcessingService) CancelJob(jobID, reason string) (models.ProcessingJob, error) {
	current, err := ps.jobs.FindByID(jobID)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	if current == nil {
		return models.ProcessingJob{}, gorm.ErrRecordNotFound
	}

	cancelled, err := current.Cancel(reason)
	if err != nil {
		return *current, err
	}

	ok, err := ps.jobs.Transition(cancelled, current.Status)
	if err != nil {
		return *current, err
	}
	if !ok {
		return *current, ErrJobConflict
	}
	return cancelled, nil
}

// ResumeJob moves a FAILED job back into the queue, provided the retry policy
// still allows another attempt.
func (ps *ProcessingService) ResumeJob(jobID string) (models.ProcessingJob, error) {
	current, err := ps.jobs.FindByID(jobID)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	if current == nil {
		return models.ProcessingJob{}, gorm.ErrRecordNotFound
	}
	if !ps.retryPolicy.ShouldRetry(current.AttemptCount) {
		return *current, fmt.Errorf("job %s has exhausted its %d attempts", jobID, ps.retryPolicy.MaxAttempts)
	}

	retrying, err := current.Retry()
	if err != nil {
		return *current, err
	}

	ok, err := ps.jobs.Transition(retrying, models.JobStatusFailed)
	if err != nil {
		return *current, err
	}
	if !ok {
		return *current, ErrJobConflict
	}

	ps.Enqueue(jobID)
	return retrying, nil
}

// GetJob returns the current snapshot of a job.
func (ps *ProcessingService) GetJob(jobID string) (*models.ProcessingJob, error) {
	return ps.jobs.FindByID(jobID)
}

// GetJobsByDocument returns all jobs for a document, newest first.
func (ps *ProcessingService) GetJobsByDocument(documentID string) ([]models.ProcessingJob, error) {
	return ps.jobs.FindByDocument(documentID)
}

// ProcessJob drives one job to a terminal or parked state. Safe to call for
// ids that were transitioned concurrently; the loser observes a no-op.
func (ps *ProcessingService) ProcessJob(jobID string) {
	job, err := ps.jobs.FindByID(jobID)
	if err != nil {
		logger.Error("Failed to load job", map[string]interface{}{"jobID": jobID, "error": err})
		return
	}
	if job == nil {
		logger.Warn("Job vanished before processing", map[string]interface{}{"jobID": jobID})
		return
	}
	if !job.Status.IsActive() {
		logger.Info("Skipping job in non-active status", map[string]interface{}{
			"jobID": jobID, "status": job.Status,
		})
		return
	}

	var doc models.Document
	if err := ps.db.First(&doc, "id = ?", job.DocumentID).Error; err != nil {
		ps.failWithoutRetry(*job, fmt.Sprintf("document %s not found", job.DocumentID))
		return
	}

	ps.executeWithRetry(*job, &doc)
}

// executeWithRetry is the per-stage execution loop. Stage errors never escape
// it: they become status transitions, and after the attempt budget is spent
// the job is dead-lettered. The backoff wait parks only this goroutine.
func (ps *ProcessingService) executeWithRetry(job models.ProcessingJob, doc *models.Document) {
	for {
		started, err := job.Start()
		if err != nil {
			logger.Error("Job cannot start", map[string]interface{}{"jobID": job.ID, "error": err.Error()})
			return
		}
		ok, err := ps.jobs.Transition(started, models.JobStatusPending, models.JobStatusRetrying)
		if err != nil {
			logger.Error("Failed to persist job start", map[string]interface{}{"jobID": job.ID, "error": err})
			return
		}
		if !ok {
			// Someone else owns this job now (cancel, reaper, another worker).
			logger.Info("Lost start race, leaving job alone", map[string]interface{}{"jobID": job.ID})
			return
		}
		job = started

		handler, found := ps.handlers[job.JobType]
		if !found {
			ps.failWithoutRetry(job, fmt.Sprintf("no stage handler registered for %s", job.JobType))
			return
		}

		result, stageErr := handler(job, doc)

		// The handler may have advanced checkpoints through the repository;
		// reload so the failure path carries them forward into the retry.
		if fresh, ferr := ps.jobs.FindByID(job.ID); ferr == nil && fresh != nil {
			job = *fresh
		}

		if stageErr == nil {
			completed, cerr := job.Complete(result)
			if cerr != nil {
				logger.Info("Job no longer completable", map[string]interface{}{"jobID": job.ID, "status": job.Status})
				return
			}
			ok, terr := ps.jobs.Transition(completed, models.JobStatusRunning)
			if terr != nil {
				logger.Error("Failed to persist job completion", map[string]interface{}{"jobID": job.ID, "error": terr})
				return
			}
			if !ok {
				logger.Info("Job was transitioned during its final stage", map[string]interface{}{"jobID": job.ID})
				return
			}
			logger.WithJob(job.ID, string(job.JobType)).Info("Job completed")
			return
		}

		if job.Status != models.JobStatusRunning {
			// Cancelled or reaped while the stage ran; its word stands.
			logger.Info("Job left RUNNING during stage execution", map[string]interface{}{
				"jobID": job.ID, "status": job.Status,
			})
			return
		}

		failed, ferr := job.Fail(stageErr.Error())
		if ferr != nil {
			logger.Error("Job cannot record failure", map[string]interface{}{"jobID": job.ID, "error": ferr.Error()})
			return
		}
		ok, terr := ps.jobs.Transition(failed, models.JobStatusRunning)
		if terr != nil {
			logger.Error("Failed to persist job failure", map[string]interface{}{"jobID": job.ID, "error": terr})
			return
		}
		if !ok {
			return
		}
		job = failed

		if !ps.retryPolicy.ShouldRetry(job.AttemptCount) {
			ps.deadLetter(job)
			return
		}

		retrying, rerr := job.Retry()
		if rerr != nil {
			logger.Error("Job cannot enter retry", map[string]interface{}{"jobID": job.ID, "error": rerr.Error()})
			return
		}
		ok, terr = ps.jobs.Transition(retrying, models.JobStatusFailed)
		if terr != nil || !ok {
			return
		}
		job = retrying

		delay := ps.retryPolicy.Delay(job.AttemptCount - 1)
		logger.WithJob(job.ID, string(job.JobType)).WithField("delay", delay.String()).
			Warn("Stage failed, backing off before retry")

		select {
		case <-time.After(delay):
		case <-ps.stopChan:
			logger.Warn("Shutdown during backoff, leaving job RETRYING for the reaper",
				map[string]interface{}{"jobID": job.ID})
			return
		}

		// Pick up any cancellation that happened during the backoff.
		fresh, ferr2 := ps.jobs.FindByID(job.ID)
		if ferr2 != nil || fresh == nil || fresh.Status != models.JobStatusRetrying {
			return
		}
		job = *fresh
	}
}

// deadLetter gives an exhausted job its terminal disposition. Writing the
// record is the single required side effect; if that write fails it is
// escalated loudly because it is the last trace of the job's failure.
func (ps *ProcessingService) deadLetter(job models.ProcessingJob) {
	dead, err := job.MarkDeadLetter()
	if err != nil {
		logger.Error("Job cannot be dead-lettered", map[string]interface{}{"jobID": job.ID, "error": err.Error()})
		return
	}
	ok, err := ps.jobs.Transition(dead, models.JobStatusFailed)
	if err != nil {
		logger.Error("Failed to persist dead-letter transition", map[string]interface{}{"jobID": job.ID, "error": err})
		return
	}
	if !ok {
		return
	}

	record := models.DeadLetterRecord{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		JobType:      job.JobType,
		Payload:      job.JobDetails,
		ErrorMessage: job.ErrorMessage,
		Attempts:     job.AttemptCount,
	}
	if _, err := ps.deadLetters.Save(record); err != nil {
		logger.Error("CRITICAL: dead-letter write failed, audit trail lost", map[string]interface{}{
			"jobID": job.ID, "documentID": job.DocumentID, "error": err,
		})
		return
	}

	ps.markDocumentFailed(job.DocumentID)
	logger.WithJob(job.ID, string(job.JobType)).WithField("attempts", job.AttemptCount).
		Error("Job dead-lettered after exhausting retries")
}

// failWithoutRetry handles failures that no amount of retrying will fix.
func (ps *ProcessingService) failWithoutRetry(job models.ProcessingJob, reason string) {
	failed, err := job.Fail(reason)
	if err != nil {
		return
	}
	ok, err := ps.jobs.Transition(failed, job.Status)
	if err != nil || !ok {
		return
	}
	ps.deadLetter(failed)
}

func (ps *ProcessingService) markDocumentFailed(documentID string) {
	if err := ps.db.Model(&models.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"status":     models.DocumentStatusFailed,
			"updated_at": time.Now(),
		}).Error; err != nil {
		logger.Error("Failed to mark document failed", map[string]interface{}{
			"documentID": documentID, "error": err,
		})
	}
}

// DefaultStageHandlers wires the extraction, chunking and embedding
// subsystems into the orchestrator's handler table.
func (ps *ProcessingService) DefaultStageHandlers(extraction *ExtractionService, chunking *ChunkingService, embedding *EmbeddingService) {
	ps.RegisterHandler(models.JobTypeTextExtraction, ps.extractionHandler(extraction))
	ps.RegisterHandler(models.JobTypeChunking, ps.chunkingHandler(chunking))
	ps.RegisterHandler(models.JobTypeEmbeddingGeneration, ps.embeddingHandler(embedding))
	ps.RegisterHandler(models.JobTypeFullProcessing, ps.fullProcessingHandler(extraction, chunking, embedding))
	ps.RegisterHandler(models.JobTypeReprocessing, ps.reprocessingHandler(extraction, chunking, embedding))
}

func (ps *ProcessingService) extractionHandler(extraction *ExtractionService) StageHandler {
	return func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error) {
		ps.jobs.UpdateProgress(job.ID, 10, nil)
		text, err := extraction.ExtractText(doc)
		if err != nil {
			return nil, err
		}
		ps.jobs.UpdateProgress(job.ID, 90, nil)
		return models.JSONB{"characters": len(text)}, nil
	}
}

func (ps *ProcessingService) chunkingHandler(chunking *ChunkingService) StageHandler {
	return func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error) {
		ps.jobs.UpdateProgress(job.ID, 10, nil)
		total, err := chunking.ChunkDocument(doc, job.LastProcessedChunkIndex)
		if err != nil {
			ps.jobs.UpdateProgress(job.ID, job.Progress, map[string]interface{}{
				"last_processed_chunk_index": total,
			})
			return nil, err
		}
		ps.jobs.UpdateProgress(job.ID, 90, map[string]interface{}{
			"last_processed_chunk_index": total,
			"processed_chunks_count":     total,
		})
		return models.JSONB{"chunks": total}, nil
	}
}

func (ps *ProcessingService) embeddingHandler(embedding *EmbeddingService) StageHandler {
	return func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error) {
		if err := embedding.CheckHealth(); err != nil {
			return nil, err
		}
		count, err := ps.embedDocumentChunks(job, doc, embedding)
		if err != nil {
			return nil, err
		}
		return models.JSONB{"embeddings": count}, nil
	}
}

// embedDocumentChunks embeds every chunk that does not yet carry an
// embedding, a bounded number at a time. The checkpoint is advanced after
// each batch so a failed run resumes behind the last durable batch.
func (ps *ProcessingService) embedDocumentChunks(job models.ProcessingJob, doc *models.Document, embedding *EmbeddingService) (int, error) {
	var chunks []models.DocumentChunk
	if err := ps.db.Where("document_id = ?", doc.ID).Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return 0, fmt.Errorf("failed to load chunks for document %s: %w", doc.ID, err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("document %s has no chunks to embed", doc.ID)
	}

	var pending []models.DocumentChunk
	for _, chunk := range chunks {
		if chunk.Embedding == nil {
			pending = append(pending, chunk)
		}
	}

	processed := len(chunks) - len(pending)
	batchSize := envInt("EMBED_BATCH_SIZE", 8)

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		var g errgroup.Group
		g.SetLimit(envInt("EMBED_CONCURRENCY", 4))
		for i := range batch {
			chunk := batch[i]
			g.Go(func() error {
				vector, err := embedding.GenerateEmbedding(chunk.Content)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", chunk.ChunkIndex, err)
				}
				return ps.db.Model(&models.DocumentChunk{}).
					Where("id = ?", chunk.ID).
					Update("embedding", models.JSONB{"vector": vector}).Error
			})
		}
		if err := g.Wait(); err != nil {
			return processed, err
		}

		processed += len(batch)
		progress := 10 + int(float64(processed)/float64(len(chunks))*80)
		ps.jobs.UpdateProgress(job.ID, progress, map[string]interface{}{
			"processed_embeddings_count": processed,
		})
	}

	return processed, nil
}

// fullProcessingHandler runs extract -> chunk -> embed sequentially,
// persisting the milestone progress between stages. A failure anywhere fails
// the whole job; already-persisted stage outputs are left in place so the
// retry can resume past them.
func (ps *ProcessingService) fullProcessingHandler(extraction *ExtractionService, chunking *ChunkingService, embedding *EmbeddingService) StageHandler {
	return func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error) {
		ps.setDocumentStatus(doc.ID, models.DocumentStatusProcessing)
		ps.jobs.UpdateProgress(job.ID, 10, nil)

		if doc.ExtractedText == "" {
			if _, err := extraction.ExtractText(doc); err != nil {
				return nil, err
			}
		}
		ps.jobs.UpdateProgress(job.ID, 30, nil)

		total, err := chunking.ChunkDocument(doc, job.LastProcessedChunkIndex)
		if err != nil {
			// total is the first unwritten index; checkpoint it so the retry
			// resumes behind the chunks that did land.
			ps.jobs.UpdateProgress(job.ID, job.Progress, map[string]interface{}{
				"last_processed_chunk_index": total,
			})
			return nil, err
		}
		ps.jobs.UpdateProgress(job.ID, 60, map[string]interface{}{
			"last_processed_chunk_index": total,
			"processed_chunks_count":     total,
		})

		if err := embedding.CheckHealth(); err != nil {
			return nil, err
		}
		embedded, err := ps.embedDocumentChunks(job, doc, embedding)
		if err != nil {
			return nil, err
		}
		ps.jobs.UpdateProgress(job.ID, 90, nil)

		now := time.Now()
		if err := ps.db.Model(&models.Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"status":       models.DocumentStatusProcessed,
				"processed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return nil, fmt.Errorf("failed to mark document processed: %w", err)
		}

		return models.JSONB{"chunks": total, "embeddings": embedded}, nil
	}
}

// reprocessingHandler throws away previous chunks and runs the full pipeline
// from scratch.
func (ps *ProcessingService) reprocessingHandler(extraction *ExtractionService, chunking *ChunkingService, embedding *EmbeddingService) StageHandler {
	full := ps.fullProcessingHandler(extraction, chunking, embedding)
	return func(job models.ProcessingJob, doc *models.Document) (models.JSONB, error) {
		if job.LastProcessedChunkIndex == 0 {
			if err := chunking.DeleteChunks(doc.ID); err != nil {
				return nil, fmt.Errorf("failed to clear chunks for reprocessing: %w", err)
			}
		}
		doc.ExtractedText = ""
		return full(job, doc)
	}
}

func (ps *ProcessingService) setDocumentStatus(documentID string, status models.DocumentStatus) {
	if err := ps.db.Model(&models.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error; err != nil {
		logger.Error("Failed to update document status", map[string]interface{}{
			"documentID": documentID, "status": status, "error": err,
		})
	}
}
