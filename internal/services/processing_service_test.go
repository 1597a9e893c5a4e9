package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "service_test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Document{},
		&models.DocumentChunk{},
		&models.ProcessingJob{},
		&models.DeadLetterRecord{},
	))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, policy *RetryPolicy) *ProcessingService {
	t.Helper()

	if policy == nil {
		policy = NewRetryPolicyWithoutJitter(3, time.Millisecond, 5*time.Millisecond)
	}
	svc, err := NewProcessingService(db, repository.NewJobRepository(db), repository.NewDeadLetterRepository(db), policy)
	require.NoError(t, err)
	return svc
}

func seedDocument(t *testing.T, db *gorm.DB, content string) *models.Document {
	t.Helper()

	path := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc := models.Document{
		ID:          uuid.NewString(),
		Filename:    "upload.txt",
		ContentType: "text/plain",
		Size:        int64(len(content)),
		StoragePath: path,
		Status:      models.DocumentStatusUploaded,
		UploadedBy:  1,
	}
	require.NoError(t, db.Create(&doc).Error)
	return &doc
}

func TestNewProcessingServiceRequiresDependencies(t *testing.T) {
	db := newServiceTestDB(t)
	jobs := repository.NewJobRepository(db)
	deadLetters := repository.NewDeadLetterRepository(db)
	policy := NewRetryPolicyWithoutJitter(3, time.Millisecond, time.Millisecond)

	_, err := NewProcessingService(nil, jobs, deadLetters, policy)
	assert.Error(t, err)
	_, err = NewProcessingService(db, nil, deadLetters, policy)
	assert.Error(t, err)
	_, err = NewProcessingService(db, jobs, nil, policy)
	assert.Error(t, err)
	_, err = NewProcessingService(db, jobs, deadLetters, nil)
	assert.Error(t, err)

	_, err = NewProcessingService(db, jobs, deadLetters, policy)
	assert.NoError(t, err)
}

func TestCreateJobWithDeduplicationByFingerprint(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	details := models.JSONB{"fingerprint": "sha256:abc"}

	first, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, details)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, details)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different fingerprint for a different job type starts fresh.
	third, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeTextExtraction, models.JSONB{"fingerprint": "sha256:def"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateJobReturnsExistingActiveJob(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	first, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)
	assert.True(t, created)

	// No fingerprint, but the pending job blocks a second active one.
	second, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestProcessJobCompletesOnFirstAttempt(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		return models.JSONB{"chunks": 2}, nil
	})

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 1, final.AttemptCount)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, float64(2), final.Result["chunks"])
}

func TestProcessJobRetriesThenCompletes(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	calls := 0
	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient storage error")
		}
		return models.JSONB{"chunks": 1}, nil
	})

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.AttemptCount)
	assert.Empty(t, final.ErrorMessage)
	assert.Equal(t, 2, calls)

	var deadCount int64
	require.NoError(t, db.Model(&models.DeadLetterRecord{}).Count(&deadCount).Error)
	assert.Zero(t, deadCount)
}

func TestProcessJobExhaustionDeadLetters(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		return nil, errors.New("corrupt input")
	})

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, models.JSONB{"source": "upload"})
	require.NoError(t, err)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusDeadLetter, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, "corrupt input", final.ErrorMessage)

	var records []models.DeadLetterRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, job.ID, records[0].JobID)
	assert.Equal(t, doc.ID, records[0].DocumentID)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, "corrupt input", records[0].ErrorMessage)

	var reloaded models.Document
	require.NoError(t, db.First(&reloaded, "id = ?", doc.ID).Error)
	assert.Equal(t, models.DocumentStatusFailed, reloaded.Status)
}

func TestProcessJobSkipsNonActiveJob(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	handlerRan := false
	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		handlerRan = true
		return models.JSONB{}, nil
	})

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(job.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	svc.ProcessJob(job.ID)
	assert.False(t, handlerRan)
}

func TestProcessJobMissingDocumentDeadLettersImmediately(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)

	job := models.NewProcessingJob(uuid.NewString(), uuid.NewString(), models.JobTypeChunking, nil)
	require.NoError(t, db.Create(&job).Error)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusDeadLetter, final.Status)
	assert.Contains(t, final.ErrorMessage, "not found")

	var deadCount int64
	require.NoError(t, db.Model(&models.DeadLetterRecord{}).Count(&deadCount).Error)
	assert.EqualValues(t, 1, deadCount)
}

func TestProcessJobWithoutHandlerDeadLetters(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeEmbeddingGeneration, nil)
	require.NoError(t, err)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusDeadLetter, final.Status)
	assert.Contains(t, final.ErrorMessage, "no stage handler")
}

func TestCancelJobConflicts(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(job.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", cancelled.ErrorMessage)

	_, err = svc.CancelJob(job.ID, "again")
	assert.Error(t, err)

	_, err = svc.CancelJob(uuid.NewString(), "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestResumeJob(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	job := models.NewProcessingJob(uuid.NewString(), doc.ID, models.JobTypeChunking, nil)
	started, err := job.Start()
	require.NoError(t, err)
	failed, err := started.Fail("worker crashed")
	require.NoError(t, err)
	require.NoError(t, db.Create(&failed).Error)

	resumed, err := svc.ResumeJob(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetrying, resumed.Status)
	assert.Equal(t, 0, resumed.Progress)
	assert.Empty(t, resumed.ErrorMessage)
}

func TestResumeJobExhaustedAttempts(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	job := models.NewProcessingJob(uuid.NewString(), doc.ID, models.JobTypeChunking, nil)
	job.Status = models.JobStatusFailed
	job.AttemptCount = 3
	require.NoError(t, db.Create(&job).Error)

	_, err := svc.ResumeJob(job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestRequeuePendingJobsAtStartup(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		return models.JSONB{}, nil
	})

	// A job persisted before a shutdown whose enqueue never reached a worker.
	orphan := models.NewProcessingJob(uuid.NewString(), doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, db.Create(&orphan).Error)

	svc.Start()
	defer svc.Stop()

	count, err := svc.RequeuePendingJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Eventually(t, func() bool {
		final, err := svc.GetJob(orphan.ID)
		return err == nil && final != nil && final.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPoolProcessesQueuedJobs(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	done := make(chan string, 1)
	svc.RegisterHandler(models.JobTypeChunking, func(job models.ProcessingJob, d *models.Document) (models.JSONB, error) {
		done <- job.ID
		return models.JSONB{}, nil
	})

	svc.Start()
	defer svc.Stop()

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeChunking, nil)
	require.NoError(t, err)
	svc.Enqueue(job.ID)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the job")
	}

	// Completion is persisted after the handler returns; poll briefly.
	require.Eventually(t, func() bool {
		final, err := svc.GetJob(job.ID)
		return err == nil && final != nil && final.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
