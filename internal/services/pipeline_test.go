package services

import (
	"strings"
	"testing"
	"time"

	"github.com/docpipe/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Full pipeline: extraction, chunking and embedding wired through the default
// stage handlers, backed by a fake embeddings API.
func TestFullProcessingPipeline(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)

	server := newEmbeddingTestServer(t, []float32{0.5, 0.5})
	extraction := NewExtractionService(db)
	chunking := &ChunkingService{db: db, chunkSize: 20, overlap: 0}
	embedding := NewEmbeddingService(server.URL, "test-model")
	svc.DefaultStageHandlers(extraction, chunking, embedding)

	content := strings.Repeat("the quick brown fox ", 5)
	doc := seedDocument(t, db, content)

	job, created, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeFullProcessing, models.JSONB{"fingerprint": "sha256:full"})
	require.NoError(t, err)
	require.True(t, created)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	var reloaded models.Document
	require.NoError(t, db.First(&reloaded, "id = ?", doc.ID).Error)
	assert.Equal(t, models.DocumentStatusProcessed, reloaded.Status)
	assert.NotNil(t, reloaded.ProcessedAt)
	assert.Equal(t, 5, reloaded.ChunkCount)
	assert.NotEmpty(t, reloaded.ExtractedText)

	var chunks []models.DocumentChunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Order("chunk_index ASC").Find(&chunks).Error)
	require.Len(t, chunks, 5)
	for _, chunk := range chunks {
		require.NotNil(t, chunk.Embedding, "chunk %d missing embedding", chunk.ChunkIndex)
		assert.Contains(t, chunk.Embedding, "vector")
	}
}

// A chunking stage interrupted after writing some rows must not wedge the
// job: the retry replays the range and the already-persisted chunks are
// skipped.
func TestFullProcessingResumesAfterPartialChunkWrite(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)

	server := newEmbeddingTestServer(t, []float32{0.7})
	extraction := NewExtractionService(db)
	chunking := &ChunkingService{db: db, chunkSize: 20, overlap: 0}
	embedding := NewEmbeddingService(server.URL, "test-model")
	svc.DefaultStageHandlers(extraction, chunking, embedding)

	content := strings.Repeat("the quick brown fox ", 5)
	doc := seedDocument(t, db, content)

	// Leftover from an interrupted earlier run that never advanced the
	// checkpoint past index 0.
	leftover := models.DocumentChunk{
		ID:         "leftover-chunk",
		DocumentID: doc.ID,
		ChunkIndex: 0,
		Content:    content[:20],
		TokenCount: 20,
	}
	require.NoError(t, db.Create(&leftover).Error)

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeFullProcessing, nil)
	require.NoError(t, err)

	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 1, final.AttemptCount)

	var chunks []models.DocumentChunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Order("chunk_index ASC").Find(&chunks).Error)
	require.Len(t, chunks, 5)
	assert.Equal(t, "leftover-chunk", chunks[0].ID)
	for _, chunk := range chunks {
		assert.NotNil(t, chunk.Embedding)
	}
}

func TestReprocessingReplacesChunks(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)

	server := newEmbeddingTestServer(t, []float32{1})
	extraction := NewExtractionService(db)
	chunking := &ChunkingService{db: db, chunkSize: 20, overlap: 0}
	embedding := NewEmbeddingService(server.URL, "test-model")
	svc.DefaultStageHandlers(extraction, chunking, embedding)

	doc := seedDocument(t, db, strings.Repeat("first version text ", 4))

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeFullProcessing, nil)
	require.NoError(t, err)
	svc.ProcessJob(job.ID)

	var before []models.DocumentChunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Find(&before).Error)
	require.NotEmpty(t, before)

	reprocess, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeReprocessing, nil)
	require.NoError(t, err)
	svc.ProcessJob(reprocess.ID)

	final, err := svc.GetJob(reprocess.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)

	var after []models.DocumentChunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Find(&after).Error)
	require.Len(t, after, len(before))
	for _, chunk := range after {
		assert.NotNil(t, chunk.Embedding)
	}
	for i := range after {
		for j := range before {
			assert.NotEqual(t, before[j].ID, after[i].ID, "reprocessing must rewrite chunk rows")
		}
	}
}

func TestEmbeddingStageResumesFromCheckpoint(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)

	server := newEmbeddingTestServer(t, []float32{0.9})
	embedding := NewEmbeddingService(server.URL, "test-model")
	chunking := &ChunkingService{db: db, chunkSize: 10, overlap: 0}
	extraction := NewExtractionService(db)
	svc.DefaultStageHandlers(extraction, chunking, embedding)

	doc := seedDocument(t, db, "irrelevant")
	doc.ExtractedText = strings.Repeat("aaaaaaaaaa", 4)
	_, err := chunking.ChunkDocument(doc, 0)
	require.NoError(t, err)

	// Two chunks already carry embeddings from an earlier, interrupted run.
	var chunks []models.DocumentChunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Order("chunk_index ASC").Find(&chunks).Error)
	require.Len(t, chunks, 4)
	for _, chunk := range chunks[:2] {
		require.NoError(t, db.Model(&models.DocumentChunk{}).
			Where("id = ?", chunk.ID).
			Update("embedding", models.JSONB{"vector": []float32{0.1}}).Error)
	}

	job, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeEmbeddingGeneration, nil)
	require.NoError(t, err)
	svc.ProcessJob(job.ID)

	final, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, float64(4), final.Result["embeddings"])
	assert.Equal(t, 4, final.ProcessedEmbeddingsCount)

	// The pre-embedded chunks were not overwritten.
	var first models.DocumentChunk
	require.NoError(t, db.First(&first, "id = ?", chunks[0].ID).Error)
	vec, ok := first.Embedding["vector"].([]interface{})
	require.True(t, ok)
	require.Len(t, vec, 1)
	assert.InDelta(t, 0.1, vec[0].(float64), 1e-6)
}

func TestReaperStaleAfterFromEnv(t *testing.T) {
	t.Setenv("JOB_STALE_AFTER", "45m")
	reaper := NewStaleJobReaper(nil)
	assert.Equal(t, 45*time.Minute, reaper.staleAfter)

	t.Setenv("JOB_STALE_AFTER", "not-a-duration")
	reaper = NewStaleJobReaper(nil)
	assert.Equal(t, DefaultStaleAfter, reaper.staleAfter)
}

func TestReaperSweepFailsStaleJobs(t *testing.T) {
	db := newServiceTestDB(t)
	svc := newTestService(t, db, nil)
	doc := seedDocument(t, db, "hello")

	stale := models.NewProcessingJob("stale-job", doc.ID, models.JobTypeChunking, nil)
	started, err := stale.Start()
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	started.StartedAt = &old
	require.NoError(t, db.Create(&started).Error)

	fresh, _, err := svc.CreateJobWithDeduplication(doc.ID, models.JobTypeTextExtraction, nil)
	require.NoError(t, err)

	reaper := NewStaleJobReaper(svc.jobs)
	reaped := reaper.Sweep(time.Now())
	assert.EqualValues(t, 1, reaped)

	reapedJob, err := svc.GetJob("stale-job")
	require.NoError(t, err)
	require.NotNil(t, reapedJob)
	assert.Equal(t, models.JobStatusFailed, reapedJob.Status)
	assert.Equal(t, "timeout", reapedJob.ErrorMessage)

	untouched, err := svc.GetJob(fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, untouched)
	assert.Equal(t, models.JobStatusPending, untouched.Status)

	// A reaped job is eligible for manual resume.
	resumed, err := svc.ResumeJob("stale-job")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetrying, resumed.Status)
}
