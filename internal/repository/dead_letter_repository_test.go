package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/docpipe/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterRepository_SaveAssignsID(t *testing.T) {
	repo := NewDeadLetterRepository(newTestDB(t))

	saved, err := repo.Save(models.DeadLetterRecord{
		JobID:        "job-1",
		DocumentID:   "doc-1",
		JobType:      models.JobTypeTextExtraction,
		Payload:      models.JSONB{"fingerprint": "h1"},
		ErrorMessage: "boom",
		Attempts:     3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDeadLetterRepository_DuplicateJobIDRejected(t *testing.T) {
	repo := NewDeadLetterRepository(newTestDB(t))

	record := models.DeadLetterRecord{
		JobID:      "job-1",
		DocumentID: "doc-1",
		JobType:    models.JobTypeChunking,
		Attempts:   3,
	}
	_, err := repo.Save(record)
	require.NoError(t, err)

	// Calling Save twice for the same job is a caller bug and must surface.
	_, err = repo.Save(record)
	require.Error(t, err)
}

func TestDeadLetterRepository_FindAllPaginates(t *testing.T) {
	repo := NewDeadLetterRepository(newTestDB(t))

	for i := 0; i < 5; i++ {
		_, err := repo.Save(models.DeadLetterRecord{
			JobID:      fmt.Sprintf("job-%d", i),
			DocumentID: "doc-1",
			JobType:    models.JobTypeEmbeddingGeneration,
			Attempts:   3,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page1, total, err := repo.FindAll(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page1, 2)

	page3, total, err := repo.FindAll(3, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page3, 1)

	// Newest first.
	assert.Equal(t, "job-4", page1[0].JobID)
	assert.Equal(t, "job-0", page3[0].JobID)
}

func TestDeadLetterRepository_FindAllDefaultsBadPagination(t *testing.T) {
	repo := NewDeadLetterRepository(newTestDB(t))

	_, err := repo.Save(models.DeadLetterRecord{JobID: "job-1", DocumentID: "doc-1", JobType: models.JobTypeChunking, Attempts: 1})
	require.NoError(t, err)

	records, total, err := repo.FindAll(0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, records, 1)
}

func TestDeadLetterRepository_Clear(t *testing.T) {
	repo := NewDeadLetterRepository(newTestDB(t))

	_, err := repo.Save(models.DeadLetterRecord{JobID: "job-1", DocumentID: "doc-1", JobType: models.JobTypeChunking, Attempts: 1})
	require.NoError(t, err)

	require.NoError(t, repo.Clear())

	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
