package services

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// ChunkingService splits extracted text into fixed-size overlapping chunks
// and persists them. Splitting is rune-based; semantic chunking is a
// different subsystem's problem.
type ChunkingService struct {
	db        *gorm.DB
	chunkSize int
	overlap   int
}

func NewChunkingService(db *gorm.DB) *ChunkingService {
	size := envInt("CHUNK_SIZE", DefaultChunkSize)
	overlap := envInt("CHUNK_OVERLAP", DefaultChunkOverlap)
	if overlap >= size {
		overlap = size / 10
	}
	return &ChunkingService{db: db, chunkSize: size, overlap: overlap}
}

// SplitText splits text into overlapping rune windows. Whitespace-only
// windows are dropped.
func (cs *ChunkingService) SplitText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := cs.chunkSize - cs.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + cs.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChunkDocument splits the document's extracted text and persists one row per
// chunk, starting from startIndex so a retried stage skips chunks that were
// already written. Returns the total chunk count.
func (cs *ChunkingService) ChunkDocument(doc *models.Document, startIndex int) (int, error) {
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return 0, fmt.Errorf("document %s has no extracted text to chunk", doc.ID)
	}

	pieces := cs.SplitText(doc.ExtractedText)
	if startIndex > len(pieces) {
		startIndex = len(pieces)
	}

	for i := startIndex; i < len(pieces); i++ {
		chunk := models.DocumentChunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    pieces[i],
			TokenCount: utf8.RuneCountInString(pieces[i]),
		}
		// The splitter is deterministic, so a chunk left behind by an
		// interrupted run has identical content. Skipping the conflict makes
		// re-running the stage idempotent even with a stale checkpoint.
		if err := cs.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error; err != nil {
			return i, fmt.Errorf("failed to persist chunk %d of document %s: %w", i, doc.ID, err)
		}
	}

	now := time.Now()
	if err := cs.db.Model(&models.Document{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"chunk_count": len(pieces),
			"updated_at":  now,
		}).Error; err != nil {
		logger.Error("Failed to update document chunk count", map[string]interface{}{
			"documentID": doc.ID, "error": err,
		})
	}

	doc.ChunkCount = len(pieces)
	return len(pieces), nil
}

// DeleteChunks removes all chunks for a document. Used by reprocessing.
func (cs *ChunkingService) DeleteChunks(documentID string) error {
	return cs.db.Where("document_id = ?", documentID).Delete(&models.DocumentChunk{}).Error
}
