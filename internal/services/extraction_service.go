package services

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docpipe/backend/internal/models"
	"gorm.io/gorm"
)

// ExtractionService pulls plain text out of an uploaded document. Only the
// plain-text family is handled here; richer formats would plug in behind the
// same stage handler.
type ExtractionService struct {
	db *gorm.DB
}

func NewExtractionService(db *gorm.DB) *ExtractionService {
	return &ExtractionService{db: db}
}

// ExtractText reads the stored upload, normalizes it to clean UTF-8 text and
// persists it on the document.
func (es *ExtractionService) ExtractText(doc *models.Document) (string, error) {
	raw, err := os.ReadFile(doc.StoragePath)
	if err != nil {
		return "", fmt.Errorf("failed to read stored document %s: %w", doc.ID, err)
	}

	text := normalizeText(raw)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("document %s contains no extractable text", doc.ID)
	}

	now := time.Now()
	res := es.db.Model(&models.Document{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"extracted_text": text,
			"updated_at":     now,
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to persist extracted text for %s: %w", doc.ID, res.Error)
	}

	doc.ExtractedText = text
	return text, nil
}

// normalizeText strips NUL bytes, repairs invalid UTF-8 and folds Windows
// line endings.
func normalizeText(raw []byte) string {
	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return text
}
