package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/docpipe/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextNormalizesAndPersists(t *testing.T) {
	db := newServiceTestDB(t)
	es := NewExtractionService(db)
	doc := seedDocument(t, db, "line one\r\nline two\x00 end")

	text, err := es.ExtractText(doc)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two end", text)
	assert.Equal(t, text, doc.ExtractedText)

	var reloaded models.Document
	require.NoError(t, db.First(&reloaded, "id = ?", doc.ID).Error)
	assert.Equal(t, text, reloaded.ExtractedText)
}

func TestExtractTextRejectsEmptyContent(t *testing.T) {
	db := newServiceTestDB(t)
	es := NewExtractionService(db)
	doc := seedDocument(t, db, "   \n\t  ")

	_, err := es.ExtractText(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no extractable text")
}

func TestExtractTextMissingFile(t *testing.T) {
	db := newServiceTestDB(t)
	es := NewExtractionService(db)
	doc := seedDocument(t, db, "content")

	require.NoError(t, os.Remove(doc.StoragePath))
	doc.StoragePath = filepath.Join(t.TempDir(), "gone.txt")

	_, err := es.ExtractText(doc)
	assert.Error(t, err)
}
