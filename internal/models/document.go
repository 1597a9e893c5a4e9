package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusProcessed  DocumentStatus = "processed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

type Document struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	Filename      string         `json:"filename" gorm:"not null"`
	ContentType   string         `json:"contentType"`
	Size          int64          `json:"size"`
	StoragePath   string         `json:"-" gorm:"not null"`
	ContentHash   string         `json:"contentHash" gorm:"index"`
	Status        DocumentStatus `json:"status" gorm:"default:'uploaded'"`
	ExtractedText string         `json:"-" gorm:"type:text"`
	ChunkCount    int            `json:"chunkCount" gorm:"default:0"`
	Tags          pq.StringArray `json:"tags" gorm:"type:text[]"`
	UploadedBy    uint           `json:"uploadedBy" gorm:"not null;index"`
	Uploader      *User          `json:"uploader,omitempty" gorm:"foreignKey:UploadedBy"`
	ProcessedAt   *time.Time     `json:"processedAt"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

type DocumentChunk struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	DocumentID string    `json:"documentId" gorm:"not null;index:idx_chunks_document_index,unique"`
	ChunkIndex int       `json:"chunkIndex" gorm:"not null;index:idx_chunks_document_index,unique"`
	Content    string    `json:"content" gorm:"type:text"`
	TokenCount int       `json:"tokenCount" gorm:"default:0"`
	Embedding  JSONB     `json:"embedding,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Document) TableName() string {
	return "documents"
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
