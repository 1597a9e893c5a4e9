package controllers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type DocumentController struct {
	db         *gorm.DB
	processing *services.ProcessingService
	uploadDir  string
}

func NewDocumentController(db *gorm.DB, processing *services.ProcessingService) *DocumentController {
	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "./uploads"
	}
	return &DocumentController{db: db, processing: processing, uploadDir: uploadDir}
}

// UploadDocument stores the file, records the document and kicks off the full
// processing pipeline. The upload's content hash doubles as the job
// fingerprint, so re-uploading identical content does not spawn a second job.
func (dc *DocumentController) UploadDocument(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	file, err := c.FormFile("document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	switch ext {
	case ".txt", ".md", ".log", ".json", ".csv":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only TXT, MD, LOG, JSON and CSV files are supported"})
		return
	}

	if err := os.MkdirAll(dc.uploadDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create upload directory"})
		return
	}

	docID := uuid.NewString()
	storagePath := filepath.Join(dc.uploadDir, fmt.Sprintf("%s%s", docID, ext))

	if err := c.SaveUploadedFile(file, storagePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	contentHash, err := hashFile(storagePath)
	if err != nil {
		os.Remove(storagePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash file"})
		return
	}

	var tags pq.StringArray
	if raw := c.PostForm("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	doc := models.Document{
		ID:          docID,
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		StoragePath: storagePath,
		ContentHash: contentHash,
		Status:      models.DocumentStatusUploaded,
		Tags:        tags,
		UploadedBy:  userID.(uint),
	}

	if err := dc.db.Create(&doc).Error; err != nil {
		os.Remove(storagePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save document record"})
		return
	}

	job, created, err := dc.processing.CreateJobWithDeduplication(doc.ID, models.JobTypeFullProcessing, models.JSONB{
		"fingerprint": contentHash,
		"filename":    file.Filename,
	})
	if err != nil {
		logger.Error("Failed to create processing job for upload", map[string]interface{}{
			"documentID": doc.ID, "error": err.Error(),
		})
		c.JSON(http.StatusCreated, gin.H{
			"message":  "Document uploaded, processing could not be scheduled",
			"document": doc,
		})
		return
	}
	if created {
		dc.processing.Enqueue(job.ID)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":  "Document uploaded successfully",
		"document": doc,
		"job":      job,
	})
}

// GetDocuments returns the caller's documents, newest first.
func (dc *DocumentController) GetDocuments(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	offset := (page - 1) * limit

	query := dc.db.Model(&models.Document{}).Where("uploaded_by = ?", userID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count documents"})
		return
	}

	var docs []models.Document
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&docs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"total":     total,
		"page":      page,
		"limit":     limit,
	})
}

// GetDocument returns one document by id.
func (dc *DocumentController) GetDocument(c *gin.Context) {
	var doc models.Document
	if err := dc.db.First(&doc, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetDocumentChunks returns the chunks of a processed document in order.
func (dc *DocumentController) GetDocumentChunks(c *gin.Context) {
	documentID := c.Param("id")

	var doc models.Document
	if err := dc.db.First(&doc, "id = ?", documentID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var chunks []models.DocumentChunk
	if err := dc.db.Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&chunks).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch chunks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chunks": chunks,
		"total":  doc.ChunkCount,
		"page":   page,
		"limit":  limit,
	})
}

type processRequest struct {
	JobType models.JobType `json:"jobType"`
}

// ProcessDocument schedules a processing job for an existing document. An
// empty jobType defaults to the full pipeline.
func (dc *DocumentController) ProcessDocument(c *gin.Context) {
	documentID := c.Param("id")

	var doc models.Document
	if err := dc.db.First(&doc, "id = ?", documentID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.JobType == "" {
		req.JobType = models.JobTypeFullProcessing
	}
	switch req.JobType {
	case models.JobTypeTextExtraction, models.JobTypeChunking, models.JobTypeEmbeddingGeneration,
		models.JobTypeFullProcessing, models.JobTypeReprocessing:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown job type %q", req.JobType)})
		return
	}

	details := models.JSONB{"filename": doc.Filename}
	if req.JobType != models.JobTypeReprocessing && doc.ContentHash != "" {
		details["fingerprint"] = doc.ContentHash
	}

	job, created, err := dc.processing.CreateJobWithDeduplication(doc.ID, req.JobType, details)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule processing"})
		return
	}
	if created {
		dc.processing.Enqueue(job.ID)
		c.JSON(http.StatusAccepted, gin.H{"job": job})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "An equivalent job already exists",
		"job":     job,
	})
}

// DeleteDocument removes the document, its chunks and the stored upload.
func (dc *DocumentController) DeleteDocument(c *gin.Context) {
	documentID := c.Param("id")

	var doc models.Document
	if err := dc.db.First(&doc, "id = ?", documentID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}

	if err := dc.db.Where("document_id = ?", documentID).Delete(&models.DocumentChunk{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete chunks"})
		return
	}
	if err := dc.db.Delete(&doc).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete document"})
		return
	}
	if err := os.Remove(doc.StoragePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove stored upload", map[string]interface{}{
			"documentID": documentID, "path": doc.StoragePath, "error": err.Error(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
