package controllers

import (
	"errors"
	"net/http"

	"github.com/docpipe/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type JobController struct {
	processing *services.ProcessingService
}

func NewJobController(processing *services.ProcessingService) *JobController {
	return &JobController{processing: processing}
}

// GetJob returns the current snapshot of a processing job.
func (jc *JobController) GetJob(c *gin.Context) {
	job, err := jc.processing.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJobsByDocument returns every job recorded for a document, newest first.
func (jc *JobController) GetJobsByDocument(c *gin.Context) {
	jobs, err := jc.processing.GetJobsByDocument(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelJob cancels a job that has not yet reached a terminal state.
func (jc *JobController) CancelJob(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	job, err := jc.processing.CancelJob(c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, services.ErrJobConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Job was transitioned concurrently", "job": job})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled", "job": job})
}

// RetryJob resumes a FAILED job that still has attempts left.
func (jc *JobController) RetryJob(c *gin.Context) {
	job, err := jc.processing.ResumeJob(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, services.ErrJobConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Job was transitioned concurrently"})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Job queued for retry", "job": job})
}
