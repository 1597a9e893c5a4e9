package controllers

import (
	"net/http"
	"strconv"

	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/repository"
	"github.com/gin-gonic/gin"
)

// DeadLetterController exposes the dead-letter queue to operators. Records
// are the audit trail for jobs that exhausted their retries, so listing and
// counting are read-only and clearing requires the ADMIN role.
type DeadLetterController struct {
	deadLetters repository.DeadLetterRepository
}

func NewDeadLetterController(deadLetters repository.DeadLetterRepository) *DeadLetterController {
	return &DeadLetterController{deadLetters: deadLetters}
}

// GetDeadLetters lists dead-letter records, newest first.
func (dlc *DeadLetterController) GetDeadLetters(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	records, total, err := dlc.deadLetters.FindAll(page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch dead-letter records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// GetDeadLetterCount returns the queue depth, for dashboards and alerting.
func (dlc *DeadLetterController) GetDeadLetterCount(c *gin.Context) {
	count, err := dlc.deadLetters.Count()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count dead-letter records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ClearDeadLetters empties the queue. ADMIN only.
func (dlc *DeadLetterController) ClearDeadLetters(c *gin.Context) {
	role, _ := c.Get("userRole")
	if role != "ADMIN" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}

	if err := dlc.deadLetters.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear dead-letter records"})
		return
	}

	userID, _ := c.Get("userID")
	logger.Warn("Dead-letter queue cleared", map[string]interface{}{"clearedBy": userID})

	c.JSON(http.StatusOK, gin.H{"message": "Dead-letter queue cleared"})
}
