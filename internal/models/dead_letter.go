package models

import (
	"time"
)

// DeadLetterRecord is the durable trace of a job that exhausted its retries.
// Written exactly once per dead-lettered job and never mutated afterward.
type DeadLetterRecord struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	JobID        string    `json:"jobId" gorm:"not null;uniqueIndex"`
	DocumentID   string    `json:"documentId" gorm:"not null;index"`
	JobType      JobType   `json:"jobType" gorm:"not null"`
	Payload      JSONB     `json:"payload" gorm:"type:jsonb"`
	ErrorMessage string    `json:"errorMessage" gorm:"type:text"`
	Attempts     int       `json:"attempts" gorm:"not null"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (DeadLetterRecord) TableName() string {
	return "dead_letter_records"
}
