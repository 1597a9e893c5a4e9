package repository

import (
	"fmt"

	"github.com/docpipe/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeadLetterRepository is the append-only sink for permanently failed jobs.
// Save must be called exactly once per exhausted job; the unique index on
// job_id turns a duplicate save into an error instead of silently
// deduplicating a caller bug. There is no update path, only the bulk Clear
// used for ops/test reset.
type DeadLetterRepository interface {
	Save(record models.DeadLetterRecord) (models.DeadLetterRecord, error)
	FindAll(page, limit int) ([]models.DeadLetterRecord, int64, error)
	Count() (int64, error)
	Clear() error
}

type gormDeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) DeadLetterRepository {
	return &gormDeadLetterRepository{db: db}
}

func (r *gormDeadLetterRepository) Save(record models.DeadLetterRecord) (models.DeadLetterRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := r.db.Create(&record).Error; err != nil {
		return record, fmt.Errorf("failed to save dead-letter record for job %s: %w", record.JobID, err)
	}
	return record, nil
}

func (r *gormDeadLetterRepository) FindAll(page, limit int) ([]models.DeadLetterRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	var total int64
	if err := r.db.Model(&models.DeadLetterRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []models.DeadLetterRecord
	offset := (page - 1) * limit
	if err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *gormDeadLetterRepository) Count() (int64, error) {
	var total int64
	if err := r.db.Model(&models.DeadLetterRecord{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *gormDeadLetterRepository) Clear() error {
	return r.db.Where("1 = 1").Delete(&models.DeadLetterRecord{}).Error
}
