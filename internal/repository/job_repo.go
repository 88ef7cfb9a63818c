package repository

import (
	"context"

	"github.com/timmy/photoloom/internal/domain"
	"gorm.io/gorm"
)

// JobRepository persists finished job summaries.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Save inserts or updates a job record.
func (r *JobRepository) Save(ctx context.Context, job *domain.JobRecord) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// GetByID retrieves a job record by ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	var job domain.JobRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRecent returns the most recently created job records.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	var jobs []domain.JobRecord
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
