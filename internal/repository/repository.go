package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"edgeengine/internal/models"
)

// Repository is the journal's persistence surface.
type Repository interface {
	InsertPosition(ctx context.Context, item *models.Position) error
	ListPositions(ctx context.Context, limit int) ([]models.Position, error)
	InsertSessionCheckpoint(ctx context.Context, item *models.SessionCheckpoint) error
	LatestSessionCheckpoint(ctx context.Context) (*models.SessionCheckpoint, error)
}

type gormRepository struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InsertPosition(ctx context.Context, item *models.Position) error {
	if r == nil || r.db == nil || item == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *gormRepository) ListPositions(ctx context.Context, limit int) ([]models.Position, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var out []models.Position
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) InsertSessionCheckpoint(ctx context.Context, item *models.SessionCheckpoint) error {
	if r == nil || r.db == nil || item == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *gormRepository) LatestSessionCheckpoint(ctx context.Context) (*models.SessionCheckpoint, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	var item models.SessionCheckpoint
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
