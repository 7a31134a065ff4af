package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"gorm.io/gorm"
)

const maxRunListLimit = 100

type RunRepository interface {
	Create(ctx context.Context, run *domain.DispatchRun) error
	GetByID(ctx context.Context, id string) (*domain.DispatchRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.DispatchRun, error)
}

type GormRunRepo struct {
	db *gorm.DB
}

func NewGormRunRepo(db *gorm.DB) *GormRunRepo {
	return &GormRunRepo{db: db}
}

func (r *GormRunRepo) Create(ctx context.Context, run *domain.DispatchRun) error {
	model := runModelFromDomain(run)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if run != nil {
		*run = *runModelToDomain(model)
	}
	return nil
}

func (r *GormRunRepo) GetByID(ctx context.Context, id string) (*domain.DispatchRun, error) {
	var model DispatchRunModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return runModelToDomain(&model), nil
}

func (r *GormRunRepo) ListRecent(ctx context.Context, limit int) ([]domain.DispatchRun, error) {
	if limit < 1 {
		limit = 20
	}
	limit = min(limit, maxRunListLimit)

	var models []DispatchRunModel
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	runs := make([]domain.DispatchRun, 0, len(models))
	for i := range models {
		runs = append(runs, *runModelToDomain(&models[i]))
	}
	return runs, nil
}
