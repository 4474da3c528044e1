package repository

import (
	"context"

	"github.com/sifan077/PowerLink/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LinkEventRepository defines the data access contract for link audit events.
type LinkEventRepository interface {
	Create(ctx context.Context, event *model.LinkEvent) error
	ListByLink(ctx context.Context, linkID uint64, limit int) ([]model.LinkEvent, error)
}

type linkEventRepository struct {
	db *gorm.DB
}

// NewLinkEventRepository returns a GORM-backed LinkEventRepository.
func NewLinkEventRepository(db *gorm.DB) LinkEventRepository {
	return &linkEventRepository{db: db}
}

// Create is idempotent on the event id so redelivered stream messages are harmless.
func (r *linkEventRepository) Create(ctx context.Context, event *model.LinkEvent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event).Error
}

func (r *linkEventRepository) ListByLink(ctx context.Context, linkID uint64, limit int) ([]model.LinkEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var result []model.LinkEvent
	if err := r.db.WithContext(ctx).
		Where("link_id = ?", linkID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
