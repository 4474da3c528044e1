package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/PowerLink/internal/app/model"
	"gorm.io/gorm"
)

var (
	// ErrLinkNotFound signals that the requested link does not exist.
	ErrLinkNotFound = errors.New("link not found")
)

// LinkStore hands out units of work over the link table.
type LinkStore interface {
	Connect(ctx context.Context) (LinkConn, error)
	List(ctx context.Context, limit, offset int) ([]model.Link, error)
}

// LinkConn is one unit of work. Every read and write made through it becomes
// visible to others on Commit. Free releases the connection and discards
// anything not committed; it is safe to call after Commit.
type LinkConn interface {
	GetByID(ctx context.Context, id uint64) (*model.Link, error)
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	Save(ctx context.Context, link *model.Link) error
	// ClaimOpen increments opens only if the stored row still has the opens value
	// carried by link and is open. It reports whether the claim won.
	ClaimOpen(ctx context.Context, link *model.Link) (bool, error)
	Commit() error
	Free()
}

type linkStore struct {
	db *gorm.DB
}

// NewLinkStore returns a GORM-backed LinkStore.
func NewLinkStore(db *gorm.DB) LinkStore {
	return &linkStore{db: db}
}

func (s *linkStore) Connect(ctx context.Context) (LinkConn, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &linkConn{tx: tx}, nil
}

func (s *linkStore) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var result []model.Link
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

type linkConn struct {
	tx   *gorm.DB
	done bool
}

func (c *linkConn) GetByID(ctx context.Context, id uint64) (*model.Link, error) {
	var link model.Link
	if err := c.tx.WithContext(ctx).Where("id = ?", id).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (c *linkConn) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	var link model.Link
	if err := c.tx.WithContext(ctx).Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (c *linkConn) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := c.tx.WithContext(ctx).Model(&model.Link{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *linkConn) Save(ctx context.Context, link *model.Link) error {
	if link.ID == 0 {
		return c.tx.WithContext(ctx).Create(link).Error
	}
	return c.tx.WithContext(ctx).Save(link).Error
}

func (c *linkConn) ClaimOpen(ctx context.Context, link *model.Link) (bool, error) {
	result := c.tx.WithContext(ctx).
		Model(&model.Link{}).
		Where("id = ? AND opens = ? AND closed = ? AND expires > ?", link.ID, link.Opens, false, time.Now()).
		Updates(map[string]interface{}{
			"opens":      gorm.Expr("opens + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	link.Opens++
	return true, nil
}

func (c *linkConn) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.tx.Commit().Error
}

func (c *linkConn) Free() {
	if c.done {
		return
	}
	c.done = true
	c.tx.Rollback()
}
