// 文件: pkg/market/mysql_repo.go
package market

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Repository = (*MySQLRepository)(nil)

type MySQLRepository struct {
	db *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// Create 以唯一索引为非存在条件: 冲突不更新，RowsAffected=0 即已存在
func (r *MySQLRepository) Create(ctx context.Context, meta *Meta) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(meta)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSymbolExists
	}
	return nil
}

func (r *MySQLRepository) GetBySymbol(ctx context.Context, symbol, mode string) (*Meta, error) {
	var meta Meta
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND mode = ?", symbol, mode).
		First(&meta).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrSymbolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateStatus 条件状态迁移，当前状态不符则不更新
func (r *MySQLRepository) UpdateStatus(ctx context.Context, symbol, mode string, from, to Status) error {
	result := r.db.WithContext(ctx).
		Model(&Meta{}).
		Where("symbol = ? AND mode = ? AND status = ?", symbol, mode, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSymbolNotFound
	}
	return nil
}

func (r *MySQLRepository) ListByStatus(ctx context.Context, status Status) ([]*Meta, error) {
	var metas []*Meta
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Find(&metas).Error
	return metas, err
}

func (r *MySQLRepository) ListExpired(ctx context.Context, nowMs int64) ([]*Meta, error) {
	var metas []*Meta
	err := r.db.WithContext(ctx).
		Where("status = ? AND expiry_ts > 0 AND expiry_ts <= ?", StatusActive, nowMs).
		Find(&metas).Error
	return metas, err
}
