// 文件: pkg/order/mysql_repo.go
// 订单历史仓库 (GORM 实现)

package order

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRecordNotFound = errors.New("order record not found")

// History 订单历史存取抽象 (生产实现是 Repo/MySQL)
type History interface {
	Insert(ctx context.Context, rec *OrderRecord) error
	UpdateExecution(ctx context.Context, orderID, filledQty int64, status int8) error
	GetByID(ctx context.Context, orderID int64) (*OrderRecord, error)
	ListByUser(ctx context.Context, userID int64, market string, limit int) ([]*OrderRecord, error)
}

// Repo 订单历史仓库
type Repo struct {
	db *gorm.DB
}

var _ History = (*Repo)(nil)

// NewRepo 创建仓库
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Insert 写入订单历史 (order_id 唯一，重投幂等跳过)
func (r *Repo) Insert(ctx context.Context, rec *OrderRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
}

// UpdateExecution 更新成交进度与状态
func (r *Repo) UpdateExecution(ctx context.Context, orderID, filledQty int64, status int8) error {
	return r.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"filled_qty": filledQty,
			"status":     status,
			"updated_at": time.Now().UnixMilli(),
		}).Error
}

// GetByID 按订单 ID 查询
func (r *Repo) GetByID(ctx context.Context, orderID int64) (*OrderRecord, error) {
	var rec OrderRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser 用户订单列表 (最新在前)
func (r *Repo) ListByUser(ctx context.Context, userID int64, market string, limit int) ([]*OrderRecord, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if market != "" {
		q = q.Where("market = ?", market)
	}
	var recs []*OrderRecord
	err := q.Order("order_id DESC").Limit(limit).Find(&recs).Error
	return recs, err
}
