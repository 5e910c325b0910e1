// 文件: pkg/fund/balance_repo.go
// 资金模块 - 余额仓库 (GORM 实现)
//
// 【原子性】
// 所有扣减/锁定操作都是带余额条件的单条 UPDATE:
//   WHERE ... AND available >= ?   (或 locked >= ?)
// 条件不满足时 RowsAffected = 0，映射为资金不足错误。
// 数据库行级原子性保证 available/locked 永不为负，无需应用层加锁。

package fund

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrInsufficientBalance 可用余额不足 — 普通用户侧拒绝，不是系统故障
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrInsufficientLocked 锁定余额不足 — 释放额大于锁定额，说明记账已漂移，
	// 属于严重不一致，调用方必须按 CRITICAL 记录并隔离该事件
	ErrInsufficientLocked = errors.New("insufficient locked balance")
)

// =============================================================================
// Ledger 接口
// =============================================================================

// Ledger 余额操作抽象
// 生产实现是 BalanceRepo (MySQL)，测试可用内存实现替换
type Ledger interface {
	Get(ctx context.Context, traderID int64, mode, asset string) (*BalanceRecord, error)
	Credit(ctx context.Context, traderID int64, mode, asset string, amount int64) error
	Debit(ctx context.Context, traderID int64, mode, asset string, amount int64) error
	Freeze(ctx context.Context, traderID int64, mode, asset string, amount int64) error
	Unfreeze(ctx context.Context, traderID int64, mode, asset string, amount int64) error
	DeductLocked(ctx context.Context, traderID int64, mode, asset string, amount int64) error
	Journal(ctx context.Context, traderID int64, mode, asset string, change ChangeType, amount int64, bizType BizType, bizID string) error
}

// =============================================================================
// BalanceRepo
// =============================================================================

// BalanceRepo 余额仓库
type BalanceRepo struct {
	db *gorm.DB
}

var _ Ledger = (*BalanceRepo)(nil)

// NewBalanceRepo 创建余额仓库
func NewBalanceRepo(db *gorm.DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// Get 查询余额 (不存在返回零值记录)
func (r *BalanceRepo) Get(ctx context.Context, traderID int64, mode, asset string) (*BalanceRecord, error) {
	var record BalanceRecord
	err := r.db.WithContext(ctx).
		Where("trader_id = ? AND mode = ? AND asset = ?", traderID, mode, asset).
		First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return &BalanceRecord{TraderID: traderID, Mode: mode, Asset: asset}, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// =============================================================================
// 余额操作
// =============================================================================

// Credit 入账可用余额 (记录不存在则创建)
func (r *BalanceRepo) Credit(ctx context.Context, traderID int64, mode, asset string, amount int64) error {
	record := &BalanceRecord{
		TraderID:  traderID,
		Mode:      mode,
		Asset:     asset,
		Available: amount,
		UpdatedAt: time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "trader_id"}, {Name: "mode"}, {Name: "asset"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"available":  gorm.Expr("available + ?", amount),
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}),
		}).
		Create(record).Error
}

// Debit 直接扣减可用余额，条件 available >= amount
// 条件不满足 = 资金不足，用户侧拒绝
func (r *BalanceRepo) Debit(ctx context.Context, traderID int64, mode, asset string, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("trader_id = ? AND mode = ? AND asset = ? AND available >= ?", traderID, mode, asset, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Freeze 抵押锁定: available → locked，条件 available >= amount
func (r *BalanceRepo) Freeze(ctx context.Context, traderID int64, mode, asset string, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("trader_id = ? AND mode = ? AND asset = ? AND available >= ?", traderID, mode, asset, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", amount),
			"locked":     gorm.Expr("locked + ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Unfreeze 释放锁定: locked → available，条件 locked >= amount
// 条件不满足返回 ErrInsufficientLocked (记账漂移信号，调用方必须告警)
func (r *BalanceRepo) Unfreeze(ctx context.Context, traderID int64, mode, asset string, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("trader_id = ? AND mode = ? AND asset = ? AND locked >= ?", traderID, mode, asset, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", amount),
			"locked":     gorm.Expr("locked - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

// DeductLocked 成交消耗锁定额，条件 locked >= amount
func (r *BalanceRepo) DeductLocked(ctx context.Context, traderID int64, mode, asset string, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("trader_id = ? AND mode = ? AND asset = ? AND locked >= ?", traderID, mode, asset, amount).
		Updates(map[string]interface{}{
			"locked":     gorm.Expr("locked - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

// =============================================================================
// 流水操作
// =============================================================================

// InsertJournal 插入流水 (event_id 唯一，重复写入幂等跳过)
func (r *BalanceRepo) InsertJournal(ctx context.Context, record *JournalRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
}

// Journal 便捷方法: 构造并插入一条流水
func (r *BalanceRepo) Journal(ctx context.Context, traderID int64, mode, asset string, change ChangeType, amount int64, bizType BizType, bizID string) error {
	return r.InsertJournal(ctx, &JournalRecord{
		EventID:    NewEventID(change, bizID, traderID),
		TraderID:   traderID,
		Mode:       mode,
		Asset:      asset,
		ChangeType: change,
		Amount:     amount,
		BizType:    bizType,
		BizID:      bizID,
		CreatedAt:  time.Now(),
	})
}
