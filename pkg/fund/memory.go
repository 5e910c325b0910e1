// 文件: pkg/fund/memory.go
// 内存版余额账本
//
// 单机演示与测试用，语义与 BalanceRepo 一致:
// 条件不满足返回同样的错误，永不出现负余额。

package fund

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger 内存账本
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*BalanceRecord
	journals map[string]*JournalRecord
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*BalanceRecord),
		journals: make(map[string]*JournalRecord),
	}
}

func acctKey(traderID int64, mode, asset string) string {
	return fmt.Sprintf("%s/%s/%d", mode, asset, traderID)
}

func (l *MemoryLedger) account(traderID int64, mode, asset string) *BalanceRecord {
	key := acctKey(traderID, mode, asset)
	rec, ok := l.accounts[key]
	if !ok {
		rec = &BalanceRecord{TraderID: traderID, Mode: mode, Asset: asset}
		l.accounts[key] = rec
	}
	return rec
}

// Get 查询余额 (副本)
func (l *MemoryLedger) Get(_ context.Context, traderID int64, mode, asset string) (*BalanceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *l.account(traderID, mode, asset)
	return &cp, nil
}

// Credit 入账可用余额
func (l *MemoryLedger) Credit(_ context.Context, traderID int64, mode, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.account(traderID, mode, asset)
	rec.Available += amount
	rec.Version++
	rec.UpdatedAt = time.Now()
	return nil
}

// Debit 条件扣减可用余额
func (l *MemoryLedger) Debit(_ context.Context, traderID int64, mode, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.account(traderID, mode, asset)
	if rec.Available < amount {
		return ErrInsufficientBalance
	}
	rec.Available -= amount
	rec.Version++
	return nil
}

// Freeze 抵押锁定
func (l *MemoryLedger) Freeze(_ context.Context, traderID int64, mode, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.account(traderID, mode, asset)
	if rec.Available < amount {
		return ErrInsufficientBalance
	}
	rec.Available -= amount
	rec.Locked += amount
	rec.Version++
	return nil
}

// Unfreeze 释放锁定
func (l *MemoryLedger) Unfreeze(_ context.Context, traderID int64, mode, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.account(traderID, mode, asset)
	if rec.Locked < amount {
		return ErrInsufficientLocked
	}
	rec.Locked -= amount
	rec.Available += amount
	rec.Version++
	return nil
}

// DeductLocked 消耗锁定额
func (l *MemoryLedger) DeductLocked(_ context.Context, traderID int64, mode, asset string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.account(traderID, mode, asset)
	if rec.Locked < amount {
		return ErrInsufficientLocked
	}
	rec.Locked -= amount
	rec.Version++
	return nil
}

// Journal 记流水 (event_id 幂等)
func (l *MemoryLedger) Journal(_ context.Context, traderID int64, mode, asset string, change ChangeType, amount int64, bizType BizType, bizID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := NewEventID(change, bizID, traderID)
	if _, ok := l.journals[id]; ok {
		return nil
	}
	l.journals[id] = &JournalRecord{
		EventID: id, TraderID: traderID, Mode: mode, Asset: asset,
		ChangeType: change, Amount: amount, BizType: bizType, BizID: bizID,
		CreatedAt: time.Now(),
	}
	return nil
}

// JournalCount 流水条数 (测试断言用)
func (l *MemoryLedger) JournalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.journals)
}
