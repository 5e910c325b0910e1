// 文件: pkg/fund/model.go
// 资金模块 - 余额与流水模型
//
// 余额唯一键 (trader_id, mode, asset):
// - Available 可用余额，恒 >= 0
// - Locked    抵押锁定 (pending)，恒 >= 0
// 每次余额变动同步落一条流水，流水以 event_id 幂等。

package fund

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Kafka Topic
// =============================================================================

const (
	TopicJournalEvents = "fund_journal_events" // 流水事件
	TopicBalanceEvents = "fund_balance_events" // 余额快照
)

// =============================================================================
// 变更类型
// =============================================================================

type ChangeType uint8

const (
	ChangeTypeLock    ChangeType = 1 // 下单锁定 (available → locked)
	ChangeTypeRelease ChangeType = 2 // 撤单释放 (locked → available)
	ChangeTypeDebit   ChangeType = 3 // 直接扣减 (下单/成交)
	ChangeTypeCredit  ChangeType = 4 // 直接入账 (撤单退回/成交收款)
	ChangeTypeSettle  ChangeType = 5 // 成交消耗锁定 (locked 扣减)
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeLock:
		return "LOCK"
	case ChangeTypeRelease:
		return "RELEASE"
	case ChangeTypeDebit:
		return "DEBIT"
	case ChangeTypeCredit:
		return "CREDIT"
	case ChangeTypeSettle:
		return "SETTLE"
	default:
		return "UNKNOWN"
	}
}

// BizType 关联业务类型
type BizType string

const (
	BizTypeOrder  BizType = "ORDER"  // 下单/撤单
	BizTypeTrade  BizType = "TRADE"  // 成交
	BizTypeExpiry BizType = "EXPIRY" // 到期交割
)

// =============================================================================
// BalanceRecord - 余额
// =============================================================================

// BalanceRecord 余额记录
type BalanceRecord struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	TraderID int64  `gorm:"column:trader_id;uniqueIndex:uk_trader_mode_asset"`
	Mode     string `gorm:"column:mode;type:varchar(16);uniqueIndex:uk_trader_mode_asset"`
	Asset    string `gorm:"column:asset;type:varchar(16);uniqueIndex:uk_trader_mode_asset"`

	Available int64 `gorm:"column:available"` // 可用，恒 >= 0
	Locked    int64 `gorm:"column:locked"`    // 抵押锁定，恒 >= 0

	Version   int       `gorm:"column:version"` // 乐观锁
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (BalanceRecord) TableName() string {
	return "balances"
}

// Total 总资产
func (b *BalanceRecord) Total() int64 {
	return b.Available + b.Locked
}

// =============================================================================
// JournalRecord - 流水
// =============================================================================

// JournalRecord 余额变动流水 (event_id 唯一，重复写入幂等跳过)
type JournalRecord struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	EventID string `gorm:"column:event_id;type:varchar(64);uniqueIndex"`

	TraderID int64  `gorm:"column:trader_id;index"`
	Mode     string `gorm:"column:mode;type:varchar(16)"`
	Asset    string `gorm:"column:asset;type:varchar(16)"`

	ChangeType ChangeType `gorm:"column:change_type"`
	Amount     int64      `gorm:"column:amount"`

	BizType BizType `gorm:"column:biz_type;type:varchar(16)"`
	BizID   string  `gorm:"column:biz_id;type:varchar(64);index"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (JournalRecord) TableName() string {
	return "journals"
}

// NewEventID 生成幂等键: {change}_{biz}_{trader}
func NewEventID(change ChangeType, bizID string, traderID int64) string {
	return fmt.Sprintf("%s_%s_%d", change, bizID, traderID)
}

// =============================================================================
// JournalEvent - Kafka 流水事件
// =============================================================================

// JournalEvent 发往 Kafka 的流水事件 (下游对账/审计消费)
type JournalEvent struct {
	EventID    string     `json:"event_id"`
	TraderID   int64      `json:"trader_id"`
	Mode       string     `json:"mode"`
	Asset      string     `json:"asset"`
	ChangeType ChangeType `json:"change_type"`
	Amount     int64      `json:"amount"`
	BizType    BizType    `json:"biz_type"`
	BizID      string     `json:"biz_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Topic 返回 Kafka topic
func (e *JournalEvent) Topic() string {
	return TopicJournalEvents
}

// Key 按 TraderID 分区保证单用户顺序
func (e *JournalEvent) Key() string {
	return fmt.Sprintf("%d", e.TraderID)
}

// Value 序列化消息体
func (e *JournalEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}
