// 文件: pkg/market/model.go
// 市场元数据 (MarketMeta)
//
// 现货市场静态配置; 衍生品 instrument 由首个卖单惰性创建。
// 除 Status 外创建后不可变。

package market

import (
	"dex.com/pkg/match"
)

// =============================================================================
// 市场状态
// =============================================================================

type Status int8

const (
	StatusActive  Status = iota // 交易中
	StatusPaused                // 暂停 (运维)
	StatusExpired               // 已到期 (衍生品终态)
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusPaused:
		return "PAUSED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// Meta - 市场元数据
// =============================================================================

// Meta 一个可交易市场的规格
// 唯一键 (symbol, mode); mode 区分主网/测试环境
type Meta struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	Symbol string `gorm:"column:symbol;type:varchar(64);uniqueIndex:uk_symbol_mode"`
	Mode   string `gorm:"column:mode;type:varchar(16);uniqueIndex:uk_symbol_mode"`

	Type       match.Product `gorm:"column:type;type:varchar(16)"` // SPOT/PERP/FUTURE/OPTION
	BaseAsset  string        `gorm:"column:base_asset;type:varchar(16)"`
	QuoteAsset string        `gorm:"column:quote_asset;type:varchar(16)"`

	// 定点参数 (1e8 精度)
	TickSize int64 `gorm:"column:tick_size"`
	LotSize  int64 `gorm:"column:lot_size"`

	Status Status `gorm:"column:status;index"`

	// ===== 衍生品参数 =====
	ExpiryTs   int64            `gorm:"column:expiry_ts;index"` // Unix 毫秒，0 = 无到期
	Strike     int64            `gorm:"column:strike"`          // 行权价 (仅期权)
	OptionKind match.OptionKind `gorm:"column:option_kind;type:varchar(4)"`
	Underlying string           `gorm:"column:underlying;type:varchar(32)"` // 标的现货对

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Meta) TableName() string {
	return "market_metas"
}

// IsDerivative 是否衍生品市场
func (m *Meta) IsDerivative() bool {
	return m.Type != match.ProductSpot
}

// IsExpired 是否已过到期时间
func (m *Meta) IsExpired(nowMs int64) bool {
	return m.ExpiryTs > 0 && nowMs >= m.ExpiryTs
}

// Tradable 是否可接收新订单
func (m *Meta) Tradable(nowMs int64) bool {
	return m.Status == StatusActive && !m.IsExpired(nowMs)
}
