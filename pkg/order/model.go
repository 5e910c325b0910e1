// 文件: pkg/order/model.go
// 订单服务 - 历史记录与入口消息
//
// 撮合核心里的订单只活在 KV 簿中; 这里的 OrderRecord 是 MySQL 侧的
// 全量订单历史，带抵押快照 (资产/金额/是否锁定/参考价)，
// 撤单释放用快照参数重算，和锁定路径精确对账。

package order

import (
	"encoding/json"
	"fmt"

	"dex.com/pkg/kafka"
	"dex.com/pkg/match"
)

// TopicOrderRequests 订单入口 topic，按 market 分区保证同市场顺序
const TopicOrderRequests = "order_requests"

// =============================================================================
// OrderRecord - 订单历史 (MySQL)
// =============================================================================

// OrderRecord 订单历史记录
type OrderRecord struct {
	ID      uint  `gorm:"primaryKey;autoIncrement"`
	OrderID int64 `gorm:"column:order_id;uniqueIndex"`

	UserID int64  `gorm:"column:user_id;index:idx_user_market"`
	Market string `gorm:"column:market;type:varchar(64);index:idx_user_market"`
	Mode   string `gorm:"column:mode;type:varchar(16)"`

	Product    string `gorm:"column:product;type:varchar(16)"`
	Side       int8   `gorm:"column:side"`
	Type       int8   `gorm:"column:type"`
	Price      int64  `gorm:"column:price"`
	Qty        int64  `gorm:"column:qty"`
	FilledQty  int64  `gorm:"column:filled_qty"`
	Status     int8   `gorm:"column:status;index"`
	FeeRateBps int64  `gorm:"column:fee_rate_bps"`

	// 抵押快照: 下单时锁了什么、锁了多少、用的什么参考价
	LockAsset   string `gorm:"column:lock_asset;type:varchar(16)"`
	LockAmount  int64  `gorm:"column:lock_amount"`
	LockPending bool   `gorm:"column:lock_pending"`
	RefPrice    int64  `gorm:"column:ref_price"` // 市价单下单时的指数价，限价单为 0

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (OrderRecord) TableName() string {
	return "orders"
}

// toOrder 从历史快照还原撮合订单 (撤单补偿路径用)
// 期权参数不在快照里，调用方需从市场元数据补齐
func (r *OrderRecord) toOrder() *match.Order {
	return &match.Order{
		OrderID:    r.OrderID,
		UserID:     r.UserID,
		Market:     r.Market,
		Product:    match.Product(r.Product),
		Side:       match.Side(r.Side),
		Type:       match.OrderType(r.Type),
		Price:      r.Price,
		Qty:        r.Qty,
		FilledQty:  r.FilledQty,
		Status:     match.OrderStatus(r.Status),
		FeeRateBps: r.FeeRateBps,
	}
}

// =============================================================================
// Request - Kafka 入口消息
// =============================================================================

// Action 入口动作
type Action string

const (
	ActionSubmit Action = "SUBMIT"
	ActionCancel Action = "CANCEL"
)

// Request 订单入口消息
// 同一 market 的 SUBMIT 与 CANCEL 共用分区 key，消费顺序即全序
type Request struct {
	Action Action `json:"action"`

	// SUBMIT 字段
	UserID     int64            `json:"user_id,omitempty"`
	Market     string           `json:"market"`
	Product    match.Product    `json:"product,omitempty"`
	Side       match.Side       `json:"side,omitempty"`
	Type       match.OrderType  `json:"type,omitempty"`
	Price      int64            `json:"price,omitempty"`
	Qty        int64            `json:"qty,omitempty"`
	FeeRateBps int64            `json:"fee_rate_bps,omitempty"`
	Strike     int64            `json:"strike,omitempty"`
	ExpiryTs   int64            `json:"expiry_ts,omitempty"`
	OptionKind match.OptionKind `json:"option_kind,omitempty"`
	Underlying string           `json:"underlying,omitempty"`

	// CANCEL 字段
	OrderID int64 `json:"order_id,omitempty"`
}

// Topic 实现 kafka.Message
func (r *Request) Topic() string { return TopicOrderRequests }

// Key 按市场分区
func (r *Request) Key() string { return r.Market }

// Value 序列化
func (r *Request) Value() ([]byte, error) { return json.Marshal(r) }

// ToOrder 转换为撮合订单
func (r *Request) ToOrder() *match.Order {
	return &match.Order{
		UserID:     r.UserID,
		Market:     r.Market,
		Product:    r.Product,
		Side:       r.Side,
		Type:       r.Type,
		Price:      r.Price,
		Qty:        r.Qty,
		FeeRateBps: r.FeeRateBps,
		Strike:     r.Strike,
		ExpiryTs:   r.ExpiryTs,
		OptionKind: r.OptionKind,
		Underlying: r.Underlying,
		Status:     match.StatusNew,
	}
}

// Validate 结构校验
func (r *Request) Validate() error {
	switch r.Action {
	case ActionSubmit:
		if r.Market == "" || r.UserID <= 0 || r.Qty <= 0 {
			return fmt.Errorf("%w: market/user/qty", ErrBadRequest)
		}
		if r.Side != match.SideBuy && r.Side != match.SideSell {
			return fmt.Errorf("%w: side %d", ErrBadRequest, r.Side)
		}
		if r.Type == match.OrderTypeLimit && r.Price <= 0 {
			return fmt.Errorf("%w: limit order without price", ErrBadRequest)
		}
		if r.Type != match.OrderTypeLimit && r.Type != match.OrderTypeMarket {
			return fmt.Errorf("%w: type %d", ErrBadRequest, r.Type)
		}
	case ActionCancel:
		if r.Market == "" || r.OrderID <= 0 {
			return fmt.Errorf("%w: cancel needs market and order_id", ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: action %q", ErrBadRequest, r.Action)
	}
	return nil
}

var _ kafka.Message = (*Request)(nil)
