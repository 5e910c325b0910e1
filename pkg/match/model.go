// 文件: pkg/match/model.go
// 撮合核心数据模型 - 订单 / 成交 / 持仓
//
// 设计目标:
// 1. 定点数表示: 所有金额用 int64 存储 (乘以 10^8)，杜绝浮点误差
// 2. 内存对齐: 64 位字段在前，小字段在后
// 3. 封闭类型: 产品类型是有限枚举，撮合核心只处理强类型订单

package match

import (
	"fmt"
	"math/bits"
	"time"
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	// Precision 价格/数量精度因子
	// 所有金额存储为 int64，乘以 10^8 (对标 satoshi)
	// 例: 1.5 BTC = 150_000_000
	Precision = 100_000_000

	// RatePrecision 费率精度 (万分比)
	// 例: 0.1% = 10
	RatePrecision = 10000
)

// =============================================================================
// 买卖方向
// =============================================================================

// Side 买卖方向
// 用 int8 而不是 string: 内存小、比较快、避免字符串分配
type Side int8

const (
	SideBuy  Side = 1  // 买入
	SideSell Side = -1 // 卖出，用 -1 方便取对手盘
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite 返回对手方向
func (s Side) Opposite() Side {
	return -s
}

// =============================================================================
// 订单类型
// =============================================================================

type OrderType int8

const (
	OrderTypeLimit  OrderType = iota + 1 // 限价单: 指定价格，可部分成交后挂单
	OrderTypeMarket                      // 市价单: 吃掉对手盘，剩余直接丢弃 (不挂单)
)

func (t OrderType) String() string {
	if t == OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

// =============================================================================
// 订单状态
// =============================================================================

// OrderStatus 订单状态机: NEW → PARTIAL → FILLED / CANCELLED / EXPIRED
// 进入终态后订单不可变，且必须从活跃订单簿移除
type OrderStatus int8

const (
	StatusNew       OrderStatus = iota // 新订单，等待撮合
	StatusPartial                      // 部分成交
	StatusFilled                       // 完全成交 (终态)
	StatusCancelled                    // 已撤销 (终态)
	StatusExpired                      // 已到期 (终态)
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否终态
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// =============================================================================
// 产品类型
// =============================================================================

type Product string

const (
	ProductSpot   Product = "SPOT"
	ProductPerp   Product = "PERP"
	ProductFuture Product = "FUTURE"
	ProductOption Product = "OPTION"
)

// OptionKind 期权类型
type OptionKind string

const (
	OptionCall OptionKind = "C" // 看涨
	OptionPut  OptionKind = "P" // 看跌
)

// =============================================================================
// Order - 订单
// =============================================================================

// Order 撮合核心看到的订单
// 进入撮合前已通过外部签名/结构校验，Market 已解析为具体 instrument symbol
type Order struct {
	// ===== 64 位字段 =====
	OrderID   int64 // 雪花 ID
	UserID    int64
	Price     int64 // 定点价格 (市价单为 0)
	Qty       int64 // 定点数量
	FilledQty int64 // 已成交数量, 0 <= FilledQty <= Qty
	Strike    int64 // 行权价 (仅期权)
	ExpiryTs  int64 // 到期时间 Unix 毫秒 (仅衍生品)
	CreatedAt int64 // 创建时间 Unix 纳秒 (key 排序用)
	Version   int64 // 乐观锁版本号，每次落库更新 +1

	// ===== 小字段 =====
	Side       Side
	Type       OrderType
	Status     OrderStatus
	FeeRateBps int64 // 手续费率 (万分比)

	// ===== 字符串字段 =====
	Market     string     // instrument symbol，如 "BTC_USDT" / "BTC_USDT-20260925-5000000000000-C"
	Product    Product    // SPOT / PERP / FUTURE / OPTION
	OptionKind OptionKind // C / P (仅期权)
	Underlying string     // 标的交易对 (仅衍生品)
}

// RemainingQty 剩余未成交数量
func (o *Order) RemainingQty() int64 {
	return o.Qty - o.FilledQty
}

// IsFilled 是否完全成交
func (o *Order) IsFilled() bool {
	return o.FilledQty >= o.Qty
}

// CanRest 是否允许挂单 (市价单剩余量直接丢弃，不挂单)
func (o *Order) CanRest() bool {
	return o.Type == OrderTypeLimit
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%d, %s %s %d@%d, Filled:%d, Status:%s}",
		o.OrderID, o.Side, o.Market, o.Qty, o.Price, o.FilledQty, o.Status)
}

// =============================================================================
// Trade - 成交记录
// =============================================================================

// Trade 一次撮合执行产生一条成交记录
// 由撮合引擎精确创建一次，之后仅由结算管道置位 Settled
type Trade struct {
	TradeID     int64  `json:"trade_id"`
	Market      string `json:"market"`
	Price       int64  `json:"price"` // 成交价 = Maker 价格
	Qty         int64  `json:"qty"`
	BuyOrderID  int64  `json:"buy_order_id"`
	SellOrderID int64  `json:"sell_order_id"`
	BuyUserID   int64  `json:"buy_user_id"`
	SellUserID  int64  `json:"sell_user_id"`
	Settled     bool   `json:"settled"`
	TxRef       string `json:"tx_ref,omitempty"` // 链上结算回执
	Timestamp   int64  `json:"timestamp"`        // 成交时间 Unix 纳秒
}

// =============================================================================
// Fill - 撮合输出
// =============================================================================

// SystemUserID 系统对手方 (到期交割时承接盈亏的虚拟账户)
const SystemUserID int64 = 0

// Fill 一次原子成交，买卖双方已从 taker/maker 解析出来
type Fill struct {
	TradeID     int64   `json:"trade_id"`
	Market      string  `json:"market"`
	Product     Product `json:"product"`
	Price       int64   `json:"price"`
	Qty         int64   `json:"qty"`
	Buyer       int64   `json:"buyer"`
	Seller      int64   `json:"seller"`
	BuyOrderID  int64   `json:"buy_order_id"`
	SellOrderID int64   `json:"sell_order_id"`
	Timestamp   int64   `json:"timestamp"`
}

// =============================================================================
// Position - 衍生品持仓
// =============================================================================

// Position 用户在某个衍生品市场上的持仓
// Size > 0 多头, Size < 0 空头
type Position struct {
	Market     string `json:"market"`
	UserID     int64  `json:"user_id"`
	Size       int64  `json:"size"`
	EntryPrice int64  `json:"entry_price"` // 开仓均价
	Margin     int64  `json:"margin"`      // 占用保证金
	UpdatedAt  int64  `json:"updated_at"`
}

// AbsSize 持仓绝对值
func (p *Position) AbsSize() int64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// UnrealizedPnL 以指数价计算的盈亏
// 中间积走 128 位: 大持仓 × 大价差直接相乘会溢出 int64
func (p *Position) UnrealizedPnL(indexPrice int64) int64 {
	return mulDivSigned(indexPrice-p.EntryPrice, p.Size, Precision)
}

// mulDivSigned 计算 a*b/c (c > 0)，128 位中间积，截断向零
func mulDivSigned(a, b, c int64) int64 {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(absU64(a), absU64(b))
	if hi >= uint64(c) {
		// 商溢出 int64，按上限截断 (正常参数到不了这里)
		if neg {
			return -(1<<63 - 1)
		}
		return 1<<63 - 1
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// =============================================================================
// 工具
// =============================================================================

// Now 当前时间 Unix 纳秒
func Now() int64 {
	return time.Now().UnixNano()
}
