// 文件: pkg/margin/calculator.go
// 抵押计算 - 纯函数
//
// 【核心职责】
// 给定订单 + 市场元数据 (+ 衍生品市价单需要指数价)，
// 算出应当锁定/扣减的资产和金额。
//
// 【规则表】
//	买单:              数量×价格×(1+费率)  quote  直接扣减
//	卖现货:            数量               base   直接扣减
//	卖看涨期权(备兑):   数量×手数           base   pending 锁定
//	卖看跌期权:        数量×手数×行权价     quote  pending 锁定
//	卖交割/永续 限价:   名义价值/10         quote  pending (10% 初始保证金)
//	卖交割/永续 市价:   指数名义价值/5      quote  pending (20%，无限价只能用指数价)
//
// 全部定点整数运算，锁定与释放走同一套算法，截断方式一致，无漂移。

package margin

import (
	"errors"
	"fmt"
	"math/bits"

	"dex.com/pkg/market"
	"dex.com/pkg/match"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrNakedCall 裸卖看涨被禁止: 无法确定备兑数量时直接拒单
	ErrNakedCall = errors.New("naked call writing is forbidden")

	// ErrNoIndexPrice 衍生品市价单必须有指数价，缺失即拒单，绝不按零抵押放行
	ErrNoIndexPrice = errors.New("index price unavailable")

	ErrBadOrder = errors.New("order not collateralizable")
)

// =============================================================================
// Requirement - 计算结果
// =============================================================================

// Requirement 抵押要求
type Requirement struct {
	Asset  string // 锁定/扣减的资产
	Amount int64  // 定点金额
	// Pending true  → available 转 pending 锁定，成交/撤单时再处置
	// Pending false → 直接从 available 扣减 (撤单时原路退回)
	Pending bool
}

// =============================================================================
// 计算
// =============================================================================

// Required 计算订单的抵押要求
// indexPrice 仅衍生品市价单需要，传 0 表示不可用
func Required(order *match.Order, meta *market.Meta, indexPrice int64) (Requirement, error) {
	if order.Side == match.SideBuy {
		return buyRequirement(order, meta, indexPrice)
	}
	return sellRequirement(order, meta, indexPrice)
}

func buyRequirement(order *match.Order, meta *market.Meta, indexPrice int64) (Requirement, error) {
	price := order.Price
	if order.Type == match.OrderTypeMarket {
		// 市价买单没有限价，以指数价估算扣减额
		if indexPrice <= 0 {
			return Requirement{}, ErrNoIndexPrice
		}
		price = indexPrice
	}
	notional := MulDiv(order.Qty, price, match.Precision)
	amount := MulDiv(notional, match.RatePrecision+order.FeeRateBps, match.RatePrecision)
	return Requirement{Asset: meta.QuoteAsset, Amount: amount, Pending: false}, nil
}

func sellRequirement(order *match.Order, meta *market.Meta, indexPrice int64) (Requirement, error) {
	switch order.Product {
	case match.ProductSpot:
		// 卖现货: 直接扣减基础资产
		return Requirement{Asset: meta.BaseAsset, Amount: order.Qty, Pending: false}, nil

	case match.ProductOption:
		switch order.OptionKind {
		case match.OptionCall:
			// 备兑看涨: 锁定 数量×手数 的基础资产作为交割备兑
			if meta.LotSize <= 0 {
				// 备兑数量无法确定 = 裸卖，拒绝
				return Requirement{}, ErrNakedCall
			}
			amount := MulDiv(order.Qty, meta.LotSize, match.Precision)
			return Requirement{Asset: meta.BaseAsset, Amount: amount, Pending: true}, nil
		case match.OptionPut:
			// 看跌: 锁定 数量×手数×行权价 的报价资产
			cover := MulDiv(order.Qty, meta.LotSize, match.Precision)
			amount := MulDiv(cover, meta.Strike, match.Precision)
			return Requirement{Asset: meta.QuoteAsset, Amount: amount, Pending: true}, nil
		default:
			return Requirement{}, fmt.Errorf("%w: option without kind", ErrBadOrder)
		}

	case match.ProductFuture, match.ProductPerp:
		if order.Type == match.OrderTypeMarket {
			// 市价卖空: 无限价，按指数价名义价值的 20% 锁保证金
			if indexPrice <= 0 {
				return Requirement{}, ErrNoIndexPrice
			}
			notional := MulDiv(order.Qty, indexPrice, match.Precision)
			return Requirement{Asset: meta.QuoteAsset, Amount: notional / 5, Pending: true}, nil
		}
		// 限价卖空: 名义价值的 10% 初始保证金
		notional := MulDiv(order.Qty, order.Price, match.Precision)
		return Requirement{Asset: meta.QuoteAsset, Amount: notional / 10, Pending: true}, nil

	default:
		return Requirement{}, fmt.Errorf("%w: product %q", ErrBadOrder, order.Product)
	}
}

// =============================================================================
// 定点乘除
// =============================================================================

// MulDiv 计算 a*b/c，中间结果 128 位，防止名义价值溢出 int64
// 截断方向固定向零，锁定与释放用同一函数保证金额一致
func MulDiv(a, b, c int64) int64 {
	if a < 0 || b < 0 || c <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		// 商溢出 int64，按上限截断 (正常参数到不了这里)
		return 1<<63 - 1
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}
