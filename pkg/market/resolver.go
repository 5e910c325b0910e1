// 文件: pkg/market/resolver.go
// instrument 解析与惰性创建
//
// 【规则】
// - 订单的 Market 必须指向一个 ACTIVE 且未到期的市场
// - 衍生品 instrument 不存在时:
//   卖单 → 基于标的对规格惰性创建 (以非存在为条件，并发创建只成功一次)
//   买单 → 拒绝 (没人卖出过的东西买不到)
// - tick/lot 校验用精确整数取模，无浮点容差

package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dex.com/pkg/match"
)

var (
	ErrInstrumentNotFound = errors.New("instrument does not exist")
	ErrMarketNotTradable  = errors.New("market not tradable")
	ErrTickSize           = errors.New("price not aligned to tick size")
	ErrLotSize            = errors.New("qty not aligned to lot size")
)

// Resolver instrument 解析器
type Resolver struct {
	repo Repository
	mode string
}

// NewResolver 创建解析器
func NewResolver(repo Repository, mode string) *Resolver {
	return &Resolver{repo: repo, mode: mode}
}

// Resolve 解析订单的市场元数据，必要时惰性创建衍生品 instrument
// 返回的 Meta 供抵押计算使用
func (r *Resolver) Resolve(ctx context.Context, order *match.Order) (*Meta, error) {
	nowMs := time.Now().UnixMilli()

	meta, err := r.repo.GetBySymbol(ctx, order.Market, r.mode)
	if err == nil {
		if !meta.Tradable(nowMs) {
			return nil, fmt.Errorf("%w: %s is %s", ErrMarketNotTradable, meta.Symbol, meta.Status)
		}
		return meta, r.validateAlignment(order, meta)
	}
	if err != ErrSymbolNotFound {
		return nil, err
	}

	// 市场不存在
	if order.Product == match.ProductSpot {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, order.Market)
	}
	if order.Side == match.SideBuy {
		// 没人卖出过的 instrument 买不到
		return nil, fmt.Errorf("%w: %s (no seller has created it)", ErrInstrumentNotFound, order.Market)
	}

	// 卖单惰性创建: 继承标的对规格
	underlying, err := r.repo.GetBySymbol(ctx, order.Underlying, r.mode)
	if err != nil {
		return nil, fmt.Errorf("underlying %s: %w", order.Underlying, err)
	}
	meta = deriveMeta(order.Market, order, underlying, nowMs)

	if err := r.repo.Create(ctx, meta); err != nil {
		if err == ErrSymbolExists {
			// 并发创建输了，读回赢家的
			return r.repo.GetBySymbol(ctx, order.Market, r.mode)
		}
		return nil, err
	}
	return meta, r.validateAlignment(order, meta)
}

// validateAlignment tick/lot 精确对齐校验
func (r *Resolver) validateAlignment(order *match.Order, meta *Meta) error {
	if order.Type == match.OrderTypeLimit && meta.TickSize > 0 && order.Price%meta.TickSize != 0 {
		return fmt.Errorf("%w: price %d tick %d", ErrTickSize, order.Price, meta.TickSize)
	}
	if meta.LotSize > 0 && order.Qty%meta.LotSize != 0 {
		return fmt.Errorf("%w: qty %d lot %d", ErrLotSize, order.Qty, meta.LotSize)
	}
	return nil
}
