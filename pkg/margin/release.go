// 文件: pkg/margin/release.go
// 撤单抵押释放 (CancellationProcessor)
//
// 【核心职责】
// 订单撤销/到期时，按未成交余量把抵押放回去:
// - pending 锁定: locked → available，条件 locked >= amount
//   条件不满足说明记账已漂移 → CRITICAL 告警 + 隔离，绝不猜测性修复
// - 直接扣减: 原路 credit 回 available
//
// 金额用下单时的原始参数重新计算 (不是当前市价)，
// 与锁定路径走同一套定点算法，全额撤单精确归零，无漂移。

package margin

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dex.com/pkg/alert"
	"dex.com/pkg/fund"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
)

// ErrPendingUnderflow 释放额大于锁定额: 记账不一致，事件已隔离待人工对账
var ErrPendingUnderflow = errors.New("pending balance underflow on release")

// =============================================================================
// ReleaseResult
// =============================================================================

// ReleaseResult 释放结果
type ReleaseResult struct {
	OrderID  int64
	TraderID int64
	Asset    string
	Amount   int64
	Pending  bool
	Released bool // false = 无可释放 (已全部成交)
}

// =============================================================================
// CancellationProcessor
// =============================================================================

// CancellationProcessor 撤单抵押释放器
type CancellationProcessor struct {
	balances fund.Ledger
	mode     string
}

// NewCancellationProcessor 创建释放器
func NewCancellationProcessor(balances fund.Ledger, mode string) *CancellationProcessor {
	return &CancellationProcessor{balances: balances, mode: mode}
}

// Release 释放订单未成交余量占用的抵押
//
// refPrice: 下单时使用的指数价 (仅衍生品市价单需要，限价单传 0)。
// 已全部成交时无可释放，幂等返回。
func (p *CancellationProcessor) Release(ctx context.Context, order *match.Order, meta *market.Meta, refPrice int64) (ReleaseResult, error) {
	remaining := order.RemainingQty()
	if remaining <= 0 {
		return ReleaseResult{OrderID: order.OrderID, TraderID: order.UserID}, nil
	}

	// 用原始参数对余量重算，锁定与释放同一套算法
	residual := *order
	residual.Qty = remaining
	residual.FilledQty = 0
	req, err := Required(&residual, meta, refPrice)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("recompute collateral for order %d: %w", order.OrderID, err)
	}

	res := ReleaseResult{
		OrderID:  order.OrderID,
		TraderID: order.UserID,
		Asset:    req.Asset,
		Amount:   req.Amount,
		Pending:  req.Pending,
		Released: true,
	}
	bizID := fmt.Sprintf("%d", order.OrderID)

	if req.Pending {
		err = p.balances.Unfreeze(ctx, order.UserID, p.mode, req.Asset, req.Amount)
		if err == fund.ErrInsufficientLocked {
			// 记账漂移: 隔离该事件，继续处理其他订单
			alert.Critical("Margin", "pending underflow: order=%d trader=%d asset=%s amount=%d",
				order.OrderID, order.UserID, req.Asset, req.Amount)
			return ReleaseResult{}, fmt.Errorf("%w: order %d", ErrPendingUnderflow, order.OrderID)
		}
		if err != nil {
			return ReleaseResult{}, err
		}
		if err := p.balances.Journal(ctx, order.UserID, p.mode, req.Asset,
			fund.ChangeTypeRelease, req.Amount, fund.BizTypeOrder, bizID); err != nil {
			log.Printf("[Margin] journal release failed: order=%d err=%v", order.OrderID, err)
		}
		return res, nil
	}

	// 直接扣减的资产原路退回
	if err := p.balances.Credit(ctx, order.UserID, p.mode, req.Asset, req.Amount); err != nil {
		return ReleaseResult{}, err
	}
	if err := p.balances.Journal(ctx, order.UserID, p.mode, req.Asset,
		fund.ChangeTypeCredit, req.Amount, fund.BizTypeOrder, bizID); err != nil {
		log.Printf("[Margin] journal credit failed: order=%d err=%v", order.OrderID, err)
	}
	return res, nil
}
