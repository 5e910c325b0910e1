// 文件: pkg/settle/expiry.go
// 到期交割处理器
//
// 【流程】
// 1. 扫出 expiry_ts 已过且仍 ACTIVE 的衍生品市场
// 2. 状态迁移 ACTIVE → EXPIRED (条件更新，多实例只有一个赢)
// 3. 该市场全部挂单置 EXPIRED 移除，抵押按未成交余量释放
// 4. 每个持仓按指数价算盈亏，合成对系统账户的交割成交，
//    fill 入队 + 持仓删除单批原子落盘 (重跑不会二次结算)
// 5. 亏损优先消耗锁定保证金，余量解锁；盈利入账，流水落库
//
// 指数价拿不到就跳过该市场，下个周期重试，绝不按零价交割。

package settle

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"dex.com/pkg/alert"
	"dex.com/pkg/fund"
	"dex.com/pkg/margin"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
)

// =============================================================================
// ExpiryConfig
// =============================================================================

// ExpiryConfig 交割处理器配置
type ExpiryConfig struct {
	Mode     string        // 账务模式 (资金表隔离键)
	Interval time.Duration // 扫描周期
}

// DefaultExpiryConfig 默认配置
func DefaultExpiryConfig(mode string) ExpiryConfig {
	return ExpiryConfig{Mode: mode, Interval: 5 * time.Second}
}

// =============================================================================
// ExpiryProcessor
// =============================================================================

// ExpiryProcessor 到期交割处理器
type ExpiryProcessor struct {
	config   ExpiryConfig
	store    *match.BookStore
	markets  market.Repository
	oracle   IndexPriceSource
	balances fund.Ledger
	release  *margin.CancellationProcessor

	// 同一市场的交割不允许并发重入
	settling sync.Map

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewExpiryProcessor 创建交割处理器
func NewExpiryProcessor(config ExpiryConfig, store *match.BookStore, markets market.Repository,
	oracle IndexPriceSource, balances fund.Ledger) *ExpiryProcessor {
	return &ExpiryProcessor{
		config:   config,
		store:    store,
		markets:  markets,
		oracle:   oracle,
		balances: balances,
		release:  margin.NewCancellationProcessor(balances, config.Mode),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台交割扫描
func (e *ExpiryProcessor) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.scanLoop(ctx)
}

// Stop 停止处理器
func (e *ExpiryProcessor) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *ExpiryProcessor) scanLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx, time.Now().UnixMilli()); err != nil {
				log.Printf("[Expiry] scan failed: %v", err)
			}
		}
	}
}

// RunOnce 执行一轮到期扫描
func (e *ExpiryProcessor) RunOnce(ctx context.Context, nowMs int64) error {
	expired, err := e.markets.ListExpired(ctx, nowMs)
	if err != nil {
		return err
	}
	for _, meta := range expired {
		if _, busy := e.settling.LoadOrStore(meta.Symbol, struct{}{}); busy {
			continue
		}
		err := e.settleMarket(ctx, meta)
		e.settling.Delete(meta.Symbol)
		if err != nil {
			// 单市场失败不阻塞其余市场，下个周期重试
			log.Printf("[Expiry] settle market %s failed: %v", meta.Symbol, err)
		}
	}
	return nil
}

// settleMarket 交割一个到期市场
func (e *ExpiryProcessor) settleMarket(ctx context.Context, meta *market.Meta) error {
	// 交割价先于一切: 拿不到就整个市场推迟
	index, err := e.oracle.IndexPrice(ctx, meta.Underlying)
	if err != nil {
		return err
	}

	// 状态迁移 ACTIVE → EXPIRED; 已被别处迁移则继续幂等清理
	err = e.markets.UpdateStatus(ctx, meta.Symbol, meta.Mode, market.StatusActive, market.StatusExpired)
	if err != nil && err != market.ErrSymbolNotFound {
		log.Printf("[Expiry] market %s status transition skipped: %v", meta.Symbol, err)
	}

	if err := e.expireRestingOrders(ctx, meta); err != nil {
		return err
	}
	return e.settlePositions(ctx, meta, index)
}

// expireRestingOrders 移除到期市场的全部挂单并释放抵押
func (e *ExpiryProcessor) expireRestingOrders(ctx context.Context, meta *market.Meta) error {
	for _, side := range []match.Side{match.SideBuy, match.SideSell} {
		var orders []*match.Order
		err := e.store.ScanSide(meta.Symbol, side, func(o *match.Order) error {
			cp := *o
			orders = append(orders, &cp)
			return nil
		})
		if err != nil {
			return err
		}
		for _, o := range orders {
			o.Status = match.StatusExpired
			if err := e.store.RemoveOrder(o); err != nil {
				return err
			}
			// 挂单必为限价单，重算不需要指数价
			if _, err := e.release.Release(ctx, o, meta, 0); err != nil {
				log.Printf("[Expiry] release collateral for order %d failed: %v", o.OrderID, err)
			}
		}
	}
	return nil
}

// settlePositions 按指数价逐仓交割
func (e *ExpiryProcessor) settlePositions(ctx context.Context, meta *market.Meta, index int64) error {
	var positions []*match.Position
	err := e.store.ScanPositions(meta.Symbol, func(p *match.Position) error {
		cp := *p
		positions = append(positions, &cp)
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range positions {
		if err := e.settleOne(ctx, meta, p, index); err != nil {
			log.Printf("[Expiry] settle position market=%s user=%d failed: %v", p.Market, p.UserID, err)
		}
	}
	return nil
}

// settleOne 交割单个持仓
func (e *ExpiryProcessor) settleOne(ctx context.Context, meta *market.Meta, p *match.Position, index int64) error {
	pnl := p.UnrealizedPnL(index)

	if pnl == 0 {
		// 无盈亏: 删仓 + 解锁保证金即可
		zero := *p
		zero.Size = 0
		if err := e.store.UpsertPosition(&zero); err != nil {
			return err
		}
		return e.releaseMargin(ctx, p, match.NextID())
	}

	absPnl := pnl
	buyer, seller := p.UserID, match.SystemUserID
	if pnl < 0 {
		absPnl = -pnl
		buyer, seller = match.SystemUserID, p.UserID
	}

	now := match.Now()
	tradeID := match.NextID()
	trade := &match.Trade{
		TradeID:    tradeID,
		Market:     p.Market,
		Price:      index,
		Qty:        absPnl,
		BuyUserID:  buyer,
		SellUserID: seller,
		Timestamp:  now,
	}
	fill := &match.Fill{
		TradeID:   tradeID,
		Market:    p.Market,
		Product:   meta.Type,
		Price:     index,
		Qty:       absPnl,
		Buyer:     buyer,
		Seller:    seller,
		Timestamp: now,
	}

	// 持仓删除与 fill 入队同批原子，重跑不会二次结算
	if err := e.store.SettlePosition(p, trade, fill); err != nil {
		return err
	}

	bizID := formatID(tradeID)
	if pnl > 0 {
		if err := e.releaseMargin(ctx, p, tradeID); err != nil {
			return err
		}
		if err := e.balances.Credit(ctx, p.UserID, e.config.Mode, meta.QuoteAsset, absPnl); err != nil {
			return err
		}
		return e.journal(ctx, p.UserID, meta.QuoteAsset, fund.ChangeTypeCredit, absPnl, bizID)
	}

	if marginAsset(meta, p) != meta.QuoteAsset {
		// 备兑看涨的保证金是基础资产，先整额解锁，亏损另走报价资产
		if err := e.releaseMargin(ctx, p, tradeID); err != nil {
			return err
		}
		return e.debitLoss(ctx, p, meta, absPnl, bizID)
	}
	return e.absorbLoss(ctx, p, meta, absPnl, bizID)
}

// absorbLoss 亏损优先消耗锁定保证金，余量解锁，超额再扣可用
func (e *ExpiryProcessor) absorbLoss(ctx context.Context, p *match.Position, meta *market.Meta, loss int64, bizID string) error {
	fromMargin := loss
	if p.Margin < fromMargin {
		fromMargin = p.Margin
	}
	if fromMargin > 0 {
		err := e.balances.DeductLocked(ctx, p.UserID, e.config.Mode, meta.QuoteAsset, fromMargin)
		if err == fund.ErrInsufficientLocked {
			alert.Critical("Expiry", "margin underflow: market=%s user=%d margin=%d",
				p.Market, p.UserID, p.Margin)
			fromMargin = 0
		} else if err != nil {
			return err
		} else {
			e.journal(ctx, p.UserID, meta.QuoteAsset, fund.ChangeTypeDebit, fromMargin, bizID)
		}
	}
	if rest := p.Margin - fromMargin; rest > 0 {
		err := e.balances.Unfreeze(ctx, p.UserID, e.config.Mode, meta.QuoteAsset, rest)
		if err == fund.ErrInsufficientLocked {
			alert.Critical("Expiry", "margin underflow: market=%s user=%d margin=%d",
				p.Market, p.UserID, p.Margin)
		} else if err != nil {
			return err
		} else {
			e.journal(ctx, p.UserID, meta.QuoteAsset, fund.ChangeTypeRelease, rest, bizID)
		}
	}
	if excess := loss - fromMargin; excess > 0 {
		return e.debitLoss(ctx, p, meta, excess, bizID)
	}
	return nil
}

// debitLoss 从可用余额扣亏损，扣不动视为穿仓
func (e *ExpiryProcessor) debitLoss(ctx context.Context, p *match.Position, meta *market.Meta, loss int64, bizID string) error {
	if err := e.balances.Debit(ctx, p.UserID, e.config.Mode, meta.QuoteAsset, loss); err != nil {
		if err == fund.ErrInsufficientBalance {
			// 穿仓: 余额扣不动，由风险基金兜底
			alert.Critical("Expiry", "loss exceeds balance: market=%s user=%d loss=%d",
				p.Market, p.UserID, loss)
			return nil
		}
		return err
	}
	return e.journal(ctx, p.UserID, meta.QuoteAsset, fund.ChangeTypeDebit, loss, bizID)
}

// releaseMargin 解锁持仓占用的保证金
func (e *ExpiryProcessor) releaseMargin(ctx context.Context, p *match.Position, tradeID int64) error {
	if p.Margin <= 0 {
		return nil
	}
	meta, err := e.markets.GetBySymbol(ctx, p.Market, e.config.Mode)
	if err != nil {
		return err
	}
	err = e.balances.Unfreeze(ctx, p.UserID, e.config.Mode, marginAsset(meta, p), p.Margin)
	if err == fund.ErrInsufficientLocked {
		alert.Critical("Expiry", "margin underflow: market=%s user=%d margin=%d",
			p.Market, p.UserID, p.Margin)
		return nil
	}
	if err != nil {
		return err
	}
	return e.journalRelease(ctx, p, meta, tradeID)
}

func (e *ExpiryProcessor) journalRelease(ctx context.Context, p *match.Position, meta *market.Meta, tradeID int64) error {
	return e.journal(ctx, p.UserID, marginAsset(meta, p), fund.ChangeTypeRelease, p.Margin, formatID(tradeID))
}

func (e *ExpiryProcessor) journal(ctx context.Context, userID int64, asset string, change fund.ChangeType, amount int64, bizID string) error {
	err := e.balances.Journal(ctx, userID, e.config.Mode, asset, change, amount, fund.BizTypeExpiry, bizID)
	if err != nil {
		log.Printf("[Expiry] journal failed: user=%d asset=%s err=%v", userID, asset, err)
	}
	return nil
}

// marginAsset 持仓保证金所在资产
// 备兑看涨锁基础资产，其余空头锁报价资产
func marginAsset(meta *market.Meta, p *match.Position) string {
	if meta.Type == match.ProductOption && meta.OptionKind == match.OptionCall && p.Size < 0 {
		return meta.BaseAsset
	}
	return meta.QuoteAsset
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
