// 文件: pkg/order/service.go
// 订单服务 - 下单 / 撤单编排
//
// 【下单路径】
// 1. 解析市场 (衍生品卖单可能惰性创建 instrument)
// 2. 抵押计算 + 资金锁定 (原子条件 UPDATE，锁不住就拒单)
// 3. 订单历史落库 (带抵押快照)
// 4. 投递到该市场的撮合引擎，同步等成交结果
// 5. 市价单余量直接作废并释放对应抵押
//
// 资金先于撮合: 簿里只有抵押充足的订单。
// 撮合入队失败时原路回滚锁定，不留悬挂抵押。

package order

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dex.com/pkg/alert"
	"dex.com/pkg/fund"
	"dex.com/pkg/margin"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
	"dex.com/pkg/settle"
)

var ErrBadRequest = errors.New("bad order request")

// =============================================================================
// Service
// =============================================================================

// Service 订单服务
type Service struct {
	mode     string
	resolver *market.Resolver
	markets  market.Repository
	balances fund.Ledger
	journal  *fund.EventPublisher // 可为 nil (不发 Kafka 流水事件)
	router   *match.Router
	store    *match.BookStore
	oracle   settle.IndexPriceSource
	history  History
	release  *margin.CancellationProcessor
}

// NewService 创建订单服务
func NewService(mode string, resolver *market.Resolver, markets market.Repository,
	balances fund.Ledger, journal *fund.EventPublisher,
	router *match.Router, store *match.BookStore,
	oracle settle.IndexPriceSource, history History) *Service {
	return &Service{
		mode:     mode,
		resolver: resolver,
		markets:  markets,
		balances: balances,
		journal:  journal,
		router:   router,
		store:    store,
		oracle:   oracle,
		history:  history,
		release:  margin.NewCancellationProcessor(balances, mode),
	}
}

// =============================================================================
// 下单
// =============================================================================

// PlaceOrder 下单，返回执行顺序的成交列表
func (s *Service) PlaceOrder(ctx context.Context, o *match.Order) ([]match.Fill, error) {
	meta, err := s.resolver.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}

	// 市价单抵押要按指数价算
	var refPrice int64
	if o.Type == match.OrderTypeMarket {
		refPrice, err = s.oracle.IndexPrice(ctx, underlyingOf(meta))
		if err != nil {
			return nil, err
		}
	}

	req, err := margin.Required(o, meta, refPrice)
	if err != nil {
		return nil, err
	}

	if o.OrderID == 0 {
		o.OrderID = match.NextID()
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = match.Now()
	}

	if err := s.lockCollateral(ctx, o, req); err != nil {
		return nil, err
	}

	if err := s.history.Insert(ctx, s.newRecord(o, req, refPrice)); err != nil {
		log.Printf("[Order] history insert failed: order=%d err=%v", o.OrderID, err)
	}

	fills, err := s.router.Engine(o.Market).Process(ctx, o)
	if err != nil {
		if errors.Is(err, match.ErrQueueFull) || errors.Is(err, match.ErrEngineStopped) {
			// 订单没进簿，抵押原路回滚
			s.rollbackCollateral(ctx, o, req)
			_ = s.history.UpdateExecution(ctx, o.OrderID, 0, int8(match.StatusCancelled))
			return nil, err
		}
		// 部分执行后失败 (如 maker 竞争重试耗尽): 已提交的成交有效
		log.Printf("[Order] matching incomplete: order=%d filled=%d err=%v", o.OrderID, o.FilledQty, err)
	}

	s.applyFills(ctx, meta, o, fills, refPrice)
	s.refundPriceImprovement(ctx, meta, o, fills, refPrice)

	// 市价单余量不挂簿，对应抵押立即释放
	if o.Type == match.OrderTypeMarket && o.RemainingQty() > 0 {
		if _, rerr := s.release.Release(ctx, o, meta, refPrice); rerr != nil {
			log.Printf("[Order] release market-order residual failed: order=%d err=%v", o.OrderID, rerr)
		}
	}

	if herr := s.history.UpdateExecution(ctx, o.OrderID, o.FilledQty, int8(o.Status)); herr != nil {
		log.Printf("[Order] history update failed: order=%d err=%v", o.OrderID, herr)
	}
	return fills, err
}

// lockCollateral 锁定/扣减下单抵押并落流水
func (s *Service) lockCollateral(ctx context.Context, o *match.Order, req margin.Requirement) error {
	bizID := fmt.Sprintf("%d", o.OrderID)
	if req.Pending {
		if err := s.balances.Freeze(ctx, o.UserID, s.mode, req.Asset, req.Amount); err != nil {
			return err
		}
		s.record(ctx, o.UserID, req.Asset, fund.ChangeTypeLock, req.Amount, bizID)
		return nil
	}
	if err := s.balances.Debit(ctx, o.UserID, s.mode, req.Asset, req.Amount); err != nil {
		return err
	}
	s.record(ctx, o.UserID, req.Asset, fund.ChangeTypeDebit, req.Amount, bizID)
	return nil
}

// rollbackCollateral 撮合入队失败，抵押原路退回
func (s *Service) rollbackCollateral(ctx context.Context, o *match.Order, req margin.Requirement) {
	bizID := fmt.Sprintf("%d", o.OrderID)
	var err error
	if req.Pending {
		err = s.balances.Unfreeze(ctx, o.UserID, s.mode, req.Asset, req.Amount)
		s.record(ctx, o.UserID, req.Asset, fund.ChangeTypeRelease, req.Amount, bizID)
	} else {
		err = s.balances.Credit(ctx, o.UserID, s.mode, req.Asset, req.Amount)
		s.record(ctx, o.UserID, req.Asset, fund.ChangeTypeCredit, req.Amount, bizID)
	}
	if err != nil {
		alert.Critical("Order", "collateral rollback failed: order=%d err=%v", o.OrderID, err)
	}
}

func (s *Service) newRecord(o *match.Order, req margin.Requirement, refPrice int64) *OrderRecord {
	return &OrderRecord{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Market:      o.Market,
		Mode:        s.mode,
		Product:     string(o.Product),
		Side:        int8(o.Side),
		Type:        int8(o.Type),
		Price:       o.Price,
		Qty:         o.Qty,
		Status:      int8(o.Status),
		FeeRateBps:  o.FeeRateBps,
		LockAsset:   req.Asset,
		LockAmount:  req.Amount,
		LockPending: req.Pending,
		RefPrice:    refPrice,
		CreatedAt:   o.CreatedAt / 1e6, // 纳秒 → 毫秒
		UpdatedAt:   o.CreatedAt / 1e6,
	}
}

// =============================================================================
// 撤单
// =============================================================================

// CancelOrder 撤单并释放剩余抵押
// 终态订单幂等返回当前状态，不重复释放
func (s *Service) CancelOrder(ctx context.Context, marketSymbol string, orderID int64) (*match.Order, error) {
	o, err := s.router.Engine(marketSymbol).Cancel(ctx, orderID)
	if err != nil {
		if errors.Is(err, match.ErrOrderNotFound) {
			// 订单不在簿里但历史可能还欠一次释放 (上次撤单出簿后释放失败)
			return s.recoverCancel(ctx, marketSymbol, orderID)
		}
		return nil, err
	}
	if o.Status != match.StatusCancelled {
		// 已是终态 (成交/已撤/到期)，无可释放
		return o, nil
	}

	meta, err := s.markets.GetBySymbol(ctx, marketSymbol, s.mode)
	if err != nil {
		return o, err
	}
	refPrice := int64(0)
	if rec, herr := s.history.GetByID(ctx, orderID); herr == nil {
		refPrice = rec.RefPrice
	}
	if _, rerr := s.release.Release(ctx, o, meta, refPrice); rerr != nil {
		return o, rerr
	}
	if herr := s.history.UpdateExecution(ctx, orderID, o.FilledQty, int8(o.Status)); herr != nil {
		log.Printf("[Order] history update failed: order=%d err=%v", orderID, herr)
	}
	return o, nil
}

// recoverCancel 撤单重投补偿
// 订单已出簿而历史还停在非终态，说明上次撤单在释放抵押前中断了
// (进程崩溃/资金库抖动)。历史快照带着锁定参数，按快照把释放补完。
func (s *Service) recoverCancel(ctx context.Context, marketSymbol string, orderID int64) (*match.Order, error) {
	rec, herr := s.history.GetByID(ctx, orderID)
	if herr != nil {
		return nil, fmt.Errorf("%w: order %d", match.ErrOrderNotFound, orderID)
	}
	o := rec.toOrder()
	if o.Status.IsTerminal() {
		// 终态已落账，重投幂等返回
		return o, nil
	}
	if o.Type == match.OrderTypeMarket {
		// 市价单从不挂簿，余量在下单路径已处置
		return o, nil
	}

	meta, err := s.markets.GetBySymbol(ctx, marketSymbol, s.mode)
	if err != nil {
		return nil, err
	}
	// 快照不存期权参数，从市场元数据补齐供释放重算
	o.OptionKind, o.Strike, o.Underlying = meta.OptionKind, meta.Strike, meta.Underlying

	if meta.Status == market.StatusExpired {
		// 到期清簿已释放过抵押，这里只补历史状态
		o.Status = match.StatusExpired
	} else {
		o.Status = match.StatusCancelled
		if _, rerr := s.release.Release(ctx, o, meta, rec.RefPrice); rerr != nil {
			return nil, rerr
		}
	}
	if herr := s.history.UpdateExecution(ctx, orderID, o.FilledQty, int8(o.Status)); herr != nil {
		log.Printf("[Order] history update failed: order=%d err=%v", orderID, herr)
	}
	return o, nil
}

// =============================================================================
// 成交后置处理
// =============================================================================

// applyFills 衍生品成交更新持仓，卖方锁定额转为持仓保证金
// 现货成交的资产交割由链上结算管道完成，这里不动余额
func (s *Service) applyFills(ctx context.Context, meta *market.Meta, o *match.Order, fills []match.Fill, refPrice int64) {
	if !meta.IsDerivative() {
		return
	}
	for i := range fills {
		f := &fills[i]
		if err := s.applyPosition(meta, f.Buyer, f.Qty, f.Price, 0); err != nil {
			log.Printf("[Order] position update failed: market=%s user=%d err=%v", f.Market, f.Buyer, err)
		}
		sellerMargin := sellerFillMargin(meta, o, f, refPrice)
		if err := s.applyPosition(meta, f.Seller, -f.Qty, f.Price, sellerMargin); err != nil {
			log.Printf("[Order] position update failed: market=%s user=%d err=%v", f.Market, f.Seller, err)
		}
	}
}

// refundPriceImprovement 买单预扣按 taker 限价 (市价单按下单时指数价)，
// 成交却在 maker 价; 差价逐笔退回，消耗额与锁定额精确对账。
// 市价单成交高于参考价时反向补扣，补不上说明抵押不足，告警留痕。
func (s *Service) refundPriceImprovement(ctx context.Context, meta *market.Meta, o *match.Order, fills []match.Fill, refPrice int64) {
	if o.Side != match.SideBuy {
		return
	}
	basis := o.Price
	if o.Type == match.OrderTypeMarket {
		basis = refPrice
	}
	for i := range fills {
		f := &fills[i]
		diff := basis - f.Price
		if diff == 0 {
			continue
		}
		notional := margin.MulDiv(f.Qty, abs64(diff), match.Precision)
		amount := margin.MulDiv(notional, match.RatePrecision+o.FeeRateBps, match.RatePrecision)
		if amount == 0 {
			continue
		}
		bizID := fmt.Sprintf("%d-%d", o.OrderID, f.TradeID)
		if diff > 0 {
			if err := s.balances.Credit(ctx, o.UserID, s.mode, meta.QuoteAsset, amount); err != nil {
				alert.Critical("Order", "price improvement refund failed: order=%d trade=%d amount=%d err=%v",
					o.OrderID, f.TradeID, amount, err)
				continue
			}
			s.record(ctx, o.UserID, meta.QuoteAsset, fund.ChangeTypeCredit, amount, bizID)
			continue
		}
		if err := s.balances.Debit(ctx, o.UserID, s.mode, meta.QuoteAsset, amount); err != nil {
			alert.Critical("Order", "market fill above reference underfunded: order=%d trade=%d short=%d err=%v",
				o.OrderID, f.TradeID, amount, err)
			continue
		}
		s.record(ctx, o.UserID, meta.QuoteAsset, fund.ChangeTypeDebit, amount, bizID)
	}
}

// applyPosition 按成交增量更新持仓 (开仓均价加权)
func (s *Service) applyPosition(meta *market.Meta, userID, delta, price, addMargin int64) error {
	if userID == match.SystemUserID {
		return nil
	}
	p, err := s.store.GetPosition(meta.Symbol, userID)
	if err != nil {
		return err
	}
	if p == nil {
		p = &match.Position{Market: meta.Symbol, UserID: userID}
	}

	oldSize, newSize := p.Size, p.Size+delta
	switch {
	case oldSize == 0 || (oldSize > 0) == (newSize > 0) && abs64(newSize) > abs64(oldSize):
		// 开仓/加仓: 均价加权
		total := abs64(oldSize) + abs64(delta)
		if total > 0 {
			p.EntryPrice = (p.EntryPrice*abs64(oldSize) + price*abs64(delta)) / total
		}
	case newSize == 0:
		p.EntryPrice = 0
		p.Margin = 0
	}
	p.Size = newSize
	p.Margin += addMargin
	if p.Size == 0 {
		p.Margin = 0
	}
	p.UpdatedAt = match.Now()
	return s.store.UpsertPosition(p)
}

// sellerFillMargin 卖方成交部分占用的保证金，计算基准与下单冻结同源:
// 卖方是 taker 用其下单价 (市价单用下单时指数价和 20% 比例)，
// 是 maker 时成交价就是其挂单价。基准错用成交价会在价格改善时
// 计出比实际冻结更多的保证金，到期解锁就会下溢。
func sellerFillMargin(meta *market.Meta, taker *match.Order, f *match.Fill, refPrice int64) int64 {
	switch meta.Type {
	case match.ProductOption:
		if meta.OptionKind == match.OptionCall {
			return margin.MulDiv(f.Qty, meta.LotSize, match.Precision)
		}
		cover := margin.MulDiv(f.Qty, meta.LotSize, match.Precision)
		return margin.MulDiv(cover, meta.Strike, match.Precision)
	case match.ProductFuture, match.ProductPerp:
		if f.SellOrderID == taker.OrderID {
			if taker.Type == match.OrderTypeMarket {
				return margin.MulDiv(f.Qty, refPrice, match.Precision) / 5
			}
			return margin.MulDiv(f.Qty, taker.Price, match.Precision) / 10
		}
		return margin.MulDiv(f.Qty, f.Price, match.Precision) / 10
	default:
		return 0
	}
}

// =============================================================================
// 工具
// =============================================================================

func (s *Service) record(ctx context.Context, userID int64, asset string, change fund.ChangeType, amount int64, bizID string) {
	if err := s.balances.Journal(ctx, userID, s.mode, asset, change, amount, fund.BizTypeOrder, bizID); err != nil {
		log.Printf("[Order] journal failed: user=%d err=%v", userID, err)
	}
	if s.journal != nil {
		if err := s.journal.PublishJournal(userID, s.mode, asset, change, amount, fund.BizTypeOrder, bizID); err != nil {
			log.Printf("[Order] journal event publish failed: user=%d err=%v", userID, err)
		}
	}
}

func underlyingOf(meta *market.Meta) string {
	if meta.IsDerivative() {
		return meta.Underlying
	}
	return meta.Symbol
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
