// 文件: pkg/match/matcher.go
// 连续撮合算法
//
// 【核心流程】对每个进场订单循环执行:
// 1. 查对手方向最优挂单 (排序键范围扫描第一条)
// 2. 价格交叉检验: 市价单恒可成交; 限价单 买价>=卖价 / 卖价<=买价
// 3. 成交量 = min(taker 剩余, maker 剩余)，成交价 = maker 价格
// 4. maker 更新 + taker 更新 + 成交 + 结算入队 原子提交，
//    以 maker 版本号为条件
// 5. 提交冲突 (maker 被撤/被其他 taker 吃掉) 则重读重试，remaining 不变
//
// 循环结束后: 限价单剩余量挂簿，市价单剩余量直接丢弃。

package match

import (
	"errors"
	"fmt"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrCommitRetriesExhausted 乐观提交重试耗尽，该订单处理失败
	// 必须向调用方暴露，不允许静默丢单
	ErrCommitRetriesExhausted = errors.New("match commit retries exhausted")
)

// DefaultMaxCommitRetries 乐观提交重试上限
// 同一市场单序列处理下冲突应当罕见，重试耗尽说明撤单没有走同一序列
const DefaultMaxCommitRetries = 5

// =============================================================================
// Matcher
// =============================================================================

// Matcher 撮合器，实现价格优先、时间优先
type Matcher struct {
	store      *BookStore
	maxRetries int
	newID      func() int64
}

// NewMatcher 创建撮合器
func NewMatcher(store *BookStore) *Matcher {
	return &Matcher{
		store:      store,
		maxRetries: DefaultMaxCommitRetries,
		newID:      NextID,
	}
}

// =============================================================================
// 核心撮合
// =============================================================================

// Process 处理一个进场订单，返回按执行顺序排列的成交列表
//
// 对手盘流动性不足导致部分/零成交不是错误;
// 提交重试耗尽才是致命错误，成交列表连同错误一并返回。
func (m *Matcher) Process(taker *Order) ([]Fill, error) {
	fills, err := m.match(taker)
	return m.finish(taker, fills, err)
}

// match 撮合主循环
func (m *Matcher) match(taker *Order) ([]Fill, error) {
	var fills []Fill
	retries := 0

	for taker.RemainingQty() > 0 {
		// 1. 最优对手单
		maker, err := m.store.BestOpposite(taker.Market, taker.Side)
		if err != nil {
			return fills, fmt.Errorf("best opposite: %w", err)
		}
		if maker == nil {
			break // 对手盘空了
		}

		// 2. 价格交叉检验
		if !crosses(taker, maker) {
			break
		}

		// 3. 在副本上计算本次执行，提交成功才回写
		execQty := minQty(taker.RemainingQty(), maker.RemainingQty())
		expectedVersion := maker.Version

		mk := *maker
		mk.FilledQty += execQty
		if mk.IsFilled() {
			mk.Status = StatusFilled
		} else if !mk.Status.IsTerminal() {
			// 终态不可覆盖: 并发撤单赢了就让它赢
			mk.Status = StatusPartial
		}

		tk := *taker
		tk.FilledQty += execQty
		if tk.IsFilled() {
			tk.Status = StatusFilled
		} else {
			tk.Status = StatusPartial
		}

		trade := m.buildTrade(&tk, &mk, execQty)
		fill := buildFill(trade, tk.Product)

		// 4. 原子提交，条件: maker 版本未变
		err = m.store.CommitMatch(MatchCommit{
			Maker:                &mk,
			ExpectedMakerVersion: expectedVersion,
			Taker:                &tk,
			Trade:                trade,
			Fill:                 fill,
		})
		if err == ErrMakerChanged {
			// 输给了并发撤单/其他 taker: 重读重试，remaining 不减
			retries++
			if retries > m.maxRetries {
				return fills, fmt.Errorf("%w: order %d", ErrCommitRetriesExhausted, taker.OrderID)
			}
			continue
		}
		if err != nil {
			return fills, fmt.Errorf("commit match: %w", err)
		}

		// 5. 提交成功，回写 taker 并记录成交
		*taker = tk
		fills = append(fills, *fill)
		retries = 0
	}

	return fills, nil
}

// finish 剩余量处置，撮合出错同样执行:
// 提交中途失败的市价单不允许带着簿内残留返回
func (m *Matcher) finish(taker *Order, fills []Fill, err error) ([]Fill, error) {
	if taker.RemainingQty() <= 0 || taker.Status.IsTerminal() {
		return fills, err
	}
	if taker.CanRest() {
		// 限价单剩余挂簿; 有过成交则提交时已 upsert，零成交需新插入
		if err == nil && len(fills) == 0 {
			if rerr := m.store.UpsertOrder(taker); rerr != nil {
				return fills, fmt.Errorf("rest taker: %w", rerr)
			}
		}
		return fills, err
	}
	// 市价单剩余直接丢弃，不挂簿
	taker.Status = StatusCancelled
	if len(fills) > 0 {
		// 循环中被 upsert 过，撤下来
		if rerr := m.store.RemoveOrder(taker); rerr != nil {
			rerr = fmt.Errorf("drop market remainder: %w", rerr)
			if err == nil {
				return fills, rerr
			}
			return fills, errors.Join(err, rerr)
		}
	}
	return fills, err
}

// crosses 价格交叉检验
func crosses(taker, maker *Order) bool {
	if taker.Type == OrderTypeMarket {
		return true
	}
	if taker.Side == SideBuy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

// buildTrade 构造成交记录，买卖双方从 taker/maker 方向解析
func (m *Matcher) buildTrade(taker, maker *Order, execQty int64) *Trade {
	t := &Trade{
		TradeID:   m.newID(),
		Market:    taker.Market,
		Price:     maker.Price, // maker 价格优先，价格改善让利给挂单方
		Qty:       execQty,
		Timestamp: Now(),
	}
	if taker.Side == SideBuy {
		t.BuyOrderID, t.BuyUserID = taker.OrderID, taker.UserID
		t.SellOrderID, t.SellUserID = maker.OrderID, maker.UserID
	} else {
		t.BuyOrderID, t.BuyUserID = maker.OrderID, maker.UserID
		t.SellOrderID, t.SellUserID = taker.OrderID, taker.UserID
	}
	return t
}

func buildFill(t *Trade, product Product) *Fill {
	return &Fill{
		TradeID:     t.TradeID,
		Market:      t.Market,
		Product:     product,
		Price:       t.Price,
		Qty:         t.Qty,
		Buyer:       t.BuyUserID,
		Seller:      t.SellUserID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Timestamp:   t.Timestamp,
	}
}

func minQty(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
