// 文件: pkg/match/store.go
// 订单簿持久化存储 - Pebble (LSM KV) 实现
//
// 【核心职责】
// 1. 订单按排序键落盘，范围扫描第一条即最优对手单
// 2. 撮合提交: maker 更新 + taker 更新 + 成交插入 + 结算入队，单个 Batch 原子写
// 3. 乐观并发: 提交前校验 maker 版本号，版本不一致返回 ErrMakerChanged
//
// 【为什么是 KV 而不是关系库】
// 撮合路径只需要 "前缀下第一个 key" 和 "多条记录原子写" 两种能力，
// LSM 的有序迭代器和 Batch 恰好各给一个，且无网络往返。

package match

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTradeNotFound = errors.New("trade not found")
	ErrMakerChanged  = errors.New("maker changed since read")
)

// =============================================================================
// 结算队列状态 (outbox)
// =============================================================================

// FillState 结算队列中一条 fill 的状态
type FillState uint8

const (
	FillStateNew  FillState = iota // 待提交
	FillStateSent                  // 已提交，等待回执
)

func (s FillState) String() string {
	if s == FillStateSent {
		return "SENT"
	}
	return "NEW"
}

// FillRecord 结算队列记录
// 撮合/交割写入，结算管道消费，确认后删除
type FillRecord struct {
	Fill        Fill      `json:"fill"`
	State       FillState `json:"state"`
	Attempts    int       `json:"attempts"`
	LastAttempt int64     `json:"last_attempt"`
}

// =============================================================================
// BookStore
// =============================================================================

// BookStore 订单簿 / 成交 / 持仓 / 结算队列的统一 KV 存储
type BookStore struct {
	db *pebble.DB

	// 读-校验-提交需要互斥，防止两次 CommitMatch 交错
	// (同一市场由单一撮合循环驱动，这里主要防御跨入口的撤单/交割)
	mu sync.Mutex
}

// OpenStore 打开存储
func OpenStore(dir string) (*BookStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // 撮合状态必须可恢复
	})
	if err != nil {
		return nil, fmt.Errorf("open book store: %w", err)
	}
	return &BookStore{db: db}, nil
}

// Close 关闭存储
func (s *BookStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// 订单操作
// =============================================================================

// 订单 ID 二级索引: ix/{id} → 排序键
// 撤单入口只有 orderID，需要反查订单在簿中的位置
func orderIndexKey(orderID int64) []byte {
	return []byte(fmt.Sprintf("ix/%0*d", idWidth, orderID))
}

// UpsertOrder 写入/更新订单 (排序键 + ID 索引)，版本号 +1
func (s *BookStore) UpsertOrder(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.batchUpsertOrder(b, o); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

func (s *BookStore) batchUpsertOrder(b *pebble.Batch, o *Order) error {
	o.Version++
	key := EncodeBookKey(o.Market, o.Side, o.Price, o.CreatedAt, o.OrderID)
	val, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := b.Set(key, val, nil); err != nil {
		return err
	}
	return b.Set(orderIndexKey(o.OrderID), key, nil)
}

func (s *BookStore) batchRemoveOrder(b *pebble.Batch, o *Order) error {
	key := EncodeBookKey(o.Market, o.Side, o.Price, o.CreatedAt, o.OrderID)
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return b.Delete(orderIndexKey(o.OrderID), nil)
}

// GetOrder 按订单 ID 查询
func (s *BookStore) GetOrder(orderID int64) (*Order, error) {
	keyVal, closer, err := s.db.Get(orderIndexKey(orderID))
	if err == pebble.ErrNotFound {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), keyVal...)
	closer.Close()

	return s.getOrderByKey(key)
}

func (s *BookStore) getOrderByKey(key []byte) (*Order, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var o Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// RemoveOrder 从簿中移除订单 (终态订单)
func (s *BookStore) RemoveOrder(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.batchRemoveOrder(b, o); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

// BestOpposite 查询 taker 对手方向的最优挂单
// 排序键保证前缀下第一个 key 即最优价格、最早时间
// 无对手盘返回 (nil, nil)
func (s *BookStore) BestOpposite(market string, takerSide Side) (*Order, error) {
	prefix := BookSidePrefix(market, takerSide.Opposite())
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.First() {
		return nil, nil
	}
	var o Order
	if err := json.Unmarshal(iter.Value(), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ScanSide 扫描某市场某方向的全部挂单 (到期清理用)
func (s *BookStore) ScanSide(market string, side Side, fn func(*Order) error) error {
	prefix := BookSidePrefix(market, side)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
	}
	return iter.Error()
}

// =============================================================================
// 撮合提交 (核心原子操作)
// =============================================================================

// MatchCommit 一次撮合执行需要原子落盘的全部变更
type MatchCommit struct {
	// Maker 更新后的 maker 订单
	Maker *Order
	// ExpectedMakerVersion 读取时的 maker 版本，提交条件
	ExpectedMakerVersion int64
	// Taker 更新后的 taker 订单
	Taker *Order
	// Trade 本次成交
	Trade *Trade
	// Fill 结算入队记录
	Fill *Fill
}

// CommitMatch 原子提交一次撮合
//
// 以 maker 版本号为条件: 若 maker 已被撤单或被其他 taker 消耗，
// 返回 ErrMakerChanged，调用方重读重试，remaining 不变。
func (s *BookStore) CommitMatch(c MatchCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 条件校验: maker 仍存在且未被动过
	current, err := s.GetOrder(c.Maker.OrderID)
	if err == ErrOrderNotFound {
		return ErrMakerChanged
	}
	if err != nil {
		return err
	}
	if current.Version != c.ExpectedMakerVersion {
		return ErrMakerChanged
	}

	b := s.db.NewBatch()
	defer b.Close()

	// 1. maker: 完全成交则移除，否则更新
	if c.Maker.Status.IsTerminal() {
		if err := s.batchRemoveOrder(b, c.Maker); err != nil {
			return err
		}
	} else {
		if err := s.batchUpsertOrder(b, c.Maker); err != nil {
			return err
		}
	}

	// 2. taker: 未到终态则 upsert (首次迭代即插入新行)
	if c.Taker.Status.IsTerminal() {
		if err := s.batchRemoveOrder(b, c.Taker); err != nil {
			return err
		}
	} else {
		if err := s.batchUpsertOrder(b, c.Taker); err != nil {
			return err
		}
	}

	// 3. 成交记录
	if err := s.batchPutTrade(b, c.Trade); err != nil {
		return err
	}

	// 4. 结算入队
	if err := s.batchPutFill(b, &FillRecord{Fill: *c.Fill, State: FillStateNew}); err != nil {
		return err
	}

	return s.db.Apply(b, pebble.Sync)
}

// =============================================================================
// 成交操作
// =============================================================================

func (s *BookStore) batchPutTrade(b *pebble.Batch, t *Trade) error {
	val, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(TradeKey(t.Market, t.Timestamp, t.TradeID), val, nil)
}

// GetTrade 查询成交
func (s *BookStore) GetTrade(market string, ts, tradeID int64) (*Trade, error) {
	val, closer, err := s.db.Get(TradeKey(market, ts, tradeID))
	if err == pebble.ErrNotFound {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var t Trade
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// 持仓操作
// =============================================================================

// GetPosition 查询持仓
func (s *BookStore) GetPosition(market string, userID int64) (*Position, error) {
	val, closer, err := s.db.Get(PositionKey(market, userID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var p Position
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPosition 写入持仓 (Size 归零则删除)
func (s *BookStore) UpsertPosition(p *Position) error {
	if p.Size == 0 {
		return s.db.Delete(PositionKey(p.Market, p.UserID), pebble.Sync)
	}
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(PositionKey(p.Market, p.UserID), val, pebble.Sync)
}

// ScanPositions 扫描某市场的全部持仓
func (s *BookStore) ScanPositions(market string, fn func(*Position) error) error {
	prefix := PositionPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var p Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
	}
	return iter.Error()
}

// SettlePosition 交割一个持仓: 结算 fill 入队 + 删除持仓，同一 Batch
//
// 【重跑安全】持仓删除与 fill 落盘是同一原子步骤，
// 交割扫描重复运行不会产生二次结算。
func (s *BookStore) SettlePosition(p *Position, trade *Trade, fill *Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if err := s.batchPutTrade(b, trade); err != nil {
		return err
	}
	if err := s.batchPutFill(b, &FillRecord{Fill: *fill, State: FillStateNew}); err != nil {
		return err
	}
	if err := b.Delete(PositionKey(p.Market, p.UserID), nil); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

// =============================================================================
// 结算队列 (outbox)
// =============================================================================

func (s *BookStore) batchPutFill(b *pebble.Batch, rec *FillRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set(FillKey(rec.Fill.TradeID), val, nil)
}

// EnqueueFill 单独入队一条结算 fill
func (s *BookStore) EnqueueFill(fill *Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.batchPutFill(b, &FillRecord{Fill: *fill, State: FillStateNew}); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

// ScanFills 按状态扫描结算队列
func (s *BookStore) ScanFills(state FillState, limit int) ([]FillRecord, error) {
	prefix := []byte(prefixFill)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []FillRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec FillRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.State != state {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MarkFillsSent 批量置 SENT (提交前)
func (s *BookStore) MarkFillsSent(recs []FillRecord) error {
	b := s.db.NewBatch()
	defer b.Close()

	now := time.Now().UnixNano()
	for i := range recs {
		recs[i].State = FillStateSent
		recs[i].Attempts++
		recs[i].LastAttempt = now
		if err := s.batchPutFill(b, &recs[i]); err != nil {
			return err
		}
	}
	return s.db.Apply(b, pebble.Sync)
}

// RequeueFills 提交失败，批量回退到 NEW，等待重试
func (s *BookStore) RequeueFills(recs []FillRecord) error {
	b := s.db.NewBatch()
	defer b.Close()

	for i := range recs {
		recs[i].State = FillStateNew
		if err := s.batchPutFill(b, &recs[i]); err != nil {
			return err
		}
	}
	return s.db.Apply(b, pebble.Sync)
}

// AckFills 提交成功: 标记成交已结算 + 删除队列记录，同一 Batch
// 任何一条失败都不落盘，fill 不会静默丢失
func (s *BookStore) AckFills(recs []FillRecord, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	for i := range recs {
		f := &recs[i].Fill
		trade, err := s.GetTrade(f.Market, f.Timestamp, f.TradeID)
		if err == nil {
			trade.Settled = true
			trade.TxRef = txRef
			if err := s.batchPutTrade(b, trade); err != nil {
				return err
			}
		} else if err != ErrTradeNotFound {
			return err
		}
		if err := b.Delete(FillKey(f.TradeID), nil); err != nil {
			return err
		}
	}
	return s.db.Apply(b, pebble.Sync)
}

// DeadLetterFills 重试耗尽，移入死信区等待人工对账
func (s *BookStore) DeadLetterFills(recs []FillRecord) error {
	b := s.db.NewBatch()
	defer b.Close()

	for i := range recs {
		val, err := json.Marshal(&recs[i])
		if err != nil {
			return err
		}
		if err := b.Set(DeadLetterKey(recs[i].Fill.TradeID), val, nil); err != nil {
			return err
		}
		if err := b.Delete(FillKey(recs[i].Fill.TradeID), nil); err != nil {
			return err
		}
	}
	return s.db.Apply(b, pebble.Sync)
}
