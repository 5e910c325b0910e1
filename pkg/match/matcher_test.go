package match

import (
	"errors"
	"testing"
)

func newTestMatcher(t *testing.T) (*Matcher, *BookStore) {
	t.Helper()
	store := newTestStore(t)
	m := NewMatcher(store)
	// 测试里用确定性 ID
	next := int64(1000)
	m.newID = func() int64 { next++; return next }
	return m, store
}

// =============================================================================
// 基本撮合
// =============================================================================

// 无对手盘: 限价单整单挂簿
func TestMatcher_LimitRestsWhenNoLiquidity(t *testing.T) {
	m, store := newTestMatcher(t)

	taker := limitOrder(1, 100, SideBuy, 100*Precision, 2*Precision)
	fills, err := m.Process(taker)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("expected no fills, got %d", len(fills))
	}
	rested, err := store.GetOrder(1)
	if err != nil {
		t.Fatalf("taker should rest: %v", err)
	}
	if rested.Status != StatusNew || rested.FilledQty != 0 {
		t.Errorf("rested order: %+v", rested)
	}
}

// 部分成交: maker 剩余量更新，taker 剩余量挂簿
func TestMatcher_PartialFill(t *testing.T) {
	m, store := newTestMatcher(t)

	maker := limitOrder(1, 100, SideSell, 100*Precision, Precision)
	if err := store.UpsertOrder(maker); err != nil {
		t.Fatal(err)
	}

	taker := limitOrder(2, 200, SideBuy, 100*Precision, 3*Precision)
	fills, err := m.Process(taker)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != Precision {
		t.Fatalf("expected single fill of 1, got %+v", fills)
	}
	if taker.Status != StatusPartial || taker.RemainingQty() != 2*Precision {
		t.Errorf("taker: %+v", taker)
	}

	// maker 完全成交出簿，taker 剩余挂簿
	if _, err := store.GetOrder(1); err != ErrOrderNotFound {
		t.Errorf("filled maker should leave the book, got %v", err)
	}
	rested, err := store.GetOrder(2)
	if err != nil {
		t.Fatalf("taker remainder should rest: %v", err)
	}
	if rested.RemainingQty() != 2*Precision {
		t.Errorf("rested remainder: %+v", rested)
	}
}

// 成交价 = maker 价格 (价格改善让利给先挂单方)
func TestMatcher_TradesAtMakerPrice(t *testing.T) {
	m, store := newTestMatcher(t)

	maker := limitOrder(1, 100, SideSell, 95*Precision, Precision)
	if err := store.UpsertOrder(maker); err != nil {
		t.Fatal(err)
	}

	taker := limitOrder(2, 200, SideBuy, 100*Precision, Precision)
	fills, err := m.Process(taker)
	if err != nil || len(fills) != 1 {
		t.Fatalf("fills=%v err=%v", fills, err)
	}
	if fills[0].Price != 95*Precision {
		t.Errorf("expected trade at maker price 95, got %d", fills[0].Price)
	}
	if fills[0].Buyer != 200 || fills[0].Seller != 100 {
		t.Errorf("buyer/seller mapping wrong: %+v", fills[0])
	}
}

// 不交叉不成交
func TestMatcher_NoCrossNoTrade(t *testing.T) {
	m, store := newTestMatcher(t)

	maker := limitOrder(1, 100, SideSell, 101*Precision, Precision)
	if err := store.UpsertOrder(maker); err != nil {
		t.Fatal(err)
	}

	taker := limitOrder(2, 200, SideBuy, 100*Precision, Precision)
	fills, err := m.Process(taker)
	if err != nil || len(fills) != 0 {
		t.Fatalf("expected no trade, fills=%v err=%v", fills, err)
	}
	// 双方都在簿上
	if _, err := store.GetOrder(1); err != nil {
		t.Error("maker must stay")
	}
	if _, err := store.GetOrder(2); err != nil {
		t.Error("taker must rest")
	}
}

// =============================================================================
// 优先级
// =============================================================================

// 价格优先: 吃多个价位时从最优开始
func TestMatcher_PricePriority(t *testing.T) {
	m, store := newTestMatcher(t)

	for i, price := range []int64{102, 100, 101} {
		o := limitOrder(int64(i+1), 100, SideSell, price*Precision, Precision)
		if err := store.UpsertOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	taker := limitOrder(10, 200, SideBuy, 102*Precision, 3*Precision)
	fills, err := m.Process(taker)
	if err != nil || len(fills) != 3 {
		t.Fatalf("fills=%d err=%v", len(fills), err)
	}
	want := []int64{100, 101, 102}
	for i, f := range fills {
		if f.Price != want[i]*Precision {
			t.Errorf("fill %d: expected price %d, got %d", i, want[i], f.Price/Precision)
		}
	}
}

// 时间优先: 同价先到先成交
func TestMatcher_TimePriority(t *testing.T) {
	m, store := newTestMatcher(t)

	early := limitOrder(1, 101, SideSell, 100*Precision, Precision)
	early.CreatedAt = 1000
	late := limitOrder(2, 102, SideSell, 100*Precision, Precision)
	late.CreatedAt = 2000
	for _, o := range []*Order{late, early} {
		if err := store.UpsertOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	taker := limitOrder(10, 200, SideBuy, 100*Precision, Precision)
	fills, err := m.Process(taker)
	if err != nil || len(fills) != 1 {
		t.Fatalf("fills=%v err=%v", fills, err)
	}
	if fills[0].Seller != 101 {
		t.Errorf("earlier maker must fill first, got seller %d", fills[0].Seller)
	}
}

// =============================================================================
// 市价单
// =============================================================================

// 市价单扫簿后剩余量作废，不挂簿
func TestMatcher_MarketOrderResidualDiscarded(t *testing.T) {
	m, store := newTestMatcher(t)

	maker := limitOrder(1, 100, SideSell, 100*Precision, Precision)
	if err := store.UpsertOrder(maker); err != nil {
		t.Fatal(err)
	}

	taker := &Order{
		OrderID: 2, UserID: 200, Side: SideBuy, Type: OrderTypeMarket,
		Qty: 5 * Precision, CreatedAt: 10, Market: "BTC_USDT", Product: ProductSpot,
	}
	fills, err := m.Process(taker)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != Precision {
		t.Fatalf("fills=%+v", fills)
	}
	if taker.Status != StatusCancelled {
		t.Errorf("market residual must cancel, got %s", taker.Status)
	}
	if _, err := store.GetOrder(2); err != ErrOrderNotFound {
		t.Errorf("market order must not rest, got %v", err)
	}
}

// 零成交市价单同样不挂簿
func TestMatcher_MarketOrderEmptyBook(t *testing.T) {
	m, store := newTestMatcher(t)

	taker := &Order{
		OrderID: 1, UserID: 200, Side: SideSell, Type: OrderTypeMarket,
		Qty: Precision, CreatedAt: 10, Market: "BTC_USDT", Product: ProductSpot,
	}
	fills, err := m.Process(taker)
	if err != nil || len(fills) != 0 {
		t.Fatalf("fills=%v err=%v", fills, err)
	}
	if taker.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", taker.Status)
	}
	if _, err := store.GetOrder(1); err != ErrOrderNotFound {
		t.Error("market order must not rest")
	}
}

// =============================================================================
// 守恒与不超卖
// =============================================================================

func TestMatcher_Conservation(t *testing.T) {
	m, store := newTestMatcher(t)

	// 三个卖单合计 6
	for i := int64(1); i <= 3; i++ {
		o := limitOrder(i, 100+i, SideSell, 100*Precision, i*Precision)
		if err := store.UpsertOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	taker := limitOrder(10, 200, SideBuy, 100*Precision, 10*Precision)
	fills, err := m.Process(taker)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var total int64
	for _, f := range fills {
		if f.Qty <= 0 {
			t.Errorf("non-positive fill qty: %+v", f)
		}
		total += f.Qty
	}
	if total != 6*Precision {
		t.Errorf("expected total executed 6, got %d", total/Precision)
	}
	if taker.FilledQty != total {
		t.Errorf("taker filled %d != fills total %d", taker.FilledQty, total)
	}
	if taker.FilledQty > taker.Qty {
		t.Error("overfill")
	}

	// 每笔成交进了结算队列
	recs, _ := store.ScanFills(FillStateNew, 0)
	if len(recs) != len(fills) {
		t.Errorf("queued %d fills, executed %d", len(recs), len(fills))
	}
}

// =============================================================================
// 出错路径
// =============================================================================

// 撮合中途出错返回时，市价单残留不允许留在簿里
func TestMatcher_ErrorPathDropsMarketRemainder(t *testing.T) {
	m, store := newTestMatcher(t)

	taker := limitOrder(7, 300, SideBuy, 0, 2*Precision)
	taker.Type = OrderTypeMarket
	taker.FilledQty = Precision
	taker.Status = StatusPartial
	// 模拟循环内提交把部分成交的 taker upsert 进簿后出错返回
	if err := store.UpsertOrder(taker); err != nil {
		t.Fatal(err)
	}

	fills := []Fill{{TradeID: 1, Qty: Precision}}
	_, err := m.finish(taker, fills, ErrCommitRetriesExhausted)
	if !errors.Is(err, ErrCommitRetriesExhausted) {
		t.Fatalf("commit error must propagate, got %v", err)
	}
	if taker.Status != StatusCancelled {
		t.Errorf("market remainder must be dropped, status=%s", taker.Status)
	}
	if _, gerr := store.GetOrder(taker.OrderID); gerr != ErrOrderNotFound {
		t.Errorf("market remainder left in book: %v", gerr)
	}
}
