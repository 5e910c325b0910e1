package match

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) (*Engine, *BookStore) {
	t.Helper()
	store := newTestStore(t)
	e := NewEngine(DefaultEngineConfig("BTC_USDT"), store)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, store
}

// =============================================================================
// 下单 / 撤单
// =============================================================================

func TestEngine_SubmitAndMatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sell := limitOrder(0, 100, SideSell, 100*Precision, Precision)
	sell.OrderID = 0 // 引擎分配 ID
	if _, err := e.Process(ctx, sell); err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	if sell.OrderID == 0 {
		t.Fatal("engine must assign order id")
	}

	buy := limitOrder(0, 200, SideBuy, 100*Precision, Precision)
	buy.OrderID = 0
	fills, err := e.Process(ctx, buy)
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != Precision {
		t.Fatalf("fills=%+v", fills)
	}
	if buy.Status != StatusFilled {
		t.Errorf("buy status: %s", buy.Status)
	}
}

func TestEngine_Cancel(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	o := limitOrder(0, 100, SideBuy, 100*Precision, Precision)
	o.OrderID = 0
	if _, err := e.Process(ctx, o); err != nil {
		t.Fatal(err)
	}

	got, err := e.Cancel(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status: %s", got.Status)
	}
	if _, err := store.GetOrder(o.OrderID); err != ErrOrderNotFound {
		t.Error("cancelled order must leave the book")
	}

	// 不存在的订单
	if _, err := e.Cancel(ctx, 999999); err != ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

// 终态订单撤单幂等: 返回当前状态，不报错
func TestEngine_CancelTerminalIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	o := limitOrder(0, 100, SideBuy, 100*Precision, Precision)
	o.OrderID = 0
	if _, err := e.Process(ctx, o); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cancel(ctx, o.OrderID); err != nil {
		t.Fatal(err)
	}
	// 第二次撤单: 订单已出簿
	if _, err := e.Cancel(ctx, o.OrderID); err != ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound on re-cancel, got %v", err)
	}
}

// =============================================================================
// 事件
// =============================================================================

func TestEngine_Events(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []EventType
	done := make(chan struct{}, 8)
	e.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	sell := limitOrder(0, 100, SideSell, 100*Precision, Precision)
	sell.OrderID = 0
	if _, err := e.Process(ctx, sell); err != nil {
		t.Fatal(err)
	}
	buy := limitOrder(0, 200, SideBuy, 100*Precision, Precision)
	buy.OrderID = 0
	if _, err := e.Process(ctx, buy); err != nil {
		t.Fatal(err)
	}

	// accepted ×2 + trade ×1
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	var accepted, trades int
	for _, ev := range events {
		switch ev {
		case EventOrderAccepted:
			accepted++
		case EventTrade:
			trades++
		}
	}
	if accepted != 2 || trades != 1 {
		t.Errorf("events: accepted=%d trades=%d", accepted, trades)
	}
}

// =============================================================================
// 同市场顺序性
// =============================================================================

// 并发提交一批买卖单，结束后簿与成交守恒
func TestEngine_ConcurrentSubmits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var executed int64

	for i := 0; i < 20; i++ {
		wg.Add(1)
		side := SideBuy
		if i%2 == 0 {
			side = SideSell
		}
		go func(side Side) {
			defer wg.Done()
			o := &Order{
				UserID: 100, Side: side, Type: OrderTypeLimit,
				Price: 100 * Precision, Qty: Precision,
				Market: "BTC_USDT", Product: ProductSpot, Status: StatusNew,
			}
			fills, err := e.Process(ctx, o)
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			mu.Lock()
			for _, f := range fills {
				executed += f.Qty
			}
			mu.Unlock()
		}(side)
	}
	wg.Wait()

	// 10 买 10 卖同价，全部应当互相成交
	if executed != 10*Precision {
		t.Errorf("expected 10 executed, got %d", executed/Precision)
	}
}

// =============================================================================
// 统计
// =============================================================================

// 统计计数在撮合线程写、外部线程读
func TestEngine_StatsConcurrentReads(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var rg sync.WaitGroup
	rg.Add(1)
	go func() {
		defer rg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = e.Stats()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o := &Order{
				UserID: int64(n + 1), Side: SideBuy, Type: OrderTypeLimit,
				Price: 100 * Precision, Qty: Precision,
				Market: "BTC_USDT", Product: ProductSpot, Status: StatusNew,
			}
			if _, err := e.Process(ctx, o); err != nil {
				t.Errorf("process: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	rg.Wait()

	if got := e.Stats().OrdersProcessed; got != 8 {
		t.Errorf("orders processed: %d", got)
	}
}
