package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex.com/pkg/fund"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
	"dex.com/pkg/settle"
)

const testMode = "test"

// =============================================================================
// 内存夹具
// =============================================================================

type memMarkets struct {
	mu    sync.Mutex
	metas map[string]*market.Meta
}

func (m *memMarkets) Create(_ context.Context, meta *market.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[meta.Symbol]; ok {
		return market.ErrSymbolExists
	}
	cp := *meta
	m.metas[meta.Symbol] = &cp
	return nil
}

func (m *memMarkets) GetBySymbol(_ context.Context, symbol, _ string) (*market.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[symbol]
	if !ok {
		return nil, market.ErrSymbolNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *memMarkets) UpdateStatus(_ context.Context, symbol, _ string, from, to market.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[symbol]
	if !ok || meta.Status != from {
		return market.ErrSymbolNotFound
	}
	meta.Status = to
	return nil
}

func (m *memMarkets) ListByStatus(context.Context, market.Status) ([]*market.Meta, error) {
	return nil, nil
}

func (m *memMarkets) ListExpired(context.Context, int64) ([]*market.Meta, error) {
	return nil, nil
}

type memHistory struct {
	mu   sync.Mutex
	recs map[int64]*OrderRecord
}

func newMemHistory() *memHistory { return &memHistory{recs: make(map[int64]*OrderRecord)} }

func (h *memHistory) Insert(_ context.Context, rec *OrderRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recs[rec.OrderID]; ok {
		return nil
	}
	cp := *rec
	h.recs[rec.OrderID] = &cp
	return nil
}

func (h *memHistory) UpdateExecution(_ context.Context, orderID, filledQty int64, status int8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.recs[orderID]; ok {
		rec.FilledQty = filledQty
		rec.Status = status
	}
	return nil
}

func (h *memHistory) GetByID(_ context.Context, orderID int64) (*OrderRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.recs[orderID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (h *memHistory) ListByUser(context.Context, int64, string, int) ([]*OrderRecord, error) {
	return nil, nil
}

type fixture struct {
	svc     *Service
	store   *match.BookStore
	ledger  *fund.MemoryLedger
	markets *memMarkets
	history *memHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := match.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	markets := &memMarkets{metas: make(map[string]*market.Meta)}
	require.NoError(t, markets.Create(context.Background(), &market.Meta{
		Symbol: "BTC_USDT", Mode: testMode, Type: match.ProductSpot,
		BaseAsset: "BTC", QuoteAsset: "USDT",
		TickSize: match.Precision / 100, LotSize: match.Precision / 10,
		Status: market.StatusActive,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	router := match.NewRouter(ctx, store)
	t.Cleanup(func() { router.Stop(); cancel() })

	ledger := fund.NewMemoryLedger()
	history := newMemHistory()
	oracle := &settle.StaticOracle{Prices: map[string]int64{"BTC_USDT": 100 * match.Precision}}
	svc := NewService(testMode, market.NewResolver(markets, testMode), markets,
		ledger, nil, router, store, oracle, history)

	return &fixture{svc: svc, store: store, ledger: ledger, markets: markets, history: history}
}

func buyLimit(user, price, qty int64) *match.Order {
	return &match.Order{
		UserID: user, Market: "BTC_USDT", Product: match.ProductSpot,
		Side: match.SideBuy, Type: match.OrderTypeLimit,
		Price: price, Qty: qty, Status: match.StatusNew,
	}
}

// =============================================================================
// 下单
// =============================================================================

// 限价买单: 扣减报价资产后挂簿
func TestService_PlaceOrderLocksAndRests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 200*match.Precision))

	o := buyLimit(1, 100*match.Precision, 2*match.Precision)
	fills, err := f.svc.PlaceOrder(ctx, o)
	require.NoError(t, err)
	assert.Empty(t, fills)

	bal, _ := f.ledger.Get(ctx, 1, testMode, "USDT")
	assert.Zero(t, bal.Available, "full notional must be debited")

	rested, err := f.store.GetOrder(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusNew, rested.Status)

	rec, err := f.history.GetByID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "USDT", rec.LockAsset)
	assert.Equal(t, int64(200*match.Precision), rec.LockAmount)
	assert.False(t, rec.LockPending)
}

// 余额不足: 拒单，不挂簿
func TestService_RejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := buyLimit(1, 100*match.Precision, 2*match.Precision)
	_, err := f.svc.PlaceOrder(ctx, o)
	require.ErrorIs(t, err, fund.ErrInsufficientBalance)

	if o.OrderID != 0 {
		_, gerr := f.store.GetOrder(o.OrderID)
		assert.ErrorIs(t, gerr, match.ErrOrderNotFound)
	}
}

// tick 不对齐拒单
func TestService_RejectsMisalignedPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 1000*match.Precision))

	o := buyLimit(1, 100*match.Precision+1, match.Precision)
	_, err := f.svc.PlaceOrder(ctx, o)
	require.ErrorIs(t, err, market.ErrTickSize)
}

// 买卖成交: 成交入结算队列
func TestService_MatchProducesFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 100*match.Precision))
	require.NoError(t, f.ledger.Credit(ctx, 2, testMode, "BTC", match.Precision))

	sell := &match.Order{
		UserID: 2, Market: "BTC_USDT", Product: match.ProductSpot,
		Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: 100 * match.Precision, Qty: match.Precision, Status: match.StatusNew,
	}
	_, err := f.svc.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	buy := buyLimit(1, 100*match.Precision, match.Precision)
	fills, err := f.svc.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, match.StatusFilled, buy.Status)

	queued, err := f.store.ScanFills(match.FillStateNew, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

// 买单按限价预扣，成交在更优的 maker 价: 差价逐笔退回
func TestService_BuyerRefundOnPriceImprovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 500*match.Precision))
	require.NoError(t, f.ledger.Credit(ctx, 2, testMode, "BTC", 5*match.Precision))

	sell := &match.Order{
		UserID: 2, Market: "BTC_USDT", Product: match.ProductSpot,
		Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: 99 * match.Precision, Qty: 5 * match.Precision, Status: match.StatusNew,
	}
	_, err := f.svc.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	buy := buyLimit(1, 100*match.Precision, 5*match.Precision)
	fills, err := f.svc.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(99*match.Precision), fills[0].Price)

	// 预扣 5×100=500，成交实付 5×99=495，差价 5 退回可用
	bal, err := f.ledger.Get(ctx, 1, testMode, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(5*match.Precision), bal.Available)
	assert.Zero(t, bal.Locked)
}

// =============================================================================
// 撤单
// =============================================================================

// 撤单释放剩余抵押，重复撤单不重复释放
func TestService_CancelReleasesCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 200*match.Precision))

	o := buyLimit(1, 100*match.Precision, 2*match.Precision)
	_, err := f.svc.PlaceOrder(ctx, o)
	require.NoError(t, err)

	got, err := f.svc.CancelOrder(ctx, "BTC_USDT", o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusCancelled, got.Status)

	bal, _ := f.ledger.Get(ctx, 1, testMode, "USDT")
	assert.Equal(t, int64(200*match.Precision), bal.Available, "exact lock must come back")

	// 已出簿且历史终态: 重投幂等返回，不重复释放
	again, err := f.svc.CancelOrder(ctx, "BTC_USDT", o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusCancelled, again.Status)
	bal, _ = f.ledger.Get(ctx, 1, testMode, "USDT")
	assert.Equal(t, int64(200*match.Precision), bal.Available)

	// 从未存在过的订单还是报不存在
	_, err = f.svc.CancelOrder(ctx, "BTC_USDT", 424242)
	assert.ErrorIs(t, err, match.ErrOrderNotFound)
}

// 撤单出簿后释放中断: 重投按历史快照补释放，且只补一次
func TestService_CancelRedeliveryCompletesRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 200*match.Precision))

	o := buyLimit(1, 100*match.Precision, 2*match.Precision)
	_, err := f.svc.PlaceOrder(ctx, o)
	require.NoError(t, err)

	// 模拟上次撤单在释放前中断: 订单已离簿，历史停在非终态，抵押未退
	rested, err := f.store.GetOrder(o.OrderID)
	require.NoError(t, err)
	rested.Status = match.StatusCancelled
	require.NoError(t, f.store.RemoveOrder(rested))

	got, err := f.svc.CancelOrder(ctx, "BTC_USDT", o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusCancelled, got.Status)
	bal, err := f.ledger.Get(ctx, 1, testMode, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(200*match.Precision), bal.Available, "snapshot release must restore the lock")

	rec, err := f.history.GetByID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int8(match.StatusCancelled), rec.Status)

	// 再重投: 历史已终态，不再动余额
	_, err = f.svc.CancelOrder(ctx, "BTC_USDT", o.OrderID)
	require.NoError(t, err)
	bal, _ = f.ledger.Get(ctx, 1, testMode, "USDT")
	assert.Equal(t, int64(200*match.Precision), bal.Available)
}

// =============================================================================
// 衍生品
// =============================================================================

// 卖单惰性创建 instrument，买单买不到不存在的
func TestService_LazyInstrumentCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 2, testMode, "BTC", 10*match.Precision))

	symbol := "BTC_USDT-20260925-5000000000000-C"
	sell := &match.Order{
		UserID: 2, Market: symbol, Product: match.ProductOption,
		OptionKind: match.OptionCall, Underlying: "BTC_USDT",
		Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: match.Precision, Qty: 2 * match.Precision,
		Strike: 50000 * match.Precision, ExpiryTs: 1950000000000,
		Status: match.StatusNew,
	}
	_, err := f.svc.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	meta, err := f.markets.GetBySymbol(ctx, symbol, testMode)
	require.NoError(t, err)
	assert.Equal(t, match.ProductOption, meta.Type)
	assert.Equal(t, "BTC_USDT", meta.Underlying)

	// 备兑锁定 qty×lot = 0.2 BTC
	bal, _ := f.ledger.Get(ctx, 2, testMode, "BTC")
	assert.Equal(t, int64(2*match.Precision/10), bal.Locked)

	// 不存在的 instrument 买不到
	buy := &match.Order{
		UserID: 1, Market: "BTC_USDT-20261225-5000000000000-C", Product: match.ProductOption,
		OptionKind: match.OptionCall, Underlying: "BTC_USDT",
		Side: match.SideBuy, Type: match.OrderTypeLimit,
		Price: match.Precision, Qty: match.Precision,
		Strike: 50000 * match.Precision, ExpiryTs: 1958000000000,
		Status: match.StatusNew,
	}
	_, err = f.svc.PlaceOrder(ctx, buy)
	assert.ErrorIs(t, err, market.ErrInstrumentNotFound)
}

// 衍生品成交建仓
func TestService_DerivativeFillOpensPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 1000*match.Precision))
	require.NoError(t, f.ledger.Credit(ctx, 2, testMode, "BTC", 10*match.Precision))

	symbol := "BTC_USDT-20260925-5000000000000-C"
	sell := &match.Order{
		UserID: 2, Market: symbol, Product: match.ProductOption,
		OptionKind: match.OptionCall, Underlying: "BTC_USDT",
		Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: match.Precision, Qty: match.Precision,
		Strike: 50000 * match.Precision, ExpiryTs: 1950000000000,
		Status: match.StatusNew,
	}
	_, err := f.svc.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	buy := &match.Order{
		UserID: 1, Market: symbol, Product: match.ProductOption,
		OptionKind: match.OptionCall, Underlying: "BTC_USDT",
		Side: match.SideBuy, Type: match.OrderTypeLimit,
		Price: match.Precision, Qty: match.Precision,
		Strike: 50000 * match.Precision, ExpiryTs: 1950000000000,
		Status: match.StatusNew,
	}
	fills, err := f.svc.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	long, err := f.store.GetPosition(symbol, 1)
	require.NoError(t, err)
	require.NotNil(t, long)
	assert.Equal(t, match.Precision, int(long.Size))

	short, err := f.store.GetPosition(symbol, 2)
	require.NoError(t, err)
	require.NotNil(t, short)
	assert.Equal(t, -match.Precision, int(short.Size))
	assert.Positive(t, short.Margin)
}

// 卖方吃单成交在更优价: 持仓保证金按其冻结基准 (自身限价) 计，
// 与锁定额精确一致，到期解锁不下溢
func TestService_SellerMarginUsesFrozenBasis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	symbol := "BTC_USDT-20310925"
	require.NoError(t, f.markets.Create(ctx, &market.Meta{
		Symbol: symbol, Mode: testMode, Type: match.ProductFuture,
		BaseAsset: "BTC", QuoteAsset: "USDT", Underlying: "BTC_USDT",
		TickSize: match.Precision / 100, LotSize: match.Precision / 10,
		Status: market.StatusActive, ExpiryTs: 1950000000000,
	}))
	require.NoError(t, f.ledger.Credit(ctx, 1, testMode, "USDT", 200*match.Precision))
	require.NoError(t, f.ledger.Credit(ctx, 2, testMode, "USDT", 20*match.Precision))

	maker := &match.Order{
		UserID: 1, Market: symbol, Product: match.ProductFuture, Underlying: "BTC_USDT",
		Side: match.SideBuy, Type: match.OrderTypeLimit,
		Price: 100 * match.Precision, Qty: match.Precision,
		ExpiryTs: 1950000000000, Status: match.StatusNew,
	}
	_, err := f.svc.PlaceOrder(ctx, maker)
	require.NoError(t, err)

	// 卖方限价 90 吃 100 的买单，成交价 100 (maker 价)
	taker := &match.Order{
		UserID: 2, Market: symbol, Product: match.ProductFuture, Underlying: "BTC_USDT",
		Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: 90 * match.Precision, Qty: match.Precision,
		ExpiryTs: 1950000000000, Status: match.StatusNew,
	}
	fills, err := f.svc.PlaceOrder(ctx, taker)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(100*match.Precision), fills[0].Price)

	// 冻结 90/10 = 9: 持仓保证金必须等于冻结额，不是成交价算出的 10
	short, err := f.store.GetPosition(symbol, 2)
	require.NoError(t, err)
	require.NotNil(t, short)
	assert.Equal(t, int64(9*match.Precision), short.Margin)
	bal, err := f.ledger.Get(ctx, 2, testMode, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(9*match.Precision), bal.Locked)
}

// =============================================================================
// 入口校验
// =============================================================================

func TestRequest_Validate(t *testing.T) {
	good := &Request{
		Action: ActionSubmit, Market: "BTC_USDT", UserID: 1,
		Side: match.SideBuy, Type: match.OrderTypeLimit, Price: 1, Qty: 1,
	}
	require.NoError(t, good.Validate())

	bad := []*Request{
		{Action: ActionSubmit, Market: "", UserID: 1, Side: match.SideBuy, Type: match.OrderTypeLimit, Price: 1, Qty: 1},
		{Action: ActionSubmit, Market: "X", UserID: 1, Side: 3, Type: match.OrderTypeLimit, Price: 1, Qty: 1},
		{Action: ActionSubmit, Market: "X", UserID: 1, Side: match.SideBuy, Type: match.OrderTypeLimit, Price: 0, Qty: 1},
		{Action: ActionCancel, Market: "X", OrderID: 0},
		{Action: "NOPE", Market: "X"},
	}
	for i, r := range bad {
		if !errors.Is(r.Validate(), ErrBadRequest) {
			t.Errorf("case %d should fail", i)
		}
	}
}
