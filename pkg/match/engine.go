// 文件: pkg/match/engine.go
// 单市场撮合引擎
//
// 【并发模型】
// 同一市场的全部订单事件 (下单 + 撤单) 走同一条有序 channel，
// 由单个 goroutine 顺序消费: 后到订单一定能看到前一个订单已提交的簿状态，
// 撤单与撮合天然串行，乐观提交冲突只剩跨市场入口这一种来源。
// 不同市场各有一个引擎，完全并行。

package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrQueueFull     = errors.New("order queue full")
	ErrEngineStopped = errors.New("engine stopped")
)

// =============================================================================
// 事件定义
// =============================================================================

type EventType int

const (
	EventTrade          EventType = iota // 成交
	EventOrderAccepted                   // 订单接受 (挂簿或部分成交)
	EventOrderCancelled                  // 订单撤销
	EventOrderExpired                    // 订单到期移除
)

// Event 引擎对外事件
// handler 在独立分发线程执行，失败不回滚、不阻塞撮合提交
type Event struct {
	Type      EventType
	Timestamp int64
	Order     *Order
	Fill      *Fill
}

// EventHandler 事件处理器
type EventHandler func(Event)

// =============================================================================
// 命令定义
// =============================================================================

type cmdKind int8

const (
	cmdSubmit cmdKind = iota + 1
	cmdCancel
)

type command struct {
	kind    cmdKind
	order   *Order
	orderID int64
	replyCh chan cmdResult
}

type cmdResult struct {
	fills []Fill
	order *Order
	err   error
}

// =============================================================================
// Engine
// =============================================================================

// EngineConfig 引擎配置
type EngineConfig struct {
	Market    string
	QueueSize int
	EventSize int
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig(market string) EngineConfig {
	return EngineConfig{
		Market:    market,
		QueueSize: 10000,
		EventSize: 10000,
	}
}

// Engine 单市场撮合引擎
type Engine struct {
	config  EngineConfig
	store   *BookStore
	matcher *Matcher

	cmdCh   chan command
	eventCh chan Event

	handlers []EventHandler
	mu       sync.RWMutex

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// 计数在撮合线程写、任意线程读，走原子量
	ordersProcessed atomic.Int64
	fillsEmitted    atomic.Int64
	ordersCancelled atomic.Int64
}

// EngineStats 引擎统计快照
type EngineStats struct {
	OrdersProcessed int64
	FillsEmitted    int64
	OrdersCancelled int64
}

// NewEngine 创建引擎
func NewEngine(config EngineConfig, store *BookStore) *Engine {
	return &Engine{
		config:  config,
		store:   store,
		matcher: NewMatcher(store),
		cmdCh:   make(chan command, config.QueueSize),
		eventCh: make(chan Event, config.EventSize),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动撮合循环和事件分发循环
// ctx 作为参数传入，不存 struct
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.matchLoop(ctx)
	go e.eventLoop(ctx)
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// =============================================================================
// 同步入口
// =============================================================================

// Process 提交订单并等待撮合完成，返回执行顺序的成交列表
// 排队 + 单线程消费保证同市场订单的全序
func (e *Engine) Process(ctx context.Context, order *Order) ([]Fill, error) {
	res, err := e.roundTrip(ctx, command{kind: cmdSubmit, order: order})
	if err != nil {
		return nil, err
	}
	return res.fills, res.err
}

// Cancel 撤单，走与撮合相同的有序序列
// 返回撤销后的订单 (含已成交量)，供撤单释放路径计算剩余占用
func (e *Engine) Cancel(ctx context.Context, orderID int64) (*Order, error) {
	res, err := e.roundTrip(ctx, command{kind: cmdCancel, orderID: orderID})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

func (e *Engine) roundTrip(ctx context.Context, cmd command) (cmdResult, error) {
	cmd.replyCh = make(chan cmdResult, 1)
	select {
	case e.cmdCh <- cmd:
	case <-e.stopCh:
		return cmdResult{}, ErrEngineStopped
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	default:
		return cmdResult{}, ErrQueueFull
	}

	select {
	case res := <-cmd.replyCh:
		return res, nil
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// =============================================================================
// 撮合主循环
// =============================================================================

// matchLoop 单线程消费命令，保证同市场顺序性
func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case cmd := <-e.cmdCh:
			switch cmd.kind {
			case cmdSubmit:
				cmd.replyCh <- e.processOrder(cmd.order)
			case cmdCancel:
				cmd.replyCh <- e.processCancel(cmd.orderID)
			}
		}
	}
}

func (e *Engine) processOrder(order *Order) cmdResult {
	if order.CreatedAt == 0 {
		order.CreatedAt = Now()
	}
	if order.OrderID == 0 {
		order.OrderID = NextID()
	}

	fills, err := e.matcher.Process(order)
	e.ordersProcessed.Add(1)
	e.fillsEmitted.Add(int64(len(fills)))

	e.publish(Event{Type: EventOrderAccepted, Timestamp: Now(), Order: order})
	for i := range fills {
		e.publish(Event{Type: EventTrade, Timestamp: fills[i].Timestamp, Fill: &fills[i]})
	}

	return cmdResult{fills: fills, err: err}
}

func (e *Engine) processCancel(orderID int64) cmdResult {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return cmdResult{err: err}
	}
	if order.Status.IsTerminal() {
		// 终态订单不可变
		return cmdResult{order: order}
	}

	order.Status = StatusCancelled
	if err := e.store.RemoveOrder(order); err != nil {
		return cmdResult{err: err}
	}
	e.ordersCancelled.Add(1)
	e.publish(Event{Type: EventOrderCancelled, Timestamp: Now(), Order: order})

	return cmdResult{order: order}
}

// =============================================================================
// 事件分发
// =============================================================================

// OnEvent 注册事件处理器 (可注册多个)
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// publish 投递事件到分发线程，阻塞投递保证成交事件不丢
func (e *Engine) publish(ev Event) {
	select {
	case e.eventCh <- ev:
	case <-e.stopCh:
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case ev := <-e.eventCh:
			e.mu.RLock()
			handlers := e.handlers
			e.mu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// Stats 获取统计快照
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		OrdersProcessed: e.ordersProcessed.Load(),
		FillsEmitted:    e.fillsEmitted.Load(),
		OrdersCancelled: e.ordersCancelled.Load(),
	}
}
