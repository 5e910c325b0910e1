// 文件: pkg/match/router.go
// 市场路由 - 每个市场一个撮合引擎
//
// 衍生品 instrument 是惰性创建的，引擎也随首单惰性启动。
// 路由保证: 同一市场只有一个引擎实例，跨市场完全并行。

package match

import (
	"context"
	"sync"
)

// Router 市场 → 引擎 路由表
type Router struct {
	store *BookStore

	mu      sync.RWMutex
	engines map[string]*Engine

	ctx      context.Context
	handlers []EventHandler
}

// NewRouter 创建路由
func NewRouter(ctx context.Context, store *BookStore) *Router {
	return &Router{
		store:   store,
		engines: make(map[string]*Engine),
		ctx:     ctx,
	}
}

// OnEvent 注册到所有引擎 (包括未来创建的)
func (r *Router) OnEvent(handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
	for _, e := range r.engines {
		e.OnEvent(handler)
	}
}

// Engine 获取或创建某市场的引擎
func (r *Router) Engine(market string) *Engine {
	r.mu.RLock()
	e, ok := r.engines[market]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.engines[market]; ok {
		return e
	}
	e = NewEngine(DefaultEngineConfig(market), r.store)
	for _, h := range r.handlers {
		e.OnEvent(h)
	}
	e.Start(r.ctx)
	r.engines[market] = e
	return e
}

// Stop 停止所有引擎
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		e.Stop()
	}
}
