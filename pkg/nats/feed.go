// 文件: pkg/nats/feed.go
// 行情推送 - 撮合事件到 NATS subject 的桥接
//
// subject 规则:
//   md.trades.{market}  成交流
//   md.orders.{market}  订单簿增量 (接受/撤销/到期)
// 订阅端可按市场精确订阅，也可通配 md.trades.>

package nats

import (
	"log"

	"dex.com/pkg/match"
)

// TradeSubject 成交流 subject
func TradeSubject(market string) string {
	return "md.trades." + market
}

// OrderSubject 订单簿增量 subject
func OrderSubject(market string) string {
	return "md.orders." + market
}

// TradeMsg 成交推送消息
type TradeMsg struct {
	TradeID   int64  `json:"trade_id"`
	Market    string `json:"market"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Timestamp int64  `json:"timestamp"`
}

// OrderMsg 订单簿增量消息
type OrderMsg struct {
	Event     string `json:"event"` // ACCEPTED / CANCELLED / EXPIRED
	OrderID   int64  `json:"order_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     int64  `json:"price"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// MarketDataFeed 把撮合引擎事件翻译成 NATS 行情推送
type MarketDataFeed struct {
	pub *Publisher
}

// NewMarketDataFeed 创建行情推送
func NewMarketDataFeed(pub *Publisher) *MarketDataFeed {
	return &MarketDataFeed{pub: pub}
}

// Handler 返回可注册到撮合引擎的事件处理器
// 推送失败只记日志: 行情是尽力而为，绝不反压撮合
func (f *MarketDataFeed) Handler() match.EventHandler {
	return func(ev match.Event) {
		var err error
		switch ev.Type {
		case match.EventTrade:
			if ev.Fill != nil {
				err = f.pub.Publish(TradeSubject(ev.Fill.Market), TradeMsg{
					TradeID:   ev.Fill.TradeID,
					Market:    ev.Fill.Market,
					Price:     ev.Fill.Price,
					Qty:       ev.Fill.Qty,
					Timestamp: ev.Fill.Timestamp,
				})
			}
		case match.EventOrderAccepted, match.EventOrderCancelled, match.EventOrderExpired:
			if ev.Order != nil {
				err = f.pub.Publish(OrderSubject(ev.Order.Market), OrderMsg{
					Event:     eventName(ev.Type),
					OrderID:   ev.Order.OrderID,
					Market:    ev.Order.Market,
					Side:      ev.Order.Side.String(),
					Price:     ev.Order.Price,
					Remaining: ev.Order.RemainingQty(),
					Status:    ev.Order.Status.String(),
					Timestamp: ev.Timestamp,
				})
			}
		}
		if err != nil {
			log.Printf("[NATS] market data publish failed: %v", err)
		}
	}
}

func eventName(t match.EventType) string {
	switch t {
	case match.EventOrderCancelled:
		return "CANCELLED"
	case match.EventOrderExpired:
		return "EXPIRED"
	case match.EventTrade:
		return "TRADE"
	default:
		return "ACCEPTED"
	}
}
