// 文件: pkg/nats/subscriber.go
// 行情订阅端 - feed.go 推送流的消费侧
//
// market 传空串订阅全市场通配 (md.trades.> / md.orders.>)。
// 解码失败只记日志丢弃，行情流不做重投。

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// TradeHandler 成交推送回调
type TradeHandler func(TradeMsg)

// OrderHandler 订单簿增量回调
type OrderHandler func(OrderMsg)

// FeedSubscriber 行情订阅者
type FeedSubscriber struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewFeedSubscriber 创建订阅者 (断线自动重连)
func NewFeedSubscriber(url string) (*FeedSubscriber, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &FeedSubscriber{conn: conn}, nil
}

// SubscribeTrades 订阅成交流
func (s *FeedSubscriber) SubscribeTrades(market string, h TradeHandler) error {
	subject := TradeSubject(market)
	if market == "" {
		subject = "md.trades.>"
	}
	return s.subscribe(subject, func(subject string, data []byte) {
		var msg TradeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[NATS] bad trade message: subject=%s err=%v", subject, err)
			return
		}
		h(msg)
	})
}

// SubscribeOrders 订阅订单簿增量
func (s *FeedSubscriber) SubscribeOrders(market string, h OrderHandler) error {
	subject := OrderSubject(market)
	if market == "" {
		subject = "md.orders.>"
	}
	return s.subscribe(subject, func(subject string, data []byte) {
		var msg OrderMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[NATS] bad order message: subject=%s err=%v", subject, err)
			return
		}
		h(msg)
	})
}

// SubscribeTradesQueue 队列订阅成交流，同组实例间负载均衡
func (s *FeedSubscriber) SubscribeTradesQueue(market, queue string, h TradeHandler) error {
	subject := TradeSubject(market)
	if market == "" {
		subject = "md.trades.>"
	}
	sub, err := s.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var t TradeMsg
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			log.Printf("[NATS] bad trade message: subject=%s err=%v", msg.Subject, err)
			return
		}
		h(t)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *FeedSubscriber) subscribe(subject string, fn func(subject string, data []byte)) error {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 退订并断开
func (s *FeedSubscriber) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}
