// 文件: pkg/order/consumer.go
// 订单入口 - Kafka 消费

package order

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"dex.com/pkg/fund"
	"dex.com/pkg/kafka"
	"dex.com/pkg/margin"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
)

// Intake 订单入口消费者
// topic 按 market 分区，单分区顺序消费即同市场全序
type Intake struct {
	service  *Service
	consumer *kafka.Consumer
}

// NewIntake 创建入口消费者
func NewIntake(brokers []string, groupID string, service *Service) (*Intake, error) {
	in := &Intake{service: service}
	consumer, err := kafka.NewConsumer(
		kafka.DefaultConsumerConfig(brokers, groupID, []string{TopicOrderRequests}),
		in.handle,
	)
	if err != nil {
		return nil, err
	}
	in.consumer = consumer
	return in, nil
}

// Start 启动消费
func (in *Intake) Start() { in.consumer.Start() }

// Stop 停止消费
func (in *Intake) Stop() error { return in.consumer.Stop() }

func (in *Intake) handle(topic string, partition int32, offset int64, key, value []byte) error {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		// 坏消息重投也不会变好，记日志跳过
		log.Printf("[Order] drop malformed request: offset=%d err=%v", offset, err)
		return nil
	}
	if err := req.Validate(); err != nil {
		log.Printf("[Order] drop invalid request: offset=%d err=%v", offset, err)
		return nil
	}

	ctx := context.Background()
	var err error
	switch req.Action {
	case ActionSubmit:
		_, err = in.service.PlaceOrder(ctx, req.ToOrder())
	case ActionCancel:
		_, err = in.service.CancelOrder(ctx, req.Market, req.OrderID)
	}
	if err == nil {
		return nil
	}
	if isTerminalReject(err) {
		// 用户侧拒绝是最终结果，标记消费继续前进
		log.Printf("[Order] rejected: action=%s market=%s err=%v", req.Action, req.Market, err)
		return nil
	}
	// 基础设施故障: 不标记 offset，等待重投
	return err
}

// isTerminalReject 区分用户侧拒绝与基础设施故障
func isTerminalReject(err error) bool {
	return errors.Is(err, fund.ErrInsufficientBalance) ||
		errors.Is(err, margin.ErrNakedCall) ||
		errors.Is(err, margin.ErrBadOrder) ||
		// 释放下溢已触发 CRITICAL 告警并隔离，重投不会变好
		errors.Is(err, margin.ErrPendingUnderflow) ||
		errors.Is(err, market.ErrInstrumentNotFound) ||
		errors.Is(err, market.ErrMarketNotTradable) ||
		errors.Is(err, market.ErrTickSize) ||
		errors.Is(err, market.ErrLotSize) ||
		errors.Is(err, match.ErrOrderNotFound) ||
		errors.Is(err, ErrBadRequest)
}
