// 文件: pkg/fund/publisher.go
// 资金模块 - 流水事件发布器
//
// 使用通用 kafka 包发送流水事件，JournalEvent 实现 kafka.Message 接口。
// 下游 (对账/审计) 按 TraderID 分区顺序消费。

package fund

import (
	"time"

	"dex.com/pkg/kafka"
)

// EventPublisher 流水事件发布器
type EventPublisher struct {
	producer *kafka.Producer
}

// NewEventPublisher 创建事件发布器
func NewEventPublisher(brokers []string) (*EventPublisher, error) {
	cfg := kafka.DefaultProducerConfig(brokers)
	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{producer: producer}, nil
}

// PublishJournal 发布流水事件 (异步)
func (p *EventPublisher) PublishJournal(traderID int64, mode, asset string, change ChangeType, amount int64, bizType BizType, bizID string) error {
	return p.producer.Send(&JournalEvent{
		EventID:    NewEventID(change, bizID, traderID),
		TraderID:   traderID,
		Mode:       mode,
		Asset:      asset,
		ChangeType: change,
		Amount:     amount,
		BizType:    bizType,
		BizID:      bizID,
		CreatedAt:  time.Now(),
	})
}

// Close 关闭发布器
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}
