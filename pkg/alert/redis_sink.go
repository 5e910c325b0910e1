// 文件: pkg/alert/redis_sink.go
// Redis 告警队列
//
// 告警 JSON 推入 Redis List，值班面板 LRANGE 消费。
// 队列定长截断，Redis 不可用时降级为日志，告警路径永不阻塞业务。

package alert

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	alertQueueKey = "ops:alerts"
	alertQueueCap = 10000
)

// RedisSink 告警写入 Redis List (同时打日志)
type RedisSink struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisSink 创建 Redis 告警出口
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, timeout: 2 * time.Second}
}

func (s *RedisSink) Notify(e Event) {
	LogSink{}.Notify(e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, alertQueueKey, data)
	pipe.LTrim(ctx, alertQueueKey, 0, alertQueueCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Alert] redis sink degraded: %v", err)
	}
}
