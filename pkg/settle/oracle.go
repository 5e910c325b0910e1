// 文件: pkg/settle/oracle.go
// 指数价格源
//
// 衍生品市价单抵押和到期交割都要指数价。
// 价格由外部喂价服务写入 Redis，这里只读；读不到就拒绝操作，
// 绝不按零价格放行。

package settle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoIndexPrice 指数价不可用
var ErrNoIndexPrice = errors.New("index price unavailable")

// IndexPriceSource 指数价格源
type IndexPriceSource interface {
	// IndexPrice 返回标的的定点指数价，不可用返回 ErrNoIndexPrice
	IndexPrice(ctx context.Context, underlying string) (int64, error)
}

// =============================================================================
// Redis 实现
// =============================================================================

const indexPriceKeyPrefix = "index:price:"

// RedisOracle 从 Redis 读取喂价服务写入的指数价
type RedisOracle struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisOracle 创建 Redis 价格源
func NewRedisOracle(client *redis.Client) *RedisOracle {
	return &RedisOracle{client: client, timeout: 2 * time.Second}
}

// IndexPrice 读取标的指数价 (定点字符串)
func (o *RedisOracle) IndexPrice(ctx context.Context, underlying string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	val, err := o.client.Get(ctx, indexPriceKeyPrefix+underlying).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%w: %s", ErrNoIndexPrice, underlying)
	}
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseInt(val, 10, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: bad value %q for %s", ErrNoIndexPrice, val, underlying)
	}
	return price, nil
}

// SetIndexPrice 写入指数价 (喂价/测试工具用)
func (o *RedisOracle) SetIndexPrice(ctx context.Context, underlying string, price int64) error {
	return o.client.Set(ctx, indexPriceKeyPrefix+underlying, strconv.FormatInt(price, 10), 0).Err()
}

// =============================================================================
// 静态实现 (测试/单机演示)
// =============================================================================

// StaticOracle 进程内静态价格表
type StaticOracle struct {
	Prices map[string]int64
}

func (o *StaticOracle) IndexPrice(_ context.Context, underlying string) (int64, error) {
	p, ok := o.Prices[underlying]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoIndexPrice, underlying)
	}
	return p, nil
}
