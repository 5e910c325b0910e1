// 文件: pkg/market/cache_repo.go
// 市场元数据 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// 包装底层 Repository，透明添加缓存; 调用方只看到 Repository 接口。
//
// 【缓存策略】Cache Aside
// 读: 先查 Redis，miss 则查 DB 并回填
// 写: 先写 DB，成功后删除缓存

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Repository = (*CachedRepository)(nil)

const (
	cacheKeyMeta = "market:meta:%s:%s" // market:meta:{mode}:{symbol}
	cacheTTL     = 24 * time.Hour
)

// CachedRepository Redis 缓存装饰器
type CachedRepository struct {
	repo  Repository
	redis *redis.Client
}

// NewCachedRepository 创建带缓存的 Repository
//
// 用法:
//
//	mysqlRepo := NewMySQLRepository(db)
//	repo := NewCachedRepository(mysqlRepo, redisClient)
func NewCachedRepository(repo Repository, rds *redis.Client) *CachedRepository {
	return &CachedRepository{repo: repo, redis: rds}
}

func metaKey(symbol, mode string) string {
	return fmt.Sprintf(cacheKeyMeta, mode, symbol)
}

// =============================================================================
// 读操作 (带缓存)
// =============================================================================

func (r *CachedRepository) GetBySymbol(ctx context.Context, symbol, mode string) (*Meta, error) {
	key := metaKey(symbol, mode)

	if data, err := r.redis.Get(ctx, key).Bytes(); err == nil {
		var meta Meta
		if json.Unmarshal(data, &meta) == nil {
			return &meta, nil
		}
		// 反序列化失败当 miss 处理
	}

	meta, err := r.repo.GetBySymbol(ctx, symbol, mode)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(meta); err == nil {
		r.redis.Set(ctx, key, data, cacheTTL) // 回填失败不影响读
	}
	return meta, nil
}

// =============================================================================
// 写操作 (失效缓存)
// =============================================================================

func (r *CachedRepository) Create(ctx context.Context, meta *Meta) error {
	if err := r.repo.Create(ctx, meta); err != nil {
		return err
	}
	r.redis.Del(ctx, metaKey(meta.Symbol, meta.Mode))
	return nil
}

func (r *CachedRepository) UpdateStatus(ctx context.Context, symbol, mode string, from, to Status) error {
	if err := r.repo.UpdateStatus(ctx, symbol, mode, from, to); err != nil {
		return err
	}
	r.redis.Del(ctx, metaKey(symbol, mode))
	return nil
}

// =============================================================================
// 列表操作 (直通 DB，状态随时变化不缓存)
// =============================================================================

func (r *CachedRepository) ListByStatus(ctx context.Context, status Status) ([]*Meta, error) {
	return r.repo.ListByStatus(ctx, status)
}

func (r *CachedRepository) ListExpired(ctx context.Context, nowMs int64) ([]*Meta, error) {
	return r.repo.ListExpired(ctx, nowMs)
}
