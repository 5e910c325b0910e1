// 文件: pkg/market/repository.go
// 市场元数据存储接口
//
// 【设计模式】Repository Pattern
// 业务层只依赖接口; MySQL 实现之上可叠加 Redis 缓存装饰器。

package market

import (
	"context"
	"errors"
)

var (
	ErrSymbolExists   = errors.New("market symbol already exists")
	ErrSymbolNotFound = errors.New("market symbol not found")
)

// Repository 市场元数据存储
type Repository interface {
	// Create 创建市场，以 (symbol, mode) 非存在为条件
	// 已存在返回 ErrSymbolExists
	Create(ctx context.Context, meta *Meta) error

	// GetBySymbol 按 symbol 查询
	// 不存在返回 ErrSymbolNotFound
	GetBySymbol(ctx context.Context, symbol, mode string) (*Meta, error)

	// UpdateStatus 状态迁移
	UpdateStatus(ctx context.Context, symbol, mode string, from, to Status) error

	// ListByStatus 按状态列出
	ListByStatus(ctx context.Context, status Status) ([]*Meta, error)

	// ListExpired 列出到期且仍 ACTIVE 的衍生品市场 (交割扫描入口)
	ListExpired(ctx context.Context, nowMs int64) ([]*Meta, error)
}
