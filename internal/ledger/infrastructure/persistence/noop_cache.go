// Package persistence 持久化组合件
package persistence

import (
	"context"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
)

// noopBalanceCache Redis 未启用时的空实现，查询全部落到主库
type noopBalanceCache struct{}

// NewNoopBalanceCache 创建空余额缓存
func NewNoopBalanceCache() domain.BalanceCache {
	return noopBalanceCache{}
}

func (noopBalanceCache) Get(ctx context.Context, accountID string) (*domain.BalanceSnapshot, error) {
	return nil, nil
}

func (noopBalanceCache) Save(ctx context.Context, snapshot *domain.BalanceSnapshot) error {
	return nil
}

func (noopBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	return nil
}
