// Package redis 余额读缓存实现
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
)

type balanceCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewBalanceCache 创建余额缓存实例
func NewBalanceCache(client redis.UniversalClient) domain.BalanceCache {
	return &balanceCache{
		client: client,
		prefix: "ledger:balance:",
		ttl:    time.Hour,
	}
}

func (c *balanceCache) Get(ctx context.Context, accountID string) (*domain.BalanceSnapshot, error) {
	data, err := c.client.Get(ctx, c.key(accountID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot domain.BalanceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *balanceCache) Save(ctx context.Context, snapshot *domain.BalanceSnapshot) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snapshot.AccountID), data, c.ttl).Err()
}

func (c *balanceCache) Invalidate(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, c.key(accountID)).Err()
}

func (c *balanceCache) key(accountID string) string {
	return c.prefix + accountID
}
