package domain

import (
	"context"
	"time"
)

// UnitOfWork 持久化原子写能力：fn 内通过仓储完成的所有写入
// 要么全部落库要么全部放弃，不存在可观察的中间状态。
type UnitOfWork interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// AccountRepository 账户仓储接口
type AccountRepository interface {
	// Create 创建账户，account_id 冲突映射为 ErrDuplicateKey
	Create(ctx context.Context, account *Account) error
	// Get 按账户 ID 读取；按账户的并发策略决定是否加行锁
	Get(ctx context.Context, accountID string) (*Account, error)
	// GetForUpdate 行级锁读取（热点账户悲观策略）
	GetForUpdate(ctx context.Context, accountID string) (*Account, error)
	// List 分页列出账户
	List(ctx context.Context, limit, offset int) ([]*Account, error)
	// UpdateBalances 条件更新余额：仅当存储中的 version 仍等于读取时的
	// version 才生效并递增 version，否则返回 ErrOptimisticLock
	UpdateBalances(ctx context.Context, account *Account) error
	// Archive 归档账户
	Archive(ctx context.Context, accountID string) error
}

// TransactionRepository 交易仓储接口
type TransactionRepository interface {
	// Create 创建交易及其全部分录；reference 冲突映射为 ErrDuplicateKey
	Create(ctx context.Context, txn *Transaction) error
	// GetByReference 按幂等引用读取（含分录），不存在时返回 (nil, nil)
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	// GetByID 按交易 ID 读取（含分录）
	GetByID(ctx context.Context, transactionID string) (*Transaction, error)
	// SetStatus 唯一允许的状态落定写：仅当当前状态为 from 时更新为 to，
	// 否则返回 ErrTransactionState
	SetStatus(ctx context.Context, transactionID string, from, to TransactionStatus, postedAt *time.Time) error
	// EntriesByAccount 按账户查询区间内分录，按创建时间升序
	EntriesByAccount(ctx context.Context, accountID string, from, to time.Time) ([]LedgerEntry, error)
	// SumEntryDeltasBefore 账户在 before 之前全部已过账分录的净增量
	SumEntryDeltasBefore(ctx context.Context, accountID string, before time.Time) (int64, error)
	// FindPostedBySource 按来源渠道查询区间内 POSTED 交易（对账用）
	FindPostedBySource(ctx context.Context, source string, from, to time.Time) ([]*Transaction, error)
	// FindPostedByAmount 按金额币种查询区间内 POSTED 交易（对账启发式匹配用）
	FindPostedByAmount(ctx context.Context, currency string, amount int64, from, to time.Time) ([]*Transaction, error)
}

// HoldRepository 持有仓储接口
type HoldRepository interface {
	// Create 创建持有，reference 冲突映射为 ErrDuplicateKey
	Create(ctx context.Context, hold *Hold) error
	// Get 按持有 ID 读取
	Get(ctx context.Context, holdID string) (*Hold, error)
	// GetByReference 按幂等引用读取，不存在时返回 (nil, nil)
	GetByReference(ctx context.Context, reference string) (*Hold, error)
	// Transition 条件状态转移：仅当当前状态为 ACTIVE 时更新，
	// 否则返回 ErrHoldState，保证三个终态互斥
	Transition(ctx context.Context, holdID string, to HoldStatus, captureTransactionID string) error
	// ListExpired 列出已过期但仍 ACTIVE 的持有
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Hold, error)
}

// BalanceSnapshot 账户余额视图
type BalanceSnapshot struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	BalancePosted  int64  `json:"balance_posted"`
	BalancePending int64  `json:"balance_pending"`
	HeldAmount     int64  `json:"held_amount"`
	Available      int64  `json:"available"`
	Version        int64  `json:"version"`
}

// BalanceCache 余额读缓存。只服务查询侧；过账路径始终以主库为准，
// 提交后使缓存失效。
type BalanceCache interface {
	// Get 读取缓存快照，未命中时返回 (nil, nil)
	Get(ctx context.Context, accountID string) (*BalanceSnapshot, error)
	// Save 写入缓存快照
	Save(ctx context.Context, snapshot *BalanceSnapshot) error
	// Invalidate 删除缓存快照
	Invalidate(ctx context.Context, accountID string) error
}

// EventRepository outbox 事件仓储接口
type EventRepository interface {
	// Append 追加事件（与业务写入同一事务内调用）
	Append(ctx context.Context, event *LedgerEvent) error
	// FetchUnpublished 按创建时间升序取一批待发布事件（排除 dead）
	FetchUnpublished(ctx context.Context, limit int) ([]*LedgerEvent, error)
	// MarkPublished CAS 置发布时间：仅当 published_at 仍为 NULL 时生效，
	// 并发发布循环竞争同一事件时最多重复投递，不会重复记账
	MarkPublished(ctx context.Context, id uint, publishedAt time.Time) error
	// RecordFailure 递增尝试计数；dead 为真时标记为需人工处理
	RecordFailure(ctx context.Context, id uint, dead bool) error
	// CountUnpublished 当前待发布事件数（指标用）
	CountUnpublished(ctx context.Context) (int64, error)
}
