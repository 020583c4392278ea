package domain

import (
	"context"
	"time"
)

// ExternalTransactionRepository 外部流水仓储接口
type ExternalTransactionRepository interface {
	// Create 写入外部流水，(provider, external_id) 冲突映射为 ErrDuplicateKey
	Create(ctx context.Context, ext *ExternalTransaction) error
	// ListUnreconciled 列出尚未进入对账分类的流水
	ListUnreconciled(ctx context.Context, limit int) ([]*ExternalTransaction, error)
	// MarkReconciled 标记流水已分类
	MarkReconciled(ctx context.Context, id uint) error
	// GetByReference 按内部引用查找，不存在时返回 (nil, nil)
	GetByReference(ctx context.Context, provider, reference string) (*ExternalTransaction, error)
}

// ReconciliationRepository 对账记录仓储接口
type ReconciliationRepository interface {
	// Create 写入对账记录，(provider, external_id) 冲突映射为 ErrDuplicateKey
	Create(ctx context.Context, recon *Reconciliation) error
	// Get 按对账记录 ID 读取
	Get(ctx context.Context, reconciliationID string) (*Reconciliation, error)
	// GetByExternal 按 (provider, external_id) 读取，不存在时返回 (nil, nil)
	GetByExternal(ctx context.Context, provider, externalID string) (*Reconciliation, error)
	// UpdateClassification 重跑匹配时更新未解决记录的分类；
	// RESOLVED 记录不受影响
	UpdateClassification(ctx context.Context, reconciliationID string, status ReconciliationStatus, transactionID string, diffAmount int64) error
	// ExistsForTransaction 判断内部交易是否已关联任何对账记录
	ExistsForTransaction(ctx context.Context, transactionID string) (bool, error)
	// ListByStatus 按分类分页列出
	ListByStatus(ctx context.Context, status ReconciliationStatus, limit, offset int) ([]*Reconciliation, error)
	// MarkResolved 条件落定：仅当记录尚未 RESOLVED 时生效，
	// 否则返回 ErrAlreadyResolved
	MarkResolved(ctx context.Context, reconciliationID, resolutionTransactionID, resolvedBy, note string, resolvedAt time.Time) error
}
