// Package mysql 对账引擎的 GORM 仓储实现
package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ledgerr/internal/reconciliation/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// externalTransactionRepository 外部流水仓储实现
type externalTransactionRepository struct {
	db *gorm.DB
}

// NewExternalTransactionRepository 创建外部流水仓储实例
func NewExternalTransactionRepository(gdb *gorm.DB) domain.ExternalTransactionRepository {
	return &externalTransactionRepository{db: gdb}
}

func (r *externalTransactionRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Create 写入外部流水
func (r *externalTransactionRepository) Create(ctx context.Context, ext *domain.ExternalTransaction) error {
	if err := r.getDB(ctx).Create(ext).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// ListUnreconciled 列出尚未分类的流水
func (r *externalTransactionRepository) ListUnreconciled(ctx context.Context, limit int) ([]*domain.ExternalTransaction, error) {
	var exts []*domain.ExternalTransaction
	err := r.getDB(ctx).
		Where("reconciled = ?", false).
		Order("occurred_at, id").
		Limit(limit).
		Find(&exts).Error
	return exts, err
}

// MarkReconciled 标记流水已分类
func (r *externalTransactionRepository) MarkReconciled(ctx context.Context, id uint) error {
	return r.getDB(ctx).Model(&domain.ExternalTransaction{}).
		Where("id = ?", id).
		Update("reconciled", true).Error
}

// GetByReference 按内部引用查找
func (r *externalTransactionRepository) GetByReference(ctx context.Context, provider, reference string) (*domain.ExternalTransaction, error) {
	var ext domain.ExternalTransaction
	err := r.getDB(ctx).
		Where("provider = ? AND reference = ?", provider, reference).
		First(&ext).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ext, nil
}

// reconciliationRepository 对账记录仓储实现
type reconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository 创建对账记录仓储实例
func NewReconciliationRepository(gdb *gorm.DB) domain.ReconciliationRepository {
	return &reconciliationRepository{db: gdb}
}

func (r *reconciliationRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Create 写入对账记录
func (r *reconciliationRepository) Create(ctx context.Context, recon *domain.Reconciliation) error {
	if err := r.getDB(ctx).Create(recon).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// Get 按对账记录 ID 读取
func (r *reconciliationRepository) Get(ctx context.Context, reconciliationID string) (*domain.Reconciliation, error) {
	var recon domain.Reconciliation
	err := r.getDB(ctx).Where("reconciliation_id = ?", reconciliationID).First(&recon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReconciliationNotFound
		}
		return nil, err
	}
	return &recon, nil
}

// GetByExternal 按 (provider, external_id) 读取
func (r *reconciliationRepository) GetByExternal(ctx context.Context, provider, externalID string) (*domain.Reconciliation, error) {
	var recon domain.Reconciliation
	err := r.getDB(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&recon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &recon, nil
}

// UpdateClassification 更新未解决记录的分类
func (r *reconciliationRepository) UpdateClassification(ctx context.Context, reconciliationID string, status domain.ReconciliationStatus, transactionID string, diffAmount int64) error {
	return r.getDB(ctx).Model(&domain.Reconciliation{}).
		Where("reconciliation_id = ? AND status <> ?", reconciliationID, domain.StatusResolved).
		Updates(map[string]any{
			"status":         status,
			"transaction_id": transactionID,
			"diff_amount":    diffAmount,
		}).Error
}

// ExistsForTransaction 判断内部交易是否已关联任何对账记录
func (r *reconciliationRepository) ExistsForTransaction(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := r.getDB(ctx).Model(&domain.Reconciliation{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	return count > 0, err
}

// ListByStatus 按分类分页列出
func (r *reconciliationRepository) ListByStatus(ctx context.Context, status domain.ReconciliationStatus, limit, offset int) ([]*domain.Reconciliation, error) {
	var recons []*domain.Reconciliation
	query := r.getDB(ctx).Order("created_at, id").Limit(limit).Offset(offset)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Find(&recons).Error
	return recons, err
}

// MarkResolved 条件落定为 RESOLVED，终态不可重入
func (r *reconciliationRepository) MarkResolved(ctx context.Context, reconciliationID, resolutionTransactionID, resolvedBy, note string, resolvedAt time.Time) error {
	result := r.getDB(ctx).Model(&domain.Reconciliation{}).
		Where("reconciliation_id = ? AND status <> ?", reconciliationID, domain.StatusResolved).
		Updates(map[string]any{
			"status":                    domain.StatusResolved,
			"resolution_transaction_id": resolutionTransactionID,
			"resolved_by":               resolvedBy,
			"note":                      note,
			"resolved_at":               resolvedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAlreadyResolved
	}
	return nil
}
