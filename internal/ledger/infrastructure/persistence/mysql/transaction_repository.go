package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// transactionRepository 交易仓储实现
type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository 创建交易仓储实例
func NewTransactionRepository(gdb *gorm.DB) domain.TransactionRepository {
	return &transactionRepository{db: gdb}
}

func (r *transactionRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Create 创建交易及其分录。gorm 关联写入保证同事务内落库；
// reference 唯一索引兜底并发首次提交的竞争。
func (r *transactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	if err := r.getDB(ctx).Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// GetByReference 按幂等引用读取，不存在时返回 (nil, nil)
func (r *transactionRepository) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := r.getDB(ctx).Preload("Entries").Where("reference = ?", reference).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// GetByID 按交易 ID 读取
func (r *transactionRepository) GetByID(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := r.getDB(ctx).Preload("Entries").Where("transaction_id = ?", transactionID).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// SetStatus 条件状态落定写
func (r *transactionRepository) SetStatus(ctx context.Context, transactionID string, from, to domain.TransactionStatus, postedAt *time.Time) error {
	updates := map[string]any{"status": to}
	if postedAt != nil {
		updates["posted_at"] = *postedAt
	}
	result := r.getDB(ctx).Model(&domain.Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrTransactionState
	}
	return nil
}

// EntriesByAccount 查询账户区间内分录，创建时间升序。
// REJECTED 交易的分录只作审计留档，不进入对账单。
func (r *transactionRepository) EntriesByAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := r.getDB(ctx).
		Joins("JOIN transactions ON transactions.transaction_id = ledger_entries.transaction_id").
		Where("ledger_entries.account_id = ? AND ledger_entries.created_at >= ? AND ledger_entries.created_at < ?",
			accountID, from, to).
		Where("transactions.status IN ?", []domain.TransactionStatus{domain.StatusPosted, domain.StatusReversed}).
		Order("ledger_entries.created_at, ledger_entries.id").
		Find(&entries).Error
	return entries, err
}

// SumEntryDeltasBefore 账户在 before 之前全部已过账分录的净增量
func (r *transactionRepository) SumEntryDeltasBefore(ctx context.Context, accountID string, before time.Time) (int64, error) {
	var sum int64
	err := r.getDB(ctx).Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN direction = 'DEBIT' THEN -amount ELSE amount END), 0)").
		Joins("JOIN transactions ON transactions.transaction_id = ledger_entries.transaction_id").
		Where("ledger_entries.account_id = ? AND ledger_entries.created_at < ?", accountID, before).
		Where("transactions.status IN ?", []domain.TransactionStatus{domain.StatusPosted, domain.StatusReversed}).
		Scan(&sum).Error
	return sum, err
}

// FindPostedBySource 按来源渠道查询区间内 POSTED 交易
func (r *transactionRepository) FindPostedBySource(ctx context.Context, source string, from, to time.Time) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	err := r.getDB(ctx).Preload("Entries").
		Where("source = ? AND status = ? AND created_at >= ? AND created_at < ?",
			source, domain.StatusPosted, from, to).
		Order("created_at").
		Find(&txns).Error
	return txns, err
}

// FindPostedByAmount 按金额币种查询区间内 POSTED 交易（启发式匹配）
func (r *transactionRepository) FindPostedByAmount(ctx context.Context, currency string, amount int64, from, to time.Time) ([]*domain.Transaction, error) {
	var ids []string
	err := r.getDB(ctx).Model(&domain.LedgerEntry{}).
		Distinct("ledger_entries.transaction_id").
		Joins("JOIN transactions ON transactions.transaction_id = ledger_entries.transaction_id").
		Where("ledger_entries.currency = ? AND ledger_entries.amount = ?", currency, amount).
		Where("transactions.status = ? AND transactions.created_at >= ? AND transactions.created_at < ?",
			domain.StatusPosted, from, to).
		Pluck("ledger_entries.transaction_id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	var txns []*domain.Transaction
	err = r.getDB(ctx).Preload("Entries").
		Where("transaction_id IN ?", ids).
		Order("created_at").
		Find(&txns).Error
	return txns, err
}
