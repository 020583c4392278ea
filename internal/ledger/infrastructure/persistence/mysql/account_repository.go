package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// accountRepository 账户仓储实现
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 创建账户仓储实例
func NewAccountRepository(gdb *gorm.DB) domain.AccountRepository {
	return &accountRepository{db: gdb}
}

func (r *accountRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Create 创建账户
func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	if err := r.getDB(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// Get 按账户 ID 读取；悲观策略账户在事务内自动升级为行锁读取
func (r *accountRepository) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	if err := r.getDB(ctx).Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	if account.LockStrategy == domain.LockPessimistic {
		// 热点账户策略标签在读取时解析，改走行锁
		return r.GetForUpdate(ctx, accountID)
	}
	return &account, nil
}

// GetForUpdate 行级锁读取
func (r *accountRepository) GetForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := r.getDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// List 分页列出账户
func (r *accountRepository) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.getDB(ctx).
		Order("account_id").
		Limit(limit).
		Offset(offset).
		Find(&accounts).Error
	return accounts, err
}

// UpdateBalances 乐观锁条件更新余额
func (r *accountRepository) UpdateBalances(ctx context.Context, account *domain.Account) error {
	currentVersion := account.Version
	result := r.getDB(ctx).Model(&domain.Account{}).
		Where("account_id = ? AND version = ?", account.AccountID, currentVersion).
		Updates(map[string]any{
			"balance_posted":  account.BalancePosted,
			"balance_pending": account.BalancePending,
			"held_amount":     account.HeldAmount,
			"version":         currentVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOptimisticLock
	}
	account.Version = currentVersion + 1
	return nil
}

// Archive 归档账户
func (r *accountRepository) Archive(ctx context.Context, accountID string) error {
	result := r.getDB(ctx).Model(&domain.Account{}).
		Where("account_id = ?", accountID).
		Update("archived", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
