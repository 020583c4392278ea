package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// holdRepository 持有仓储实现
type holdRepository struct {
	db *gorm.DB
}

// NewHoldRepository 创建持有仓储实例
func NewHoldRepository(gdb *gorm.DB) domain.HoldRepository {
	return &holdRepository{db: gdb}
}

func (r *holdRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Create 创建持有
func (r *holdRepository) Create(ctx context.Context, hold *domain.Hold) error {
	if err := r.getDB(ctx).Create(hold).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// Get 按持有 ID 读取
func (r *holdRepository) Get(ctx context.Context, holdID string) (*domain.Hold, error) {
	var hold domain.Hold
	if err := r.getDB(ctx).Where("hold_id = ?", holdID).First(&hold).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// GetByReference 按幂等引用读取，不存在时返回 (nil, nil)
func (r *holdRepository) GetByReference(ctx context.Context, reference string) (*domain.Hold, error) {
	var hold domain.Hold
	if err := r.getDB(ctx).Where("reference = ?", reference).First(&hold).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// Transition 条件状态转移：只能从 ACTIVE 出发，保证终态互斥
func (r *holdRepository) Transition(ctx context.Context, holdID string, to domain.HoldStatus, captureTransactionID string) error {
	updates := map[string]any{"status": to}
	if captureTransactionID != "" {
		updates["capture_transaction_id"] = captureTransactionID
	}
	result := r.getDB(ctx).Model(&domain.Hold{}).
		Where("hold_id = ? AND status = ?", holdID, domain.HoldActive).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrHoldState
	}
	return nil
}

// ListExpired 列出已过期但仍 ACTIVE 的持有
func (r *holdRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Hold, error) {
	var holds []*domain.Hold
	err := r.getDB(ctx).
		Where("status = ? AND expires_at <= ?", domain.HoldActive, now).
		Order("expires_at").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}
