package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// eventRepository outbox 事件仓储实现
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository 创建事件仓储实例
func NewEventRepository(gdb *gorm.DB) domain.EventRepository {
	return &eventRepository{db: gdb}
}

func (r *eventRepository) getDB(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

// Append 追加事件
func (r *eventRepository) Append(ctx context.Context, event *domain.LedgerEvent) error {
	if err := r.getDB(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// FetchUnpublished 按创建时间升序取一批待发布事件
func (r *eventRepository) FetchUnpublished(ctx context.Context, limit int) ([]*domain.LedgerEvent, error) {
	var events []*domain.LedgerEvent
	err := r.getDB(ctx).
		Where("published_at IS NULL AND dead = ?", false).
		Order("created_at, id").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkPublished CAS 置发布时间。published_at 已被并发实例设置时为 no-op。
func (r *eventRepository) MarkPublished(ctx context.Context, id uint, publishedAt time.Time) error {
	return r.getDB(ctx).Model(&domain.LedgerEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", publishedAt).Error
}

// RecordFailure 递增尝试计数，超限时标记 dead
func (r *eventRepository) RecordFailure(ctx context.Context, id uint, dead bool) error {
	return r.getDB(ctx).Model(&domain.LedgerEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts": gorm.Expr("attempts + 1"),
			"dead":     dead,
		}).Error
}

// CountUnpublished 当前待发布事件数
func (r *eventRepository) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := r.getDB(ctx).Model(&domain.LedgerEvent{}).
		Where("published_at IS NULL AND dead = ?", false).
		Count(&count).Error
	return count, err
}
