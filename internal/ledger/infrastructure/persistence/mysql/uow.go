// Package mysql 记账核心的 GORM 仓储实现
package mysql

import (
	"context"

	"gorm.io/gorm"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/db"
)

// unitOfWork 基于 GORM 事务的原子写实现。
// 事务句柄通过 context 传递，仓储方法透明地在事务内执行。
type unitOfWork struct {
	db *gorm.DB
}

// NewUnitOfWork 创建 UnitOfWork 实例
func NewUnitOfWork(gdb *gorm.DB) domain.UnitOfWork {
	return &unitOfWork{db: gdb}
}

// Atomic 在单个数据库事务内执行 fn；fn 返回错误时整体回滚
func (u *unitOfWork) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(db.WithContextTx(ctx, tx))
	})
}
