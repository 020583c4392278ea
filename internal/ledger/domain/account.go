package domain

import (
	"time"
)

// AssetClass 账户会计类别
type AssetClass string

const (
	AssetClassAsset     AssetClass = "ASSET"
	AssetClassLiability AssetClass = "LIABILITY"
	AssetClassEquity    AssetClass = "EQUITY"
	AssetClassRevenue   AssetClass = "REVENUE"
	AssetClassExpense   AssetClass = "EXPENSE"
)

// Valid 校验会计类别取值
func (c AssetClass) Valid() bool {
	switch c {
	case AssetClassAsset, AssetClassLiability, AssetClassEquity, AssetClassRevenue, AssetClassExpense:
		return true
	}
	return false
}

// LockStrategy 余额更新的并发策略，按账户打标
type LockStrategy string

const (
	// LockOptimistic 乐观锁：version 条件更新，冲突重试
	LockOptimistic LockStrategy = "OPTIMISTIC"
	// LockPessimistic 悲观锁：热点账户行级 FOR UPDATE，减少无效重试
	LockPessimistic LockStrategy = "PESSIMISTIC"
)

// Account 账户实体，单币种资金桶。
// 余额只由过账服务通过校验后的增量修改；币种创建后不可变。
type Account struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 账户 ID（业务主键），全局唯一
	AccountID string `gorm:"column:account_id;type:varchar(32);uniqueIndex;not null" json:"account_id"`
	// 展示名称
	Name string `gorm:"column:name;type:varchar(128);not null" json:"name"`
	// 会计类别（ASSET, LIABILITY, EQUITY, REVENUE, EXPENSE）
	AssetClass AssetClass `gorm:"column:asset_class;type:varchar(16);not null" json:"asset_class"`
	// 币种（ISO-4217），创建后不可变
	Currency string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	// 已过账余额（最小单位整数，带符号）
	BalancePosted int64 `gorm:"column:balance_posted;not null;default:0" json:"balance_posted"`
	// 未结算 PENDING 交易的净增量
	BalancePending int64 `gorm:"column:balance_pending;not null;default:0" json:"balance_pending"`
	// ACTIVE 持有占用的金额（缓存值，与持有状态机同事务维护）
	HeldAmount int64 `gorm:"column:held_amount;not null;default:0" json:"held_amount"`
	// 是否允许余额为负（系统账户策略）
	AllowNegative bool `gorm:"column:allow_negative;not null;default:false" json:"allow_negative"`
	// 并发策略标签
	LockStrategy LockStrategy `gorm:"column:lock_strategy;type:varchar(16);not null;default:'OPTIMISTIC'" json:"lock_strategy"`
	// 归档标记，账户不删除
	Archived bool `gorm:"column:archived;not null;default:false" json:"archived"`
	// 乐观锁版本号，每次余额变更递增
	Version int64 `gorm:"column:version;not null;default:0" json:"version"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Account) TableName() string { return "accounts" }

// NewAccount 创建账户
func NewAccount(accountID, name string, class AssetClass, currency string) *Account {
	return &Account{
		AccountID:    accountID,
		Name:         name,
		AssetClass:   class,
		Currency:     currency,
		LockStrategy: LockOptimistic,
	}
}

// Available 可用余额 = 已过账余额 − ACTIVE 持有占用
func (a *Account) Available() int64 {
	return a.BalancePosted - a.HeldAmount
}

// CanDebit 判断扣减 amount 后余额是否仍然合法
func (a *Account) CanDebit(amount int64) bool {
	if a.AllowNegative {
		return true
	}
	return a.Available() >= amount
}
