package domain

import (
	"time"
)

// HoldStatus 持有状态
type HoldStatus string

const (
	// HoldActive 占用可用余额
	HoldActive HoldStatus = "ACTIVE"
	// HoldCaptured 已落账为交易，终态
	HoldCaptured HoldStatus = "CAPTURED"
	// HoldReleased 显式释放，无资金影响，终态
	HoldReleased HoldStatus = "RELEASED"
	// HoldExpired 到期清理，无资金影响，终态
	HoldExpired HoldStatus = "EXPIRED"
)

// Terminal 判断是否终态。ACTIVE 之后只允许一次单向转移。
func (s HoldStatus) Terminal() bool {
	return s == HoldCaptured || s == HoldReleased || s == HoldExpired
}

// Hold 授权持有：针对账户可用余额的预留，尚未成为交易。
// 状态转移只能从 ACTIVE 出发，仓储层用条件更新强制互斥。
type Hold struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 持有 ID（业务主键）
	HoldID string `gorm:"column:hold_id;type:varchar(32);uniqueIndex;not null" json:"hold_id"`
	// 调用方幂等引用，全局唯一
	Reference string `gorm:"column:reference;type:varchar(64);uniqueIndex;not null" json:"reference"`
	// 被占用账户
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// capture 时的对手账户
	CounterAccountID string `gorm:"column:counter_account_id;type:varchar(32);not null" json:"counter_account_id"`
	// 金额，严格为正的最小单位整数
	Amount int64 `gorm:"column:amount;not null" json:"amount"`
	// 币种
	Currency string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	// 状态
	Status HoldStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	// 过期时间，到期由清理任务置为 EXPIRED
	ExpiresAt time.Time `gorm:"column:expires_at;index;not null" json:"expires_at"`
	// capture 产生的交易 ID
	CaptureTransactionID string `gorm:"column:capture_transaction_id;type:varchar(32)" json:"capture_transaction_id,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Hold) TableName() string { return "holds" }
