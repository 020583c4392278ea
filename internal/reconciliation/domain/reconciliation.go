// Package domain 对账引擎的领域模型：外部流水与对账记录
package domain

import (
	"errors"
	"time"
)

// 错误分类
var (
	// ErrReconciliationNotFound 对账记录不存在
	ErrReconciliationNotFound = errors.New("reconciliation not found")
	// ErrAlreadyResolved 对已 RESOLVED 的对账记录再次 resolve，终态不可重入
	ErrAlreadyResolved = errors.New("reconciliation already resolved")
	// ErrDuplicateKey 存储层唯一约束冲突，仓储实现负责映射
	ErrDuplicateKey = errors.New("duplicate key")
)

// ReconciliationStatus 对账分类结果
type ReconciliationStatus string

const (
	// StatusMatched 金额与币种一致
	StatusMatched ReconciliationStatus = "MATCHED"
	// StatusMissingInternal 外部流水找不到内部交易
	StatusMissingInternal ReconciliationStatus = "MISSING_INTERNAL"
	// StatusMissingExternal 内部 POSTED 交易在窗口内未等到外部流水
	StatusMissingExternal ReconciliationStatus = "MISSING_EXTERNAL"
	// StatusAmountMismatch 同一对手方但金额不一致
	StatusAmountMismatch ReconciliationStatus = "AMOUNT_MISMATCH"
	// StatusCurrencyMismatch 币种不一致
	StatusCurrencyMismatch ReconciliationStatus = "CURRENCY_MISMATCH"
	// StatusResolved 已通过补偿交易解决，终态
	StatusResolved ReconciliationStatus = "RESOLVED"
)

// Mismatch 判断分类是否属于需要处理的差异
func (s ReconciliationStatus) Mismatch() bool {
	switch s {
	case StatusMissingInternal, StatusMissingExternal, StatusAmountMismatch, StatusCurrencyMismatch:
		return true
	}
	return false
}

// ExternalTransaction 外部上报流水（银行/支付渠道），导入后不可变。
// (provider, external_id) 全局唯一，重复导入为 no-op。
type ExternalTransaction struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 渠道标识
	Provider string `gorm:"column:provider;type:varchar(64);uniqueIndex:uk_provider_external;not null" json:"provider"`
	// 渠道侧流水 ID
	ExternalID string `gorm:"column:external_id;type:varchar(64);uniqueIndex:uk_provider_external;not null" json:"external_id"`
	// 渠道携带的内部引用（可选的精确交叉引用）
	Reference string `gorm:"column:reference;type:varchar(64);index" json:"reference,omitempty"`
	// 金额（最小单位整数）
	Amount int64 `gorm:"column:amount;not null" json:"amount"`
	// 币种
	Currency string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	// 对手方标识
	Counterparty string `gorm:"column:counterparty;type:varchar(128)" json:"counterparty,omitempty"`
	// 渠道侧发生时间
	OccurredAt time.Time `gorm:"column:occurred_at;index;not null" json:"occurred_at"`
	// 描述
	Description string `gorm:"column:description;type:varchar(255)" json:"description,omitempty"`
	// 是否已进入对账分类
	Reconciled bool `gorm:"column:reconciled;not null;default:false;index" json:"reconciled"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名
func (ExternalTransaction) TableName() string { return "external_transactions" }

// Reconciliation 对账记录：一个 (provider, external_id) 的一次匹配结论。
// 分类可随重跑更新；RESOLVED 之后终态不可变。
type Reconciliation struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 对账记录 ID（业务主键）
	ReconciliationID string `gorm:"column:reconciliation_id;type:varchar(32);uniqueIndex;not null" json:"reconciliation_id"`
	// 渠道标识
	Provider string `gorm:"column:provider;type:varchar(64);uniqueIndex:uk_recon_provider_external;not null" json:"provider"`
	// 渠道侧流水 ID；MISSING_EXTERNAL 记录用 missing:<txn_id> 占位
	ExternalID string `gorm:"column:external_id;type:varchar(64);uniqueIndex:uk_recon_provider_external;not null" json:"external_id"`
	// 匹配到的内部交易 ID，未匹配到时为空
	TransactionID string `gorm:"column:transaction_id;type:varchar(32);index" json:"transaction_id,omitempty"`
	// 分类结果
	Status ReconciliationStatus `gorm:"column:status;type:varchar(24);index;not null" json:"status"`
	// 带符号差异金额：外部金额 − 内部金额
	DiffAmount int64 `gorm:"column:diff_amount;not null;default:0" json:"diff_amount"`
	// 币种
	Currency string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	// 备注
	Note string `gorm:"column:note;type:varchar(255)" json:"note,omitempty"`
	// 解决时写入的补偿交易 ID
	ResolutionTransactionID string `gorm:"column:resolution_transaction_id;type:varchar(32)" json:"resolution_transaction_id,omitempty"`
	// 解决人
	ResolvedBy string `gorm:"column:resolved_by;type:varchar(64)" json:"resolved_by,omitempty"`
	// 解决时间
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Reconciliation) TableName() string { return "reconciliations" }
