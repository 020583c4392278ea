package domain

import (
	"time"
)

// TransactionStatus 交易状态
type TransactionStatus string

const (
	// StatusPending 已记录分录但未影响已过账余额
	StatusPending TransactionStatus = "PENDING"
	// StatusPosted 已过账，终态
	StatusPosted TransactionStatus = "POSTED"
	// StatusRejected 校验或余额检查失败，留档审计，终态
	StatusRejected TransactionStatus = "REJECTED"
	// StatusReversed 已被冲正交易抵销，终态
	StatusReversed TransactionStatus = "REVERSED"
)

// Terminal 判断是否终态。PENDING 之外的状态不再变更。
func (s TransactionStatus) Terminal() bool {
	return s == StatusPosted || s == StatusRejected || s == StatusReversed
}

// Direction 分录方向
type Direction string

const (
	// DirectionDebit 借记：资金流出，余额减少
	DirectionDebit Direction = "DEBIT"
	// DirectionCredit 贷记：资金流入，余额增加
	DirectionCredit Direction = "CREDIT"
)

// Valid 校验方向取值
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// Transaction 交易实体，一次资金事件的不可变容器。
// 创建后除唯一一次状态落定写入（settle / reverse）外不再更新。
type Transaction struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 交易 ID（业务主键）
	TransactionID string `gorm:"column:transaction_id;type:varchar(32);uniqueIndex;not null" json:"transaction_id"`
	// 调用方幂等引用，全局唯一
	Reference string `gorm:"column:reference;type:varchar(64);uniqueIndex;not null" json:"reference"`
	// 状态
	Status TransactionStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	// 描述
	Description string `gorm:"column:description;type:varchar(255)" json:"description"`
	// 请求指纹（SHA-256），幂等冲突检测用
	RequestHash string `gorm:"column:request_hash;type:char(64);not null" json:"-"`
	// 发起方
	Actor string `gorm:"column:actor;type:varchar(64)" json:"actor,omitempty"`
	// 关联追踪 ID
	CorrelationID string `gorm:"column:correlation_id;type:varchar(64)" json:"correlation_id,omitempty"`
	// 来源渠道（对账时用于定位 provider）
	Source string `gorm:"column:source;type:varchar(64);index" json:"source,omitempty"`
	// 附加元数据（JSON 文本）
	Metadata string `gorm:"column:metadata;type:json" json:"metadata,omitempty"`
	// 被本交易冲正的交易 ID
	ReversesTransactionID string `gorm:"column:reverses_transaction_id;type:varchar(32)" json:"reverses_transaction_id,omitempty"`
	// 过账时间
	PostedAt *time.Time `gorm:"column:posted_at" json:"posted_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`

	Entries []LedgerEntry `gorm:"foreignKey:TransactionID;references:TransactionID" json:"entries"`
}

// TableName 指定表名
func (Transaction) TableName() string { return "transactions" }

// LedgerEntry 分录，append-only，属于且仅属于一笔交易和一个账户
type LedgerEntry struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 分录 ID（业务主键）
	EntryID string `gorm:"column:entry_id;type:varchar(32);uniqueIndex;not null" json:"entry_id"`
	// 所属交易
	TransactionID string `gorm:"column:transaction_id;type:varchar(32);index;not null" json:"transaction_id"`
	// 所属账户
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// 金额，严格为正的最小单位整数
	Amount int64 `gorm:"column:amount;not null" json:"amount"`
	// 方向
	Direction Direction `gorm:"column:direction;type:varchar(8);not null" json:"direction"`
	// 币种，必须与账户币种一致
	Currency string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string { return "ledger_entries" }

// SignedAmount 分录对账户余额的带符号增量：借记为负，贷记为正
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

// EntryInput 过账请求中的分录描述
type EntryInput struct {
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Direction Direction `json:"direction"`
	Currency  string    `json:"currency"`
}

// SignedAmount 同 LedgerEntry.SignedAmount
func (e EntryInput) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}
