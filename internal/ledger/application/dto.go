// Package application 记账核心的应用服务：过账、持有生命周期、查询与 outbox 发布
package application

import (
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
)

// EntryRequest 过账请求中的单条分录
type EntryRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Direction string `json:"direction" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
}

// PostTransactionRequest 过账请求
type PostTransactionRequest struct {
	// 调用方幂等引用，全局唯一
	Reference   string `json:"reference" binding:"required"`
	Description string `json:"description"`
	// 为真时记为 PENDING，余额影响推迟到 settle
	Pending       bool              `json:"pending"`
	Actor         string            `json:"actor"`
	CorrelationID string            `json:"correlation_id"`
	Source        string            `json:"source"`
	Metadata      map[string]string `json:"metadata"`
	Entries       []EntryRequest    `json:"entries" binding:"required"`
}

// DomainEntries 转换为领域分录输入
func (r *PostTransactionRequest) DomainEntries() []domain.EntryInput {
	entries := make([]domain.EntryInput, len(r.Entries))
	for i, e := range r.Entries {
		entries[i] = domain.EntryInput{
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Direction: domain.Direction(e.Direction),
			Currency:  e.Currency,
		}
	}
	return entries
}

// CreateAccountRequest 创建账户请求
type CreateAccountRequest struct {
	AccountID     string `json:"account_id" binding:"required"`
	Name          string `json:"name" binding:"required"`
	AssetClass    string `json:"asset_class" binding:"required"`
	Currency      string `json:"currency" binding:"required"`
	AllowNegative bool   `json:"allow_negative"`
	LockStrategy  string `json:"lock_strategy"`
}

// CreateHoldRequest 创建持有请求
type CreateHoldRequest struct {
	// 调用方幂等引用，全局唯一
	Reference        string `json:"reference" binding:"required"`
	AccountID        string `json:"account_id" binding:"required"`
	CounterAccountID string `json:"counter_account_id" binding:"required"`
	Amount           int64  `json:"amount" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
	// 过期时间；零值时按 TTLSeconds 计算
	ExpiresAt time.Time `json:"expires_at"`
	// 相对过期秒数；ExpiresAt 与 TTLSeconds 都缺省时默认 15 分钟
	TTLSeconds int64 `json:"ttl_seconds"`
}

// StatementLine 对账单中的一行
type StatementLine struct {
	EntryID       string           `json:"entry_id"`
	TransactionID string           `json:"transaction_id"`
	Amount        int64            `json:"amount"`
	Direction     domain.Direction `json:"direction"`
	Currency      string           `json:"currency"`
	// 该行过账后的余额
	RunningBalance int64     `json:"running_balance"`
	CreatedAt      time.Time `json:"created_at"`
}

// Statement 账户对账单：期初余额 + 区间分录 + 逐行滚动余额
type Statement struct {
	AccountID      string          `json:"account_id"`
	Currency       string          `json:"currency"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	OpeningBalance int64           `json:"opening_balance"`
	ClosingBalance int64           `json:"closing_balance"`
	Lines          []StatementLine `json:"lines"`
}
