package domain

import (
	"errors"
	"fmt"
)

// 错误分类。调用方用 errors.Is/As 区分"未发生任何影响，可安全重试"
// 与"已有持久化影响，不可盲目重试"两类结果。
var (
	// ErrAccountNotFound 账户不存在
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound 交易不存在
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrHoldNotFound 持有不存在
	ErrHoldNotFound = errors.New("hold not found")
	// ErrIdempotencyConflict 同一 reference 携带不同指纹，无新影响
	ErrIdempotencyConflict = errors.New("idempotency conflict: reference already used with a different payload")
	// ErrInsufficientFunds 可用余额不足，交易以 REJECTED 留档
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflictExhausted 乐观锁重试次数耗尽。无部分影响，传输层可重试。
	ErrConflictExhausted = errors.New("concurrency conflict: retries exhausted")
	// ErrHoldState 非法持有状态转移（如 capture 非 ACTIVE 持有），无影响
	ErrHoldState = errors.New("invalid hold state transition")
	// ErrTransactionState 非法交易状态转移（如 settle 非 PENDING 交易）
	ErrTransactionState = errors.New("invalid transaction state transition")
	// ErrDuplicateKey 存储层唯一约束冲突，仓储实现负责映射
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrOptimisticLock 单次尝试内的版本冲突，由过账重试循环消化
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	// ErrAccountArchived 归档账户不可记账
	ErrAccountArchived = errors.New("account is archived")
)

// 校验检查项标识
const (
	CheckEntryCount       = "ENTRY_COUNT"
	CheckPositiveAmount   = "POSITIVE_AMOUNT"
	CheckCurrencyMatch    = "CURRENCY_MATCH"
	CheckZeroSum          = "ZERO_SUM"
	CheckDirection        = "DIRECTION"
	CheckAccountExistence = "ACCOUNT_EXISTENCE"
)

// ValidationError 记账规则校验失败，指明违反的检查项与触发的分录
type ValidationError struct {
	// 违反的检查项
	Check string
	// 人类可读描述
	Detail string
	// 触发检查失败的分录下标（无特定分录时为 -1）
	EntryIndex int
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	if e.EntryIndex >= 0 {
		return fmt.Sprintf("validation failed [%s] at entry %d: %s", e.Check, e.EntryIndex, e.Detail)
	}
	return fmt.Sprintf("validation failed [%s]: %s", e.Check, e.Detail)
}

// NewValidationError 构造校验错误
func NewValidationError(check string, entryIndex int, format string, args ...any) *ValidationError {
	return &ValidationError{
		Check:      check,
		Detail:     fmt.Sprintf(format, args...),
		EntryIndex: entryIndex,
	}
}
