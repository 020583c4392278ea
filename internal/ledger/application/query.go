package application

import (
	"context"
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// QueryService 余额与对账单查询服务。
// 余额查询走读缓存，未命中回源主库并回填；对账单直查主库。
type QueryService struct {
	accounts domain.AccountRepository
	txns     domain.TransactionRepository
	cache    domain.BalanceCache
}

// NewQueryService 创建查询服务实例
func NewQueryService(
	accounts domain.AccountRepository,
	txns domain.TransactionRepository,
	cache domain.BalanceCache,
) *QueryService {
	return &QueryService{accounts: accounts, txns: txns, cache: cache}
}

// Balance 查询账户余额快照
func (s *QueryService) Balance(ctx context.Context, accountID string) (*domain.BalanceSnapshot, error) {
	if snapshot, err := s.cache.Get(ctx, accountID); err != nil {
		logger.Warn(ctx, "balance cache read failed", "account_id", accountID, "error", err)
	} else if snapshot != nil {
		return snapshot, nil
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snapshot := &domain.BalanceSnapshot{
		AccountID:      account.AccountID,
		Currency:       account.Currency,
		BalancePosted:  account.BalancePosted,
		BalancePending: account.BalancePending,
		HeldAmount:     account.HeldAmount,
		Available:      account.Available(),
		Version:        account.Version,
	}
	if err := s.cache.Save(ctx, snapshot); err != nil {
		logger.Warn(ctx, "balance cache backfill failed", "account_id", accountID, "error", err)
	}
	return snapshot, nil
}

// StatementFor 生成账户区间对账单：期初余额由区间前全部已过账分录
// 累加得出，区间内逐行滚动。
func (s *QueryService) StatementFor(ctx context.Context, accountID string, from, to time.Time) (*Statement, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	opening, err := s.txns.SumEntryDeltasBefore(ctx, accountID, from)
	if err != nil {
		return nil, err
	}
	entries, err := s.txns.EntriesByAccount(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}

	statement := &Statement{
		AccountID:      accountID,
		Currency:       account.Currency,
		From:           from,
		To:             to,
		OpeningBalance: opening,
		ClosingBalance: opening,
		Lines:          make([]StatementLine, 0, len(entries)),
	}
	running := opening
	for i := range entries {
		e := &entries[i]
		running += e.SignedAmount()
		statement.Lines = append(statement.Lines, StatementLine{
			EntryID:        e.EntryID,
			TransactionID:  e.TransactionID,
			Amount:         e.Amount,
			Direction:      e.Direction,
			Currency:       e.Currency,
			RunningBalance: running,
			CreatedAt:      e.CreatedAt,
		})
	}
	statement.ClosingBalance = running
	return statement, nil
}
