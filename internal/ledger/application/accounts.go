package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// AccountService 账户管理应用服务
type AccountService struct {
	accounts domain.AccountRepository
	cache    domain.BalanceCache
}

// NewAccountService 创建账户服务实例
func NewAccountService(accounts domain.AccountRepository, cache domain.BalanceCache) *AccountService {
	return &AccountService{accounts: accounts, cache: cache}
}

// Create 创建账户。account_id 已存在时返回已存账户（创建是幂等的）。
func (s *AccountService) Create(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	class := domain.AssetClass(req.AssetClass)
	if !class.Valid() {
		return nil, fmt.Errorf("invalid asset class: %q", req.AssetClass)
	}
	if !domain.ValidCurrency(req.Currency) {
		return nil, fmt.Errorf("invalid currency code: %q", req.Currency)
	}

	account := domain.NewAccount(req.AccountID, req.Name, class, req.Currency)
	account.AllowNegative = req.AllowNegative
	if req.LockStrategy != "" {
		strategy := domain.LockStrategy(req.LockStrategy)
		if strategy != domain.LockOptimistic && strategy != domain.LockPessimistic {
			return nil, fmt.Errorf("invalid lock strategy: %q", req.LockStrategy)
		}
		account.LockStrategy = strategy
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			return s.accounts.Get(ctx, req.AccountID)
		}
		return nil, err
	}
	logger.Info(ctx, "account created",
		"account_id", account.AccountID, "asset_class", account.AssetClass, "currency", account.Currency)
	return account, nil
}

// Get 按账户 ID 查询
func (s *AccountService) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.accounts.Get(ctx, accountID)
}

// List 分页列出账户
func (s *AccountService) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.accounts.List(ctx, limit, offset)
}

// Archive 归档账户。账户不删除，归档后拒绝新记账。
func (s *AccountService) Archive(ctx context.Context, accountID string) error {
	if err := s.accounts.Archive(ctx, accountID); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		logger.Warn(ctx, "balance cache invalidation failed", "account_id", accountID, "error", err)
	}
	logger.Info(ctx, "account archived", "account_id", accountID)
	return nil
}
