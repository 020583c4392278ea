package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/idgen"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

// HoldConfig 持有服务配置
type HoldConfig struct {
	// 乐观锁冲突重试上限
	MaxRetryAttempts int
	// 重试退避基准
	RetryBackoff time.Duration
	// 过期清理轮询间隔
	SweepInterval time.Duration
	// 单轮清理的持有数上限
	SweepBatchSize int
	// ExpiresAt 与 TTL 均缺省时的默认存活时长
	DefaultTTL time.Duration
}

// HoldService 授权持有应用服务。
// 持有占用可用余额但不产生分录；capture 时才落账为交易。
type HoldService struct {
	uow      domain.UnitOfWork
	accounts domain.AccountRepository
	txns     domain.TransactionRepository
	holds    domain.HoldRepository
	events   domain.EventRepository
	cache    domain.BalanceCache
	idgen    *idgen.Snowflake
	metrics  *metrics.Metrics
	cfg      HoldConfig

	stop chan struct{}
	done chan struct{}
}

// NewHoldService 创建持有服务实例
func NewHoldService(
	uow domain.UnitOfWork,
	accounts domain.AccountRepository,
	txns domain.TransactionRepository,
	holds domain.HoldRepository,
	events domain.EventRepository,
	cache domain.BalanceCache,
	gen *idgen.Snowflake,
	m *metrics.Metrics,
	cfg HoldConfig,
) *HoldService {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	return &HoldService{
		uow:      uow,
		accounts: accounts,
		txns:     txns,
		holds:    holds,
		events:   events,
		cache:    cache,
		idgen:    gen,
		metrics:  m,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Create 创建持有：校验可用余额后预留金额。
// 幂等语义与过账一致，同一 reference 重复请求返回已存持有。
func (s *HoldService) Create(ctx context.Context, req *CreateHoldRequest) (*domain.Hold, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError(domain.CheckPositiveAmount, -1,
			"hold amount must be strictly positive, got %d", req.Amount)
	}
	if req.CounterAccountID == req.AccountID {
		return nil, domain.NewValidationError(domain.CheckAccountExistence, -1,
			"counter account must differ from held account %s", req.AccountID)
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		ttl := s.cfg.DefaultTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		expiresAt = time.Now().Add(ttl)
	}

	if existing, err := s.holds.GetByReference(ctx, req.Reference); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.AccountID != req.AccountID || existing.Amount != req.Amount || existing.Currency != req.Currency {
			return nil, domain.ErrIdempotencyConflict
		}
		return existing, nil
	}

	var result *domain.Hold
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		acc, err := s.accounts.Get(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acc.Archived {
			return fmt.Errorf("%w: %s", domain.ErrAccountArchived, acc.AccountID)
		}
		if req.Currency != acc.Currency {
			return domain.NewValidationError(domain.CheckCurrencyMatch, -1,
				"hold currency %s does not match account %s currency %s", req.Currency, acc.AccountID, acc.Currency)
		}
		// capture 会在持有币种下贷记对手账户，币种必须在创建时就对齐
		cnt, err := s.accounts.Get(ctx, req.CounterAccountID)
		if err != nil {
			return err
		}
		if cnt.Archived {
			return fmt.Errorf("%w: %s", domain.ErrAccountArchived, cnt.AccountID)
		}
		if req.Currency != cnt.Currency {
			return domain.NewValidationError(domain.CheckCurrencyMatch, -1,
				"hold currency %s does not match counter account %s currency %s", req.Currency, cnt.AccountID, cnt.Currency)
		}
		if !acc.CanDebit(req.Amount) {
			return fmt.Errorf("%w: account %s available %d, need %d",
				domain.ErrInsufficientFunds, acc.AccountID, acc.Available(), req.Amount)
		}

		hold := &domain.Hold{
			HoldID:           fmt.Sprintf("HLD-%d", s.idgen.Generate()),
			Reference:        req.Reference,
			AccountID:        req.AccountID,
			CounterAccountID: req.CounterAccountID,
			Amount:           req.Amount,
			Currency:         req.Currency,
			Status:           domain.HoldActive,
			ExpiresAt:        expiresAt,
		}
		if err := s.holds.Create(ctx, hold); err != nil {
			return err
		}
		if err := s.appendHoldEvent(ctx, hold, domain.EventHoldCreated); err != nil {
			return err
		}

		acc.HeldAmount += req.Amount
		if err := s.accounts.UpdateBalances(ctx, acc); err != nil {
			return err
		}
		result = hold
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// 并发首提竞争，回放判定
			if existing, rerr := s.holds.GetByReference(ctx, req.Reference); rerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.invalidate(ctx, req.AccountID)
	logger.Info(ctx, "hold created", "hold_id", result.HoldID, "account_id", req.AccountID, "amount", req.Amount)
	return result, nil
}

// Capture 将 ACTIVE 持有落账：预留转为真实交易（借记持有账户、
// 贷记对手账户），持有进入 CAPTURED 终态。单向转移由条件更新保证。
func (s *HoldService) Capture(ctx context.Context, holdID string) (*domain.Transaction, error) {
	var (
		result  *domain.Transaction
		account string
		counter string
	)
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		hold, err := s.holds.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldActive {
			return fmt.Errorf("%w: capture on %s hold", domain.ErrHoldState, hold.Status)
		}
		account, counter = hold.AccountID, hold.CounterAccountID

		acc, err := s.accounts.Get(ctx, hold.AccountID)
		if err != nil {
			return err
		}
		cnt, err := s.accounts.Get(ctx, hold.CounterAccountID)
		if err != nil {
			return err
		}
		if acc.Archived {
			return fmt.Errorf("%w: %s", domain.ErrAccountArchived, acc.AccountID)
		}
		if cnt.Archived {
			return fmt.Errorf("%w: %s", domain.ErrAccountArchived, cnt.AccountID)
		}

		now := time.Now()
		txn := &domain.Transaction{
			TransactionID: fmt.Sprintf("TXN-%d", s.idgen.Generate()),
			Reference:     "capture-" + hold.HoldID,
			Status:        domain.StatusPosted,
			Description:   "capture of hold " + hold.HoldID,
			PostedAt:      &now,
			Entries: []domain.LedgerEntry{
				{
					EntryID:   fmt.Sprintf("ENT-%d", s.idgen.Generate()),
					AccountID: hold.AccountID,
					Amount:    hold.Amount,
					Direction: domain.DirectionDebit,
					Currency:  hold.Currency,
				},
				{
					EntryID:   fmt.Sprintf("ENT-%d", s.idgen.Generate()),
					AccountID: hold.CounterAccountID,
					Amount:    hold.Amount,
					Direction: domain.DirectionCredit,
					Currency:  hold.Currency,
				},
			},
		}
		txn.RequestHash = domain.Fingerprint(domain.StatusPosted, txn.Description, entryInputs(txn.Entries), nil)
		if err := s.txns.Create(ctx, txn); err != nil {
			return err
		}
		if err := s.holds.Transition(ctx, hold.HoldID, domain.HoldCaptured, txn.TransactionID); err != nil {
			return err
		}
		hold.Status = domain.HoldCaptured
		hold.CaptureTransactionID = txn.TransactionID
		if err := s.appendHoldEvent(ctx, hold, domain.EventHoldCaptured); err != nil {
			return err
		}

		// 预留随 capture 释放，再应用借记增量：预留覆盖的部分天然通过资金检查
		acc.HeldAmount -= hold.Amount
		if !acc.CanDebit(hold.Amount) {
			return fmt.Errorf("%w: account %s available %d, need %d",
				domain.ErrInsufficientFunds, acc.AccountID, acc.Available(), hold.Amount)
		}
		acc.BalancePosted -= hold.Amount
		if err := s.accounts.UpdateBalances(ctx, acc); err != nil {
			return err
		}
		cnt.BalancePosted += hold.Amount
		if err := s.accounts.UpdateBalances(ctx, cnt); err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, account)
	s.invalidate(ctx, counter)
	s.metrics.TransactionsCreated.Inc()
	s.metrics.TransactionsPosted.Inc()
	logger.Info(ctx, "hold captured", "hold_id", holdID, "transaction_id", result.TransactionID)
	return result, nil
}

// Release 显式释放 ACTIVE 持有，无资金影响
func (s *HoldService) Release(ctx context.Context, holdID string) error {
	return s.discard(ctx, holdID, domain.HoldReleased, domain.EventHoldReleased)
}

// Get 按持有 ID 查询
func (s *HoldService) Get(ctx context.Context, holdID string) (*domain.Hold, error) {
	return s.holds.Get(ctx, holdID)
}

// StartSweeper 启动过期清理循环
func (s *HoldService) StartSweeper(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		logger.Info(ctx, "hold sweeper started", "interval", s.cfg.SweepInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n, err := s.ExpireDue(ctx); err != nil {
					logger.Error(ctx, "hold sweep failed", "error", err)
				} else if n > 0 {
					logger.Info(ctx, "holds expired", "count", n)
				}
			}
		}
	}()
}

// StopSweeper 停止过期清理循环
func (s *HoldService) StopSweeper() {
	close(s.stop)
	<-s.done
}

// ExpireDue 清理一批已过期的 ACTIVE 持有，返回清理数量。
// 逐个独立事务处理，单个失败不阻塞其余。
func (s *HoldService) ExpireDue(ctx context.Context) (int, error) {
	expired, err := s.holds.ListExpired(ctx, time.Now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, hold := range expired {
		if err := s.discard(ctx, hold.HoldID, domain.HoldExpired, domain.EventHoldExpired); err != nil {
			// 与并发的 capture/release 竞争失败属正常，跳过
			if errors.Is(err, domain.ErrHoldState) {
				continue
			}
			logger.Warn(ctx, "hold expiry failed", "hold_id", hold.HoldID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// discard 将 ACTIVE 持有转入 RELEASED / EXPIRED 终态并归还预留
func (s *HoldService) discard(ctx context.Context, holdID string, to domain.HoldStatus, eventType string) error {
	var account string
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		hold, err := s.holds.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldActive {
			return fmt.Errorf("%w: %s on %s hold", domain.ErrHoldState, to, hold.Status)
		}
		account = hold.AccountID

		if err := s.holds.Transition(ctx, hold.HoldID, to, ""); err != nil {
			return err
		}
		hold.Status = to
		if err := s.appendHoldEvent(ctx, hold, eventType); err != nil {
			return err
		}

		acc, err := s.accounts.Get(ctx, hold.AccountID)
		if err != nil {
			return err
		}
		acc.HeldAmount -= hold.Amount
		return s.accounts.UpdateBalances(ctx, acc)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, account)
	logger.Info(ctx, "hold discarded", "hold_id", holdID, "status", to)
	return nil
}

func (s *HoldService) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := s.uow.Atomic(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrOptimisticLock) {
			s.metrics.PostingConflicts.Inc()
			if attempt+1 >= s.cfg.MaxRetryAttempts {
				s.metrics.PostingConflictsExhausted.Inc()
				return domain.ErrConflictExhausted
			}
			time.Sleep(idgen.BackoffWithJitter(s.cfg.RetryBackoff, attempt))
			continue
		}
		return err
	}
}

func (s *HoldService) appendHoldEvent(ctx context.Context, hold *domain.Hold, eventType string) error {
	event, err := domain.NewLedgerEvent("hold", hold.HoldID, eventType, hold)
	if err != nil {
		return err
	}
	return s.events.Append(ctx, event)
}

func (s *HoldService) invalidate(ctx context.Context, accountID string) {
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		logger.Warn(ctx, "balance cache invalidation failed", "account_id", accountID, "error", err)
	}
}
