package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/idgen"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

// PostingConfig 过账服务配置
type PostingConfig struct {
	// 单笔交易分录数上限
	MaxEntriesPerTransaction int
	// 乐观锁冲突重试上限
	MaxRetryAttempts int
	// 重试退避基准
	RetryBackoff time.Duration
}

// PostingService 过账应用服务。
// 负责幂等守卫、记账规则校验、原子余额应用与冲突重试。
type PostingService struct {
	uow      domain.UnitOfWork
	accounts domain.AccountRepository
	txns     domain.TransactionRepository
	events   domain.EventRepository
	cache    domain.BalanceCache
	idgen    *idgen.Snowflake
	metrics  *metrics.Metrics
	cfg      PostingConfig
}

// NewPostingService 创建过账服务实例
func NewPostingService(
	uow domain.UnitOfWork,
	accounts domain.AccountRepository,
	txns domain.TransactionRepository,
	events domain.EventRepository,
	cache domain.BalanceCache,
	gen *idgen.Snowflake,
	m *metrics.Metrics,
	cfg PostingConfig,
) *PostingService {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &PostingService{
		uow:      uow,
		accounts: accounts,
		txns:     txns,
		events:   events,
		cache:    cache,
		idgen:    gen,
		metrics:  m,
		cfg:      cfg,
	}
}

// Post 过账一笔交易。
// 幂等语义：同一 reference 携带相同内容时返回已存的交易且不产生新影响；
// 携带不同内容时返回 ErrIdempotencyConflict。
// 校验失败与余额不足的交易以 REJECTED 落库留档，错误随交易一并返回。
func (s *PostingService) Post(ctx context.Context, req *PostTransactionRequest) (*domain.Transaction, error) {
	start := time.Now()
	entries := req.DomainEntries()

	status := domain.StatusPosted
	if req.Pending {
		status = domain.StatusPending
	}
	hash := domain.Fingerprint(status, req.Description, entries, req.Metadata)

	if txn, err := s.replayByReference(ctx, req.Reference, hash); err != nil || txn != nil {
		return txn, err
	}

	var (
		result  *domain.Transaction
		failure error
	)
	for attempt := 0; ; attempt++ {
		result, failure = nil, nil
		err := s.uow.Atomic(ctx, func(ctx context.Context) error {
			txn, ferr, aerr := s.attemptPost(ctx, req, entries, status, hash)
			if aerr != nil {
				return aerr
			}
			result, failure = txn, ferr
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrOptimisticLock) {
			s.metrics.PostingConflicts.Inc()
			if attempt+1 >= s.cfg.MaxRetryAttempts {
				s.metrics.PostingConflictsExhausted.Inc()
				logger.Warn(ctx, "posting retries exhausted",
					"reference", req.Reference, "attempts", attempt+1)
				return nil, domain.ErrConflictExhausted
			}
			time.Sleep(idgen.BackoffWithJitter(s.cfg.RetryBackoff, attempt))
			continue
		}
		if errors.Is(err, domain.ErrDuplicateKey) {
			// 并发首提竞争：另一个请求抢先落库，走回放判定
			if txn, rerr := s.replayByReference(ctx, req.Reference, hash); rerr != nil || txn != nil {
				return txn, rerr
			}
		}
		return nil, err
	}

	s.invalidateBalances(ctx, entries)
	s.metrics.TransactionsCreated.Inc()
	s.metrics.PostingDuration.Observe(time.Since(start).Seconds())

	if failure != nil {
		s.metrics.TransactionsRejected.Inc()
		logger.Info(ctx, "transaction rejected",
			"transaction_id", result.TransactionID, "reference", req.Reference, "reason", failure.Error())
		return result, failure
	}
	if status == domain.StatusPosted {
		s.metrics.TransactionsPosted.Inc()
	}
	logger.Info(ctx, "transaction recorded",
		"transaction_id", result.TransactionID, "reference", req.Reference, "status", result.Status)
	return result, nil
}

// attemptPost 单次过账尝试，在一个数据库事务内执行。
// 返回 (交易, 业务失败, 技术错误)：业务失败时 REJECTED 交易已写入并应提交；
// 技术错误（含乐观锁冲突）触发回滚。
func (s *PostingService) attemptPost(
	ctx context.Context,
	req *PostTransactionRequest,
	entries []domain.EntryInput,
	status domain.TransactionStatus,
	hash string,
) (*domain.Transaction, error, error) {
	accounts, err := s.loadAccounts(ctx, entries)
	if err != nil {
		return nil, nil, err
	}

	if vErr := domain.ValidateEntries(entries, accounts, s.cfg.MaxEntriesPerTransaction); vErr != nil {
		txn, err := s.persistRejected(ctx, req, entries, hash)
		return txn, vErr, err
	}
	for _, acc := range accounts {
		if acc.Archived {
			txn, err := s.persistRejected(ctx, req, entries, hash)
			return txn, fmt.Errorf("%w: %s", domain.ErrAccountArchived, acc.AccountID), err
		}
	}

	deltas := domain.AccountDeltas(entries)
	if status == domain.StatusPosted {
		for _, accountID := range sortedKeys(deltas) {
			delta := deltas[accountID]
			if delta < 0 && !accounts[accountID].CanDebit(-delta) {
				txn, err := s.persistRejected(ctx, req, entries, hash)
				return txn, fmt.Errorf("%w: account %s available %d, need %d",
					domain.ErrInsufficientFunds, accountID, accounts[accountID].Available(), -delta), err
			}
		}
	}

	txn := s.buildTransaction(req, entries, status, hash)
	if status == domain.StatusPosted {
		now := time.Now()
		txn.PostedAt = &now
	}
	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, nil, err
	}

	eventType := domain.EventTransactionPosted
	if status == domain.StatusPending {
		eventType = domain.EventTransactionPending
	}
	if err := s.appendTransactionEvent(ctx, txn, eventType); err != nil {
		return nil, nil, err
	}

	// 固定顺序应用增量，降低交叉死锁概率
	for _, accountID := range sortedKeys(deltas) {
		acc := accounts[accountID]
		if status == domain.StatusPending {
			acc.BalancePending += deltas[accountID]
		} else {
			acc.BalancePosted += deltas[accountID]
		}
		if err := s.accounts.UpdateBalances(ctx, acc); err != nil {
			return nil, nil, err
		}
	}
	return txn, nil, nil
}

// Settle 将 PENDING 交易落定为 POSTED，此刻才应用余额增量并做资金检查
func (s *PostingService) Settle(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	var result *domain.Transaction
	for attempt := 0; ; attempt++ {
		err := s.uow.Atomic(ctx, func(ctx context.Context) error {
			txn, err := s.txns.GetByID(ctx, transactionID)
			if err != nil {
				return err
			}
			if txn.Status != domain.StatusPending {
				return fmt.Errorf("%w: settle on %s transaction", domain.ErrTransactionState, txn.Status)
			}

			entries := entryInputs(txn.Entries)
			accounts, err := s.loadAccounts(ctx, entries)
			if err != nil {
				return err
			}
			deltas := domain.AccountDeltas(entries)
			for _, accountID := range sortedKeys(deltas) {
				delta := deltas[accountID]
				if delta < 0 && !accounts[accountID].CanDebit(-delta) {
					return fmt.Errorf("%w: account %s available %d, need %d",
						domain.ErrInsufficientFunds, accountID, accounts[accountID].Available(), -delta)
				}
			}

			now := time.Now()
			if err := s.txns.SetStatus(ctx, transactionID, domain.StatusPending, domain.StatusPosted, &now); err != nil {
				return err
			}
			for _, accountID := range sortedKeys(deltas) {
				acc := accounts[accountID]
				acc.BalancePending -= deltas[accountID]
				acc.BalancePosted += deltas[accountID]
				if err := s.accounts.UpdateBalances(ctx, acc); err != nil {
					return err
				}
			}
			// 事件载荷要反映落定后的状态
			txn.Status = domain.StatusPosted
			txn.PostedAt = &now
			if err := s.appendTransactionEvent(ctx, txn, domain.EventTransactionSettled); err != nil {
				return err
			}

			result = txn
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrOptimisticLock) {
			s.metrics.PostingConflicts.Inc()
			if attempt+1 >= s.cfg.MaxRetryAttempts {
				s.metrics.PostingConflictsExhausted.Inc()
				return nil, domain.ErrConflictExhausted
			}
			time.Sleep(idgen.BackoffWithJitter(s.cfg.RetryBackoff, attempt))
			continue
		}
		return nil, err
	}

	s.invalidateBalances(ctx, entryInputs(result.Entries))
	s.metrics.TransactionsPosted.Inc()
	logger.Info(ctx, "transaction settled", "transaction_id", transactionID)
	return result, nil
}

// Reverse 冲正一笔 POSTED 交易：写入方向取反的补偿交易，
// 原交易置为 REVERSED。reference 为补偿交易的幂等引用。
func (s *PostingService) Reverse(ctx context.Context, transactionID, reference, description string) (*domain.Transaction, error) {
	original, err := s.txns.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.EntryInput, len(original.Entries))
	for i, e := range original.Entries {
		direction := domain.DirectionDebit
		if e.Direction == domain.DirectionDebit {
			direction = domain.DirectionCredit
		}
		entries[i] = domain.EntryInput{
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Direction: direction,
			Currency:  e.Currency,
		}
	}
	if description == "" {
		description = "reversal of " + transactionID
	}
	hash := domain.Fingerprint(domain.StatusPosted, description, entries, nil)

	if txn, err := s.replayByReference(ctx, reference, hash); err != nil || txn != nil {
		return txn, err
	}

	var result *domain.Transaction
	for attempt := 0; ; attempt++ {
		err := s.uow.Atomic(ctx, func(ctx context.Context) error {
			if err := s.txns.SetStatus(ctx, transactionID, domain.StatusPosted, domain.StatusReversed, nil); err != nil {
				return err
			}

			accounts, err := s.loadAccounts(ctx, entries)
			if err != nil {
				return err
			}
			deltas := domain.AccountDeltas(entries)
			for _, accountID := range sortedKeys(deltas) {
				delta := deltas[accountID]
				if delta < 0 && !accounts[accountID].CanDebit(-delta) {
					return fmt.Errorf("%w: account %s available %d, need %d",
						domain.ErrInsufficientFunds, accountID, accounts[accountID].Available(), -delta)
				}
			}

			now := time.Now()
			txn := &domain.Transaction{
				TransactionID:         fmt.Sprintf("TXN-%d", s.idgen.Generate()),
				Reference:             reference,
				Status:                domain.StatusPosted,
				Description:           description,
				RequestHash:           hash,
				CorrelationID:         original.CorrelationID,
				Source:                original.Source,
				ReversesTransactionID: transactionID,
				PostedAt:              &now,
			}
			for _, e := range entries {
				txn.Entries = append(txn.Entries, domain.LedgerEntry{
					EntryID:   fmt.Sprintf("ENT-%d", s.idgen.Generate()),
					AccountID: e.AccountID,
					Amount:    e.Amount,
					Direction: e.Direction,
					Currency:  e.Currency,
				})
			}
			if err := s.txns.Create(ctx, txn); err != nil {
				return err
			}
			if err := s.appendTransactionEvent(ctx, txn, domain.EventTransactionReversed); err != nil {
				return err
			}

			for _, accountID := range sortedKeys(deltas) {
				acc := accounts[accountID]
				acc.BalancePosted += deltas[accountID]
				if err := s.accounts.UpdateBalances(ctx, acc); err != nil {
					return err
				}
			}
			result = txn
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrOptimisticLock) {
			s.metrics.PostingConflicts.Inc()
			if attempt+1 >= s.cfg.MaxRetryAttempts {
				s.metrics.PostingConflictsExhausted.Inc()
				return nil, domain.ErrConflictExhausted
			}
			time.Sleep(idgen.BackoffWithJitter(s.cfg.RetryBackoff, attempt))
			continue
		}
		return nil, err
	}

	s.invalidateBalances(ctx, entries)
	s.metrics.TransactionsPosted.Inc()
	logger.Info(ctx, "transaction reversed",
		"transaction_id", transactionID, "reversal_id", result.TransactionID)
	return result, nil
}

// GetTransaction 按 ID 查询交易
func (s *PostingService) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.txns.GetByID(ctx, transactionID)
}

// replayByReference 幂等守卫：reference 已存在时比较指纹，
// 相同内容返回已存交易（回放），不同内容返回冲突错误。
func (s *PostingService) replayByReference(ctx context.Context, reference, hash string) (*domain.Transaction, error) {
	existing, err := s.txns.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.RequestHash != hash {
		return nil, domain.ErrIdempotencyConflict
	}
	logger.Debug(ctx, "idempotent replay", "reference", reference, "transaction_id", existing.TransactionID)
	return existing, nil
}

func (s *PostingService) loadAccounts(ctx context.Context, entries []domain.EntryInput) (map[string]*domain.Account, error) {
	accounts := make(map[string]*domain.Account)
	for _, e := range entries {
		if _, ok := accounts[e.AccountID]; ok {
			continue
		}
		acc, err := s.accounts.Get(ctx, e.AccountID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				accounts[e.AccountID] = nil
				continue
			}
			return nil, err
		}
		accounts[e.AccountID] = acc
	}
	return accounts, nil
}

func (s *PostingService) buildTransaction(
	req *PostTransactionRequest,
	entries []domain.EntryInput,
	status domain.TransactionStatus,
	hash string,
) *domain.Transaction {
	txn := &domain.Transaction{
		TransactionID: fmt.Sprintf("TXN-%d", s.idgen.Generate()),
		Reference:     req.Reference,
		Status:        status,
		Description:   req.Description,
		RequestHash:   hash,
		Actor:         req.Actor,
		CorrelationID: req.CorrelationID,
		Source:        req.Source,
		Metadata:      marshalMetadata(req.Metadata),
	}
	for _, e := range entries {
		txn.Entries = append(txn.Entries, domain.LedgerEntry{
			EntryID:   fmt.Sprintf("ENT-%d", s.idgen.Generate()),
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Direction: e.Direction,
			Currency:  e.Currency,
		})
	}
	return txn
}

// persistRejected 以 REJECTED 落库留档，分录保留供审计
func (s *PostingService) persistRejected(
	ctx context.Context,
	req *PostTransactionRequest,
	entries []domain.EntryInput,
	hash string,
) (*domain.Transaction, error) {
	txn := s.buildTransaction(req, entries, domain.StatusRejected, hash)
	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, err
	}
	if err := s.appendTransactionEvent(ctx, txn, domain.EventTransactionRejected); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostingService) appendTransactionEvent(ctx context.Context, txn *domain.Transaction, eventType string) error {
	event, err := domain.NewLedgerEvent("transaction", txn.TransactionID, eventType, txn)
	if err != nil {
		return err
	}
	return s.events.Append(ctx, event)
}

// invalidateBalances 提交后使受影响账户的余额缓存失效。
// 缓存失效失败只记日志，不影响已提交的结果。
func (s *PostingService) invalidateBalances(ctx context.Context, entries []domain.EntryInput) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		if err := s.cache.Invalidate(ctx, e.AccountID); err != nil {
			logger.Warn(ctx, "balance cache invalidation failed", "account_id", e.AccountID, "error", err)
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func entryInputs(entries []domain.LedgerEntry) []domain.EntryInput {
	inputs := make([]domain.EntryInput, len(entries))
	for i, e := range entries {
		inputs[i] = domain.EntryInput{
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Direction: e.Direction,
			Currency:  e.Currency,
		}
	}
	return inputs
}

func marshalMetadata(metadata map[string]string) string {
	// json 列不接受空串，空元数据存 {}
	if len(metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}
