// Package application 对账引擎的应用服务：外部流水导入、匹配分类与差异解决
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	ledgerapp "github.com/wyfcoding/ledgerr/internal/ledger/application"
	ledgerdomain "github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/internal/reconciliation/domain"
	"github.com/wyfcoding/ledgerr/pkg/idgen"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

// TransactionPoster 对账解决时调用的过账能力。
// 补偿交易与普通过账走同一条原子提交路径。
type TransactionPoster interface {
	Post(ctx context.Context, req *ledgerapp.PostTransactionRequest) (*ledgerdomain.Transaction, error)
}

// TransactionFinder 匹配时的内部交易只读查询能力
type TransactionFinder interface {
	GetByReference(ctx context.Context, reference string) (*ledgerdomain.Transaction, error)
	FindPostedBySource(ctx context.Context, source string, from, to time.Time) ([]*ledgerdomain.Transaction, error)
	FindPostedByAmount(ctx context.Context, currency string, amount int64, from, to time.Time) ([]*ledgerdomain.Transaction, error)
}

// Config 对账服务配置
type Config struct {
	// 匹配窗口：外部流水发生时间前后各取该时长
	MatchWindow time.Duration
	// 定时匹配间隔
	Interval time.Duration
	// 单轮分类的外部流水上限
	BatchSize int
	// 需要做 MISSING_EXTERNAL 检查的渠道
	Providers []string
}

// ExternalRecord 外部流水导入请求。金额为渠道上报的十进制金额，
// 导入时按币种小数位转换为最小单位整数。
type ExternalRecord struct {
	Provider     string          `json:"provider" binding:"required"`
	ExternalID   string          `json:"external_id" binding:"required"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	Currency     string          `json:"currency" binding:"required"`
	Counterparty string          `json:"counterparty"`
	OccurredAt   time.Time       `json:"occurred_at" binding:"required"`
	Description  string          `json:"description"`
}

// ResolutionPlan 差异解决方案：一笔补偿交易的分录描述
type ResolutionPlan struct {
	Description string                   `json:"description"`
	Entries     []ledgerapp.EntryRequest `json:"entries" binding:"required"`
	ResolvedBy  string                   `json:"resolved_by"`
	Note        string                   `json:"note"`
}

// MatchStats 一轮匹配的统计
type MatchStats struct {
	Examined        int `json:"examined"`
	Matched         int `json:"matched"`
	Mismatched      int `json:"mismatched"`
	MissingExternal int `json:"missing_external"`
}

// Service 对账应用服务
type Service struct {
	uow       ledgerdomain.UnitOfWork
	externals domain.ExternalTransactionRepository
	recons    domain.ReconciliationRepository
	txns      TransactionFinder
	poster    TransactionPoster
	events    ledgerdomain.EventRepository
	idgen     *idgen.Snowflake
	metrics   *metrics.Metrics
	cfg       Config

	// MISSING_EXTERNAL 扫描水位线：此前的 POSTED 交易已扫描过
	sweepMu   sync.Mutex
	sweepFrom time.Time

	stop chan struct{}
	done chan struct{}
}

// NewService 创建对账服务实例
func NewService(
	uow ledgerdomain.UnitOfWork,
	externals domain.ExternalTransactionRepository,
	recons domain.ReconciliationRepository,
	txns TransactionFinder,
	poster TransactionPoster,
	events ledgerdomain.EventRepository,
	gen *idgen.Snowflake,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 72 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Service{
		uow:       uow,
		externals: externals,
		recons:    recons,
		txns:      txns,
		poster:    poster,
		events:    events,
		idgen:     gen,
		metrics:   m,
		cfg:       cfg,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ImportExternal 导入一批外部流水。(provider, external_id) 重复时
// 跳过而不报错，重复导入整体为 no-op。返回新导入条数。
func (s *Service) ImportExternal(ctx context.Context, records []ExternalRecord) (int, error) {
	imported := 0
	for i := range records {
		rec := &records[i]
		minor, err := ledgerdomain.ToMinorUnits(rec.Amount, rec.Currency)
		if err != nil {
			return imported, fmt.Errorf("record %s/%s: %w", rec.Provider, rec.ExternalID, err)
		}
		ext := &domain.ExternalTransaction{
			Provider:     rec.Provider,
			ExternalID:   rec.ExternalID,
			Reference:    rec.Reference,
			Amount:       minor,
			Currency:     rec.Currency,
			Counterparty: rec.Counterparty,
			OccurredAt:   rec.OccurredAt,
			Description:  rec.Description,
		}
		if err := s.externals.Create(ctx, ext); err != nil {
			if errors.Is(err, domain.ErrDuplicateKey) {
				continue
			}
			return imported, err
		}
		imported++
	}
	logger.Info(ctx, "external records imported", "total", len(records), "new", imported)
	return imported, nil
}

// Match 执行一轮匹配分类。对每条未分类外部流水：优先按显式交叉引用
// 精确匹配，否则在时间窗口内按 (金额, 币种, 渠道) 启发式匹配；
// 结论写入对账记录。重跑对已 RESOLVED 的记录为 no-op。
func (s *Service) Match(ctx context.Context) (*MatchStats, error) {
	stats := &MatchStats{}

	pending, err := s.externals.ListUnreconciled(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, ext := range pending {
		stats.Examined++
		status, txnID, diff, err := s.classify(ctx, ext)
		if err != nil {
			return stats, err
		}
		if err := s.record(ctx, ext.Provider, ext.ExternalID, status, txnID, diff, ext.Currency); err != nil {
			return stats, err
		}
		if err := s.externals.MarkReconciled(ctx, ext.ID); err != nil {
			return stats, err
		}
		if status == domain.StatusMatched {
			stats.Matched++
		} else {
			stats.Mismatched++
			s.metrics.ReconciliationMismatches.Inc()
		}
	}

	missing, err := s.sweepMissingExternal(ctx)
	if err != nil {
		return stats, err
	}
	stats.MissingExternal = missing

	logger.Info(ctx, "reconciliation match pass finished",
		"examined", stats.Examined, "matched", stats.Matched,
		"mismatched", stats.Mismatched, "missing_external", stats.MissingExternal)
	return stats, nil
}

// classify 给单条外部流水定分类
func (s *Service) classify(ctx context.Context, ext *domain.ExternalTransaction) (domain.ReconciliationStatus, string, int64, error) {
	// 显式交叉引用优先
	if ext.Reference != "" {
		txn, err := s.txns.GetByReference(ctx, ext.Reference)
		if err != nil {
			return "", "", 0, err
		}
		if txn != nil && txn.Status == ledgerdomain.StatusPosted {
			return compareAmounts(ext, txn), txn.TransactionID, diffAmount(ext, txn), nil
		}
	}

	from := ext.OccurredAt.Add(-s.cfg.MatchWindow)
	to := ext.OccurredAt.Add(s.cfg.MatchWindow)

	candidates, err := s.txns.FindPostedBySource(ctx, ext.Provider, from, to)
	if err != nil {
		return "", "", 0, err
	}
	var fallback *ledgerdomain.Transaction
	for _, txn := range candidates {
		linked, err := s.recons.ExistsForTransaction(ctx, txn.TransactionID)
		if err != nil {
			return "", "", 0, err
		}
		if linked {
			continue
		}
		if txnAmountIn(txn, ext.Currency) == ext.Amount {
			return domain.StatusMatched, txn.TransactionID, 0, nil
		}
		if fallback == nil {
			fallback = txn
		}
	}
	if fallback != nil {
		return compareAmounts(ext, fallback), fallback.TransactionID, diffAmount(ext, fallback), nil
	}

	// 渠道维度无候选时退化为金额币种匹配
	byAmount, err := s.txns.FindPostedByAmount(ctx, ext.Currency, ext.Amount, from, to)
	if err != nil {
		return "", "", 0, err
	}
	for _, txn := range byAmount {
		linked, err := s.recons.ExistsForTransaction(ctx, txn.TransactionID)
		if err != nil {
			return "", "", 0, err
		}
		if !linked {
			return domain.StatusMatched, txn.TransactionID, 0, nil
		}
	}
	return domain.StatusMissingInternal, "", ext.Amount, nil
}

// sweepMissingExternal 找出窗口外仍无外部对应的内部 POSTED 交易。
// 扫描区间为 [水位线, cutoff)，首轮水位线为零值、覆盖全部历史积压；
// 一轮成功后水位线推进到 cutoff。
func (s *Service) sweepMissingExternal(ctx context.Context) (int, error) {
	count := 0
	cutoff := time.Now().Add(-s.cfg.MatchWindow)
	s.sweepMu.Lock()
	from := s.sweepFrom
	s.sweepMu.Unlock()
	if !cutoff.After(from) {
		return 0, nil
	}
	for _, provider := range s.cfg.Providers {
		txns, err := s.txns.FindPostedBySource(ctx, provider, from, cutoff)
		if err != nil {
			return count, err
		}
		for _, txn := range txns {
			linked, err := s.recons.ExistsForTransaction(ctx, txn.TransactionID)
			if err != nil {
				return count, err
			}
			if linked {
				continue
			}
			// (provider, external_id) 唯一约束要求占位键
			currency := ""
			var amount int64
			if len(txn.Entries) > 0 {
				currency = txn.Entries[0].Currency
				amount = txnAmountIn(txn, currency)
			}
			err = s.record(ctx, provider, "missing:"+txn.TransactionID,
				domain.StatusMissingExternal, txn.TransactionID, -amount, currency)
			if err != nil {
				return count, err
			}
			count++
			s.metrics.ReconciliationMismatches.Inc()
		}
	}
	s.sweepMu.Lock()
	if cutoff.After(s.sweepFrom) {
		s.sweepFrom = cutoff
	}
	s.sweepMu.Unlock()
	return count, nil
}

// record 写入或更新对账结论
func (s *Service) record(ctx context.Context, provider, externalID string, status domain.ReconciliationStatus, transactionID string, diff int64, currency string) error {
	existing, err := s.recons.GetByExternal(ctx, provider, externalID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == domain.StatusResolved {
			return nil
		}
		if existing.Status == status && existing.TransactionID == transactionID && existing.DiffAmount == diff {
			return nil
		}
		return s.recons.UpdateClassification(ctx, existing.ReconciliationID, status, transactionID, diff)
	}

	recon := &domain.Reconciliation{
		ReconciliationID: fmt.Sprintf("REC-%d", s.idgen.Generate()),
		Provider:         provider,
		ExternalID:       externalID,
		TransactionID:    transactionID,
		Status:           status,
		DiffAmount:       diff,
		Currency:         currency,
	}
	if err := s.recons.Create(ctx, recon); err != nil {
		// 并发匹配轮竞争同一流水，让已存记录生效
		if errors.Is(err, domain.ErrDuplicateKey) {
			return nil
		}
		return err
	}
	return nil
}

// Resolve 解决一条差异：通过过账服务提交恰好一笔补偿交易，
// 然后将对账记录落定为 RESOLVED。已 RESOLVED 的记录不可重入。
func (s *Service) Resolve(ctx context.Context, reconciliationID string, plan *ResolutionPlan) (*ledgerdomain.Transaction, error) {
	recon, err := s.recons.Get(ctx, reconciliationID)
	if err != nil {
		return nil, err
	}
	if recon.Status == domain.StatusResolved {
		return nil, domain.ErrAlreadyResolved
	}

	description := plan.Description
	if description == "" {
		description = fmt.Sprintf("reconciliation adjustment %s (%s)", recon.ReconciliationID, recon.Status)
	}
	// reference 绑定对账记录 ID：解决动作天然幂等，
	// 崩溃后重试会回放同一笔补偿交易
	txn, err := s.poster.Post(ctx, &ledgerapp.PostTransactionRequest{
		Reference:   "recon-" + recon.ReconciliationID,
		Description: description,
		Actor:       plan.ResolvedBy,
		Source:      recon.Provider,
		Entries:     plan.Entries,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	recon.Status = domain.StatusResolved
	recon.ResolutionTransactionID = txn.TransactionID
	recon.ResolvedBy = plan.ResolvedBy
	recon.Note = plan.Note
	recon.ResolvedAt = &now
	event, err := ledgerdomain.NewLedgerEvent("reconciliation", recon.ReconciliationID,
		ledgerdomain.EventReconResolved, recon)
	if err != nil {
		return nil, err
	}
	// 落定与事件同事务：事件要么随落定一起落库，要么整体重试
	err = s.uow.Atomic(ctx, func(ctx context.Context) error {
		if err := s.recons.MarkResolved(ctx, recon.ReconciliationID, txn.TransactionID, plan.ResolvedBy, plan.Note, now); err != nil {
			return err
		}
		return s.events.Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ReconciliationResolved.Inc()
	logger.Info(ctx, "reconciliation resolved",
		"reconciliation_id", reconciliationID, "transaction_id", txn.TransactionID)
	return txn, nil
}

// Get 按对账记录 ID 查询
func (s *Service) Get(ctx context.Context, reconciliationID string) (*domain.Reconciliation, error) {
	return s.recons.Get(ctx, reconciliationID)
}

// List 按分类分页列出对账记录
func (s *Service) List(ctx context.Context, status domain.ReconciliationStatus, limit, offset int) ([]*domain.Reconciliation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.recons.ListByStatus(ctx, status, limit, offset)
}

// StartScheduler 启动定时匹配循环
func (s *Service) StartScheduler(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		logger.Info(ctx, "reconciliation scheduler started", "interval", s.cfg.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.Match(ctx); err != nil {
					logger.Error(ctx, "reconciliation match pass failed", "error", err)
				}
			}
		}
	}()
}

// StopScheduler 停止定时匹配循环
func (s *Service) StopScheduler() {
	close(s.stop)
	<-s.done
}

// compareAmounts 比较外部流水与内部交易的金额币种
func compareAmounts(ext *domain.ExternalTransaction, txn *ledgerdomain.Transaction) domain.ReconciliationStatus {
	hasCurrency := false
	for _, e := range txn.Entries {
		if e.Currency == ext.Currency {
			hasCurrency = true
			break
		}
	}
	if !hasCurrency {
		return domain.StatusCurrencyMismatch
	}
	if txnAmountIn(txn, ext.Currency) == ext.Amount {
		return domain.StatusMatched
	}
	return domain.StatusAmountMismatch
}

// diffAmount 带符号差异：外部金额 − 内部金额
func diffAmount(ext *domain.ExternalTransaction, txn *ledgerdomain.Transaction) int64 {
	return ext.Amount - txnAmountIn(txn, ext.Currency)
}

// txnAmountIn 内部交易在给定币种下的移动金额（该币种借记合计，
// 借贷平衡下等于贷记合计）
func txnAmountIn(txn *ledgerdomain.Transaction, currency string) int64 {
	var sum int64
	for _, e := range txn.Entries {
		if e.Currency == currency && e.Direction == ledgerdomain.DirectionDebit {
			sum += e.Amount
		}
	}
	return sum
}
