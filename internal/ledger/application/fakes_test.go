package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/internal/ledger/infrastructure/persistence"
	"github.com/wyfcoding/ledgerr/pkg/idgen"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

// fakeStore 内存版持久化，所有仓储共享。
// Atomic 回滚通过整体快照/恢复模拟。
type fakeStore struct {
	// 串行化 Atomic：恢复快照不能覆盖并发已提交的写入
	txMu     sync.Mutex
	mu       sync.Mutex
	accounts map[string]*domain.Account
	txns     map[string]*domain.Transaction
	holds    map[string]*domain.Hold
	events   []*domain.LedgerEvent
	nextID   uint
	// UpdateBalances 的前 n 次调用返回乐观锁冲突
	failUpdates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*domain.Account),
		txns:     make(map[string]*domain.Transaction),
		holds:    make(map[string]*domain.Hold),
	}
}

func copyAccount(a *domain.Account) *domain.Account {
	b := *a
	return &b
}

func copyTxn(t *domain.Transaction) *domain.Transaction {
	b := *t
	b.Entries = append([]domain.LedgerEntry(nil), t.Entries...)
	if t.PostedAt != nil {
		postedAt := *t.PostedAt
		b.PostedAt = &postedAt
	}
	return &b
}

func copyHold(h *domain.Hold) *domain.Hold {
	b := *h
	return &b
}

func copyEvent(e *domain.LedgerEvent) *domain.LedgerEvent {
	b := *e
	b.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		publishedAt := *e.PublishedAt
		b.PublishedAt = &publishedAt
	}
	return &b
}

type storeSnapshot struct {
	accounts map[string]*domain.Account
	txns     map[string]*domain.Transaction
	holds    map[string]*domain.Hold
	events   []*domain.LedgerEvent
	nextID   uint
}

func (s *fakeStore) snapshot() *storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &storeSnapshot{
		accounts: make(map[string]*domain.Account, len(s.accounts)),
		txns:     make(map[string]*domain.Transaction, len(s.txns)),
		holds:    make(map[string]*domain.Hold, len(s.holds)),
		nextID:   s.nextID,
	}
	for k, v := range s.accounts {
		snap.accounts[k] = copyAccount(v)
	}
	for k, v := range s.txns {
		snap.txns[k] = copyTxn(v)
	}
	for k, v := range s.holds {
		snap.holds[k] = copyHold(v)
	}
	for _, e := range s.events {
		snap.events = append(snap.events, copyEvent(e))
	}
	return snap
}

func (s *fakeStore) restore(snap *storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snap.accounts
	s.txns = snap.txns
	s.holds = snap.holds
	s.events = snap.events
	s.nextID = snap.nextID
}

// fakeUoW 快照/恢复式原子写
type fakeUoW struct{ store *fakeStore }

func (u *fakeUoW) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	u.store.txMu.Lock()
	defer u.store.txMu.Unlock()
	snap := u.store.snapshot()
	if err := fn(ctx); err != nil {
		u.store.restore(snap)
		return err
	}
	return nil
}

// fakeAccounts 账户仓储
type fakeAccounts struct{ store *fakeStore }

func (r *fakeAccounts) Create(ctx context.Context, account *domain.Account) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.accounts[account.AccountID]; ok {
		return domain.ErrDuplicateKey
	}
	r.store.accounts[account.AccountID] = copyAccount(account)
	return nil
}

func (r *fakeAccounts) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	acc, ok := r.store.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (r *fakeAccounts) GetForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	return r.Get(ctx, accountID)
}

func (r *fakeAccounts) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	ids := make([]string, 0, len(r.store.accounts))
	for id := range r.store.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*domain.Account
	for i, id := range ids {
		if i < offset {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, copyAccount(r.store.accounts[id]))
	}
	return out, nil
}

func (r *fakeAccounts) UpdateBalances(ctx context.Context, account *domain.Account) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.failUpdates > 0 {
		r.store.failUpdates--
		return domain.ErrOptimisticLock
	}
	stored, ok := r.store.accounts[account.AccountID]
	if !ok || stored.Version != account.Version {
		return domain.ErrOptimisticLock
	}
	updated := copyAccount(account)
	updated.Version++
	r.store.accounts[account.AccountID] = updated
	account.Version = updated.Version
	return nil
}

func (r *fakeAccounts) Archive(ctx context.Context, accountID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	acc, ok := r.store.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Archived = true
	return nil
}

// fakeTxns 交易仓储
type fakeTxns struct{ store *fakeStore }

func (r *fakeTxns) Create(ctx context.Context, txn *domain.Transaction) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.txns {
		if existing.Reference == txn.Reference {
			return domain.ErrDuplicateKey
		}
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	for i := range txn.Entries {
		txn.Entries[i].TransactionID = txn.TransactionID
		if txn.Entries[i].CreatedAt.IsZero() {
			txn.Entries[i].CreatedAt = txn.CreatedAt
		}
	}
	r.store.txns[txn.TransactionID] = copyTxn(txn)
	return nil
}

func (r *fakeTxns) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, txn := range r.store.txns {
		if txn.Reference == reference {
			return copyTxn(txn), nil
		}
	}
	return nil, nil
}

func (r *fakeTxns) GetByID(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	txn, ok := r.store.txns[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return copyTxn(txn), nil
}

func (r *fakeTxns) SetStatus(ctx context.Context, transactionID string, from, to domain.TransactionStatus, postedAt *time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	txn, ok := r.store.txns[transactionID]
	if !ok || txn.Status != from {
		return domain.ErrTransactionState
	}
	txn.Status = to
	if postedAt != nil {
		at := *postedAt
		txn.PostedAt = &at
	}
	return nil
}

func (r *fakeTxns) postedTxns() []*domain.Transaction {
	var out []*domain.Transaction
	for _, txn := range r.store.txns {
		if txn.Status == domain.StatusPosted || txn.Status == domain.StatusReversed {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *fakeTxns) EntriesByAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var entries []domain.LedgerEntry
	for _, txn := range r.postedTxns() {
		for _, e := range txn.Entries {
			if e.AccountID == accountID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
				entries = append(entries, e)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (r *fakeTxns) SumEntryDeltasBefore(ctx context.Context, accountID string, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var sum int64
	for _, txn := range r.postedTxns() {
		for _, e := range txn.Entries {
			if e.AccountID == accountID && e.CreatedAt.Before(before) {
				sum += e.SignedAmount()
			}
		}
	}
	return sum, nil
}

func (r *fakeTxns) FindPostedBySource(ctx context.Context, source string, from, to time.Time) ([]*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Transaction
	for _, txn := range r.postedTxns() {
		if txn.Status == domain.StatusPosted && txn.Source == source &&
			!txn.CreatedAt.Before(from) && txn.CreatedAt.Before(to) {
			out = append(out, copyTxn(txn))
		}
	}
	return out, nil
}

func (r *fakeTxns) FindPostedByAmount(ctx context.Context, currency string, amount int64, from, to time.Time) ([]*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Transaction
	for _, txn := range r.postedTxns() {
		if txn.Status != domain.StatusPosted || txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		for _, e := range txn.Entries {
			if e.Currency == currency && e.Amount == amount {
				out = append(out, copyTxn(txn))
				break
			}
		}
	}
	return out, nil
}

// fakeHolds 持有仓储
type fakeHolds struct{ store *fakeStore }

func (r *fakeHolds) Create(ctx context.Context, hold *domain.Hold) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.holds {
		if existing.Reference == hold.Reference {
			return domain.ErrDuplicateKey
		}
	}
	r.store.holds[hold.HoldID] = copyHold(hold)
	return nil
}

func (r *fakeHolds) Get(ctx context.Context, holdID string) (*domain.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	hold, ok := r.store.holds[holdID]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return copyHold(hold), nil
}

func (r *fakeHolds) GetByReference(ctx context.Context, reference string) (*domain.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, hold := range r.store.holds {
		if hold.Reference == reference {
			return copyHold(hold), nil
		}
	}
	return nil, nil
}

func (r *fakeHolds) Transition(ctx context.Context, holdID string, to domain.HoldStatus, captureTransactionID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	hold, ok := r.store.holds[holdID]
	if !ok || hold.Status != domain.HoldActive {
		return domain.ErrHoldState
	}
	hold.Status = to
	if captureTransactionID != "" {
		hold.CaptureTransactionID = captureTransactionID
	}
	return nil
}

func (r *fakeHolds) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.Hold
	for _, hold := range r.store.holds {
		if hold.Status == domain.HoldActive && !hold.ExpiresAt.After(now) {
			out = append(out, copyHold(hold))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeEvents outbox 事件仓储
type fakeEvents struct{ store *fakeStore }

func (r *fakeEvents) Append(ctx context.Context, event *domain.LedgerEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.events {
		if existing.EventKey == event.EventKey {
			return domain.ErrDuplicateKey
		}
	}
	r.store.nextID++
	event.ID = r.store.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.store.events = append(r.store.events, copyEvent(event))
	return nil
}

func (r *fakeEvents) FetchUnpublished(ctx context.Context, limit int) ([]*domain.LedgerEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*domain.LedgerEvent
	for _, event := range r.store.events {
		if event.PublishedAt == nil && !event.Dead {
			out = append(out, copyEvent(event))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeEvents) MarkPublished(ctx context.Context, id uint, publishedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, event := range r.store.events {
		if event.ID == id && event.PublishedAt == nil {
			at := publishedAt
			event.PublishedAt = &at
		}
	}
	return nil
}

func (r *fakeEvents) RecordFailure(ctx context.Context, id uint, dead bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, event := range r.store.events {
		if event.ID == id {
			event.Attempts++
			event.Dead = dead
		}
	}
	return nil
}

func (r *fakeEvents) CountUnpublished(ctx context.Context) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var count int64
	for _, event := range r.store.events {
		if event.PublishedAt == nil && !event.Dead {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) eventsOfType(eventType string) []*domain.LedgerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.LedgerEvent
	for _, event := range s.events {
		if event.EventType == eventType {
			out = append(out, copyEvent(event))
		}
	}
	return out
}

// testEnv 组装好的被测服务
type testEnv struct {
	store   *fakeStore
	posting *PostingService
	holds   *HoldService
	query   *QueryService
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	uow := &fakeUoW{store: store}
	accounts := &fakeAccounts{store: store}
	txns := &fakeTxns{store: store}
	holds := &fakeHolds{store: store}
	events := &fakeEvents{store: store}
	cache := persistence.NewNoopBalanceCache()
	gen := idgen.NewSnowflake(7)
	m := metrics.New("test")

	return &testEnv{
		store: store,
		posting: NewPostingService(uow, accounts, txns, events, cache, gen, m, PostingConfig{
			MaxEntriesPerTransaction: 100,
			MaxRetryAttempts:         3,
			RetryBackoff:             time.Millisecond,
		}),
		holds: NewHoldService(uow, accounts, txns, holds, events, cache, gen, m, HoldConfig{
			MaxRetryAttempts: 3,
			RetryBackoff:     time.Millisecond,
			SweepInterval:    time.Minute,
			SweepBatchSize:   100,
			DefaultTTL:       15 * time.Minute,
		}),
		query: NewQueryService(accounts, txns, cache),
	}
}

func (e *testEnv) seedAccount(id string, class domain.AssetClass, balance int64) {
	acc := domain.NewAccount(id, id, class, "USD")
	acc.BalancePosted = balance
	e.store.accounts[id] = acc
}

func (e *testEnv) balance(id string) int64 {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.store.accounts[id].BalancePosted
}

func (e *testEnv) account(id string) *domain.Account {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return copyAccount(e.store.accounts[id])
}

func transferReq(reference string, fromAcc, toAcc string, amount int64) *PostTransactionRequest {
	return &PostTransactionRequest{
		Reference:   reference,
		Description: "transfer",
		Entries: []EntryRequest{
			{AccountID: fromAcc, Amount: amount, Direction: string(domain.DirectionDebit), Currency: "USD"},
			{AccountID: toAcc, Amount: amount, Direction: string(domain.DirectionCredit), Currency: "USD"},
		},
	}
}
