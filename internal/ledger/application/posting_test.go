package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
)

func TestPostTransfer(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	txn, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, txn.Status)
	assert.NotNil(t, txn.PostedAt)
	assert.Len(t, txn.Entries, 2)

	assert.Equal(t, int64(900), env.balance("ACC-B"))
	assert.Equal(t, int64(100), env.balance("ACC-A"))

	events := env.store.eventsOfType(domain.EventTransactionPosted)
	require.Len(t, events, 1)
	assert.Equal(t, txn.TransactionID, events[0].AggregateID)
}

func TestPostIdempotentReplay(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	first, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)

	// 同一 reference 同一内容重放 N 次：同一笔交易，余额只动一次
	for i := 0; i < 3; i++ {
		replay, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
		require.NoError(t, err)
		assert.Equal(t, first.TransactionID, replay.TransactionID)
	}
	assert.Equal(t, int64(900), env.balance("ACC-B"))
	assert.Equal(t, int64(100), env.balance("ACC-A"))
}

func TestPostIdempotencyConflict(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	_, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)

	// 同一 reference 不同金额：冲突，且无新影响
	_, err = env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 200))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, int64(900), env.balance("ACC-B"))
}

func TestPostValidationFailureRejected(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	req := &PostTransactionRequest{
		Reference: "r-bad",
		Entries: []EntryRequest{
			{AccountID: "ACC-B", Amount: 100, Direction: "DEBIT", Currency: "USD"},
			{AccountID: "ACC-A", Amount: 90, Direction: "CREDIT", Currency: "USD"},
		},
	}
	txn, err := env.posting.Post(ctx, req)

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, domain.CheckZeroSum, vErr.Check)

	// REJECTED 留档，余额不动
	require.NotNil(t, txn)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, int64(1000), env.balance("ACC-B"))
	assert.Len(t, env.store.eventsOfType(domain.EventTransactionRejected), 1)
}

func TestPostInsufficientFundsRejected(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 50)
	ctx := context.Background()

	txn, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, txn)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, int64(50), env.balance("ACC-B"))
}

func TestPostAllowNegativeOverdraft(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-SYS", domain.AssetClassEquity, 0)
	env.store.accounts["ACC-SYS"].AllowNegative = true
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	ctx := context.Background()

	_, err := env.posting.Post(ctx, transferReq("r1", "ACC-SYS", "ACC-A", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(-500), env.balance("ACC-SYS"))
}

func TestPostArchivedAccountRejected(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	env.store.accounts["ACC-B"].Archived = true
	ctx := context.Background()

	txn, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	assert.ErrorIs(t, err, domain.ErrAccountArchived)
	require.NotNil(t, txn)
	assert.Equal(t, domain.StatusRejected, txn.Status)
}

func TestPostConflictRetrySucceeds(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	env.store.failUpdates = 2 // 前两次余额更新撞版本冲突
	ctx := context.Background()

	txn, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, txn.Status)
	assert.Equal(t, int64(900), env.balance("ACC-B"))

	// 冲突回滚后只留一笔交易
	assert.Len(t, env.store.txns, 1)
}

func TestPostConflictExhausted(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	env.store.failUpdates = 100
	ctx := context.Background()

	_, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	assert.ErrorIs(t, err, domain.ErrConflictExhausted)

	// 重试耗尽无部分影响：无交易、无事件、余额不动
	assert.Empty(t, env.store.txns)
	assert.Empty(t, env.store.events)
	assert.Equal(t, int64(1000), env.balance("ACC-B"))
}

func TestPostConcurrentOverdraw(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	// 并发过账冲击同一账户：只有余额覆盖得了的子集能成功
	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			_, err := env.posting.Post(ctx, transferReq(fmt.Sprintf("r%d", i), "ACC-B", "ACC-A", 300))
			results <- err
		}(i)
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		err := <-results
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrConflictExhausted) {
			t.Fatalf("unexpected posting error: %v", err)
		}
	}

	final := env.balance("ACC-B")
	assert.GreaterOrEqual(t, final, int64(0))
	assert.Equal(t, int64(1000)-300*int64(succeeded), final)
	assert.Equal(t, 300*int64(succeeded), env.balance("ACC-A"))
}

func TestPendingThenSettle(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	req := transferReq("r1", "ACC-B", "ACC-A", 100)
	req.Pending = true
	pending, err := env.posting.Post(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)

	// PENDING 不影响已过账余额，只挂 pending 净额
	assert.Equal(t, int64(1000), env.balance("ACC-B"))
	assert.Equal(t, int64(-100), env.account("ACC-B").BalancePending)

	settled, err := env.posting.Settle(ctx, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, settled.Status)
	assert.Equal(t, int64(900), env.balance("ACC-B"))
	assert.Equal(t, int64(0), env.account("ACC-B").BalancePending)

	// settle 只允许一次
	_, err = env.posting.Settle(ctx, pending.TransactionID)
	assert.ErrorIs(t, err, domain.ErrTransactionState)

	// settled 事件的载荷反映落定后的状态
	settledEvents := env.store.eventsOfType(domain.EventTransactionSettled)
	require.Len(t, settledEvents, 1)
	var snapshot struct {
		Status domain.TransactionStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(settledEvents[0].Payload, &snapshot))
	assert.Equal(t, domain.StatusPosted, snapshot.Status)
}

func TestSettleInsufficientFunds(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	req := transferReq("r1", "ACC-B", "ACC-A", 800)
	req.Pending = true
	pending, err := env.posting.Post(ctx, req)
	require.NoError(t, err)

	// 结算前资金被抽走
	_, err = env.posting.Post(ctx, transferReq("r2", "ACC-B", "ACC-A", 500))
	require.NoError(t, err)

	_, err = env.posting.Settle(ctx, pending.TransactionID)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// settle 失败无部分影响，交易仍 PENDING
	txn, err := env.posting.GetTransaction(ctx, pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, txn.Status)
	assert.Equal(t, int64(500), env.balance("ACC-B"))
}

func TestReverse(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	txn, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)

	reversal, err := env.posting.Reverse(ctx, txn.TransactionID, "r1-rev", "")
	require.NoError(t, err)
	assert.Equal(t, txn.TransactionID, reversal.ReversesTransactionID)
	assert.Equal(t, int64(1000), env.balance("ACC-B"))
	assert.Equal(t, int64(0), env.balance("ACC-A"))

	original, err := env.posting.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReversed, original.Status)

	// 已冲正的交易不能再冲正
	_, err = env.posting.Reverse(ctx, txn.TransactionID, "r1-rev-2", "")
	assert.ErrorIs(t, err, domain.ErrTransactionState)

	// 同一 reference 重放冲正返回同一笔补偿交易
	replay, err := env.posting.Reverse(ctx, txn.TransactionID, "r1-rev", "")
	require.NoError(t, err)
	assert.Equal(t, reversal.TransactionID, replay.TransactionID)
}

func TestStatementRunningBalance(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-A", domain.AssetClassLiability, 0)
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	ctx := context.Background()

	_, err := env.posting.Post(ctx, transferReq("r1", "ACC-B", "ACC-A", 100))
	require.NoError(t, err)
	_, err = env.posting.Post(ctx, transferReq("r2", "ACC-B", "ACC-A", 50))
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	statement, err := env.query.StatementFor(ctx, "ACC-B", from, to)
	require.NoError(t, err)

	assert.Equal(t, int64(0), statement.OpeningBalance)
	require.Len(t, statement.Lines, 2)
	assert.Equal(t, int64(-100), statement.Lines[0].RunningBalance)
	assert.Equal(t, int64(-150), statement.Lines[1].RunningBalance)
	assert.Equal(t, int64(-150), statement.ClosingBalance)
}

func TestBalanceSnapshot(t *testing.T) {
	env := newTestEnv()
	env.seedAccount("ACC-B", domain.AssetClassAsset, 1000)
	env.store.accounts["ACC-B"].HeldAmount = 200
	ctx := context.Background()

	snapshot, err := env.query.Balance(ctx, "ACC-B")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snapshot.BalancePosted)
	assert.Equal(t, int64(200), snapshot.HeldAmount)
	assert.Equal(t, int64(800), snapshot.Available)
}
