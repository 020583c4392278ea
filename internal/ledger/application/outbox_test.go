package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

type capturedMessage struct {
	key   string
	value []byte
}

func seedEvent(t *testing.T, events domain.EventRepository, aggregateID string) *domain.LedgerEvent {
	t.Helper()
	event, err := domain.NewLedgerEvent("transaction", aggregateID, domain.EventTransactionPosted,
		map[string]string{"transaction_id": aggregateID})
	require.NoError(t, err)
	require.NoError(t, events.Append(context.Background(), event))
	return event
}

func TestOutboxPublishBatch(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{store: store}
	var published []capturedMessage
	push := func(ctx context.Context, key string, value []byte) error {
		published = append(published, capturedMessage{key: key, value: value})
		return nil
	}
	processor := NewOutboxProcessor(events, push, metrics.New("test"), OutboxConfig{BatchSize: 10, MaxRetries: 3})

	seedEvent(t, events, "TXN-1")
	seedEvent(t, events, "TXN-2")

	require.NoError(t, processor.ProcessBatch(context.Background()))
	require.Len(t, published, 2)

	var envelope struct {
		EventKey  string          `json:"event_key"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(published[0].value, &envelope))
	assert.Equal(t, published[0].key, envelope.EventKey)
	assert.Equal(t, domain.EventTransactionPosted, envelope.EventType)

	pending, err := events.CountUnpublished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestOutboxTransientFailureThenSuccess(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{store: store}
	failures := 2
	attempts := 0
	push := func(ctx context.Context, key string, value []byte) error {
		attempts++
		if attempts <= failures {
			return errors.New("broker unavailable")
		}
		return nil
	}
	processor := NewOutboxProcessor(events, push, metrics.New("test"), OutboxConfig{BatchSize: 10, MaxRetries: 5})

	seedEvent(t, events, "TXN-1")

	// 前两轮失败，第三轮成功
	for i := 0; i < 3; i++ {
		require.NoError(t, processor.ProcessBatch(context.Background()))
	}

	assert.Equal(t, 3, attempts)
	pending, err := events.CountUnpublished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	assert.NotNil(t, store.events[0].PublishedAt)
	assert.False(t, store.events[0].Dead)
}

func TestOutboxDeadAfterMaxRetries(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{store: store}
	push := func(ctx context.Context, key string, value []byte) error {
		return errors.New("broker unavailable")
	}
	processor := NewOutboxProcessor(events, push, metrics.New("test"), OutboxConfig{BatchSize: 10, MaxRetries: 3})

	seedEvent(t, events, "TXN-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, processor.ProcessBatch(context.Background()))
	}

	// 达到上限后标记 dead，不再进入批次
	assert.True(t, store.events[0].Dead)
	assert.Equal(t, 3, store.events[0].Attempts)
	assert.Nil(t, store.events[0].PublishedAt)
}

func TestOutboxMarkPublishedIsCAS(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{store: store}
	event := seedEvent(t, events, "TXN-1")

	first := time.Now().Add(-time.Minute)
	require.NoError(t, events.MarkPublished(context.Background(), event.ID, first))
	// 并发发布者晚到的标记是 no-op
	require.NoError(t, events.MarkPublished(context.Background(), event.ID, time.Now()))

	assert.True(t, store.events[0].PublishedAt.Equal(first))
}
