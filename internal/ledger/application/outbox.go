package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
)

// Pusher 事件投递函数，由接线方注入（生产环境为 Kafka producer 闭包）
type Pusher func(ctx context.Context, key string, value []byte) error

// OutboxConfig outbox 发布循环配置
type OutboxConfig struct {
	// 轮询间隔
	PollInterval time.Duration
	// 单轮取事件数上限
	BatchSize int
	// 单个事件的发布重试上限，超过后标记 dead
	MaxRetries int
}

// OutboxProcessor 事务性 outbox 发布循环。
// 投递语义为 at-least-once：CAS 标记发布时间，与并发实例竞争同一
// 事件时最多重复投递，消费端按 event_key 去重。
type OutboxProcessor struct {
	events  domain.EventRepository
	push    Pusher
	metrics *metrics.Metrics
	cfg     OutboxConfig

	stop chan struct{}
	done chan struct{}
}

// NewOutboxProcessor 创建 outbox 发布循环
func NewOutboxProcessor(events domain.EventRepository, push Pusher, m *metrics.Metrics, cfg OutboxConfig) *OutboxProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &OutboxProcessor{
		events:  events,
		push:    push,
		metrics: m,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// eventEnvelope 投递到消息总线的事件信封
type eventEnvelope struct {
	EventKey      string          `json:"event_key"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Start 启动发布循环
func (p *OutboxProcessor) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		logger.Info(ctx, "outbox processor started",
			"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.ProcessBatch(ctx); err != nil {
					logger.Error(ctx, "outbox batch failed", "error", err)
				}
			}
		}
	}()
}

// Stop 停止发布循环并等待退出
func (p *OutboxProcessor) Stop() {
	close(p.stop)
	<-p.done
}

// ProcessBatch 发布一批待投递事件。单个事件失败只影响自身的
// 尝试计数，不阻塞同批其余事件。
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) error {
	events, err := p.events.FetchUnpublished(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := p.publishOne(ctx, event); err != nil {
			p.metrics.OutboxPublishFailures.Inc()
			dead := event.Attempts+1 >= p.cfg.MaxRetries
			if rerr := p.events.RecordFailure(ctx, event.ID, dead); rerr != nil {
				logger.Error(ctx, "outbox failure bookkeeping failed", "event_key", event.EventKey, "error", rerr)
			}
			if dead {
				p.metrics.OutboxDeadEvents.Inc()
				logger.Error(ctx, "outbox event flagged for manual attention",
					"event_key", event.EventKey, "attempts", event.Attempts+1, "error", err)
			} else {
				logger.Warn(ctx, "outbox publish failed",
					"event_key", event.EventKey, "attempts", event.Attempts+1, "error", err)
			}
			continue
		}
		if err := p.events.MarkPublished(ctx, event.ID, time.Now()); err != nil {
			logger.Error(ctx, "outbox mark published failed", "event_key", event.EventKey, "error", err)
			continue
		}
		p.metrics.OutboxPublished.Inc()
	}

	if pending, err := p.events.CountUnpublished(ctx); err == nil {
		p.metrics.OutboxPendingEvents.Set(float64(pending))
	}
	return nil
}

func (p *OutboxProcessor) publishOne(ctx context.Context, event *domain.LedgerEvent) error {
	envelope := eventEnvelope{
		EventKey:      event.EventKey,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		OccurredAt:    event.CreatedAt,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.push(ctx, event.EventKey, data)
}
