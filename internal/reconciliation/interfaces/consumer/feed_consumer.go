// Package consumer 外部流水 Kafka 消费入口
package consumer

import (
	"context"
	"errors"

	"github.com/wyfcoding/ledgerr/internal/reconciliation/application"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/mq"
)

// FeedConsumer 消费渠道流水 topic，逐条导入对账引擎。
// 导入按 (provider, external_id) 去重，重复投递无副作用。
type FeedConsumer struct {
	consumer *mq.KafkaConsumer
	service  *application.Service
}

// NewFeedConsumer 创建流水消费入口
func NewFeedConsumer(consumer *mq.KafkaConsumer, service *application.Service) *FeedConsumer {
	return &FeedConsumer{consumer: consumer, service: service}
}

// Run 消费循环，阻塞直到 ctx 取消
func (c *FeedConsumer) Run(ctx context.Context) error {
	logger.Info(ctx, "reconciliation feed consumer started")
	for {
		msg, err := c.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var record application.ExternalRecord
		if err := msg.UnmarshalPayload(&record); err != nil {
			// 格式非法的消息丢弃，不阻塞后续流水
			logger.Error(ctx, "malformed external record dropped",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if _, err := c.service.ImportExternal(ctx, []application.ExternalRecord{record}); err != nil {
			logger.Error(ctx, "external record import failed",
				"provider", record.Provider, "external_id", record.ExternalID, "error", err)
		}
	}
}

// Close 关闭底层消费者
func (c *FeedConsumer) Close() error {
	return c.consumer.Close()
}
