// Package mq 提供 Kafka producer/consumer 通用实现，支持重试与压缩
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
	config KafkaConfig
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}

	logger.Info(context.Background(), "kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer, config: cfg}
}

// Publish 发送一条原始消息到指定 topic
func (kp *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := kp.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		logger.Error(ctx, "failed to send kafka message", "topic", topic, "key", string(key), "error", err)
		return err
	}
	return nil
}

// PublishJSON 将 value 序列化为 JSON 后发送
func (kp *KafkaProducer) PublishJSON(ctx context.Context, topic string, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return kp.Publish(ctx, topic, []byte(key), data)
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// KafkaConsumer Kafka 消费者
type KafkaConsumer struct {
	reader *kafka.Reader
	config KafkaConfig
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	logger.Info(context.Background(), "kafka consumer created", "topic", topic, "group_id", cfg.GroupID)
	return &KafkaConsumer{reader: reader, config: cfg}
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// ReadMessage 读取单条消息，阻塞直到有消息或 ctx 取消
func (kc *KafkaConsumer) ReadMessage(ctx context.Context) (*Message, error) {
	msg, err := kc.reader.ReadMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "failed to read kafka message", "error", err)
		}
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}
