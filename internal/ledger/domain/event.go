package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// 事件类型
const (
	EventTransactionPosted   = "transaction.posted"
	EventTransactionPending  = "transaction.pending"
	EventTransactionRejected = "transaction.rejected"
	EventTransactionSettled  = "transaction.settled"
	EventTransactionReversed = "transaction.reversed"
	EventHoldCreated         = "hold.created"
	EventHoldCaptured        = "hold.captured"
	EventHoldReleased        = "hold.released"
	EventHoldExpired         = "hold.expired"
	EventReconResolved       = "reconciliation.resolved"
)

// LedgerEvent outbox 事件记录。
// 与触发它的状态变更在同一事务内写入；published_at 只由发布循环
// 在投递成功后设置一次。投递语义为 at-least-once，消费端按 event_key 去重。
type LedgerEvent struct {
	ID uint `gorm:"primaryKey" json:"-"`
	// 事件幂等键，全局唯一
	EventKey string `gorm:"column:event_key;type:varchar(96);uniqueIndex;not null" json:"event_key"`
	// 聚合类型（transaction, hold, reconciliation）
	AggregateType string `gorm:"column:aggregate_type;type:varchar(32);not null" json:"aggregate_type"`
	// 聚合 ID
	AggregateID string `gorm:"column:aggregate_id;type:varchar(32);index;not null" json:"aggregate_id"`
	// 事件类型
	EventType string `gorm:"column:event_type;type:varchar(48);not null" json:"event_type"`
	// 事件载荷快照（JSON）
	Payload []byte `gorm:"column:payload;type:json;not null" json:"payload"`
	// 已尝试发布次数
	Attempts int `gorm:"column:attempts;not null;default:0" json:"attempts"`
	// 超过重试上限后标记，需人工处理，不再自动重试
	Dead bool `gorm:"column:dead;not null;default:false" json:"dead"`
	// 发布时间，NULL 表示待发布
	PublishedAt *time.Time `gorm:"column:published_at" json:"published_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName 指定表名
func (LedgerEvent) TableName() string { return "ledger_events" }

// NewLedgerEvent 构造事件，载荷序列化为 JSON 快照
func NewLedgerEvent(aggregateType, aggregateID, eventType string, payload any) (*LedgerEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &LedgerEvent{
		EventKey:      fmt.Sprintf("%s:%s:%s", aggregateType, aggregateID, eventType),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}, nil
}
