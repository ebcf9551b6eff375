package inventory

import (
	"context"
	"time"
)

// EventType 领域事件类型
type EventType string

const (
	EventStockUpdated         EventType = "stock_updated"
	EventStockReserved        EventType = "stock_reserved"
	EventReservationReleased  EventType = "reservation_released"
	EventReservationConfirmed EventType = "reservation_confirmed"
	EventLowStockAlert        EventType = "low_stock_alert"
)

// Event 库存领域事件
//
// 设计说明：
// 1. 事件在事务成功后集中发布，发布失败只记日志，绝不回滚库存变更
// 2. 携带变更前后数量，供通知/分析方消费，无需再查库
type Event struct {
	Type      EventType `json:"type"`
	VariantID uint      `json:"variant_id"`
	SellerID  uint      `json:"seller_id"`

	// 本次变更的数量（绝对值）
	Quantity int `json:"quantity"`

	// 变更前后的总量与预留量
	BeforeTotal    int `json:"before_total"`
	AfterTotal     int `json:"after_total"`
	BeforeReserved int `json:"before_reserved"`
	AfterReserved  int `json:"after_reserved"`

	// 业务引用（订单号或预留ID）
	ReferenceID string `json:"reference_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher 事件发布端口
// 由基础设施层实现（RabbitMQ）；测试中用内存实现替代
type EventPublisher interface {
	// Publish 发布一批领域事件（尽力而为，失败由实现方记录）
	Publish(ctx context.Context, events []Event) error
}
