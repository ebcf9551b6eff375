package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	"github.com/xiebiao/marketplace/pkg/circuitbreaker"
	"github.com/xiebiao/marketplace/pkg/metrics"
	pkgmq "github.com/xiebiao/marketplace/pkg/mq"
)

// EventPublisher 库存领域事件发布适配器(RabbitMQ)
//
// 设计说明：
// 1. 路由键形如 inventory.stock_updated,下游用 inventory.* 订阅全量
// 2. 发布链路被熔断器保护:broker持续故障时快速失败丢弃事件,
//    不拖慢库存主流程——事件本就是尽力而为的旁路输出
type EventPublisher struct {
	publisher *pkgmq.Publisher
	breaker   *circuitbreaker.CircuitBreaker
}

// NewEventPublisher 创建事件发布适配器
func NewEventPublisher(publisher *pkgmq.Publisher) *EventPublisher {
	cb := circuitbreaker.NewCircuitBreaker("inventory-events", circuitbreaker.Config{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	cb.SetStateChangeCallback(func(name string, from, to circuitbreaker.State) {
		log.Warn().
			Str("breaker", name).
			Stringer("from", from).
			Stringer("to", to).
			Msg("事件发布熔断器状态变化")
	})

	return &EventPublisher{
		publisher: publisher,
		breaker:   cb,
	}
}

// Publish 发布一批领域事件
// 单条失败不影响其余事件;所有失败只记录,由调用方决定是否忽略
func (p *EventPublisher) Publish(ctx context.Context, events []inventory.Event) error {
	var firstErr error

	for _, event := range events {
		routingKey := fmt.Sprintf("inventory.%s", event.Type)

		err := p.breaker.Execute(func() error {
			return p.publisher.Publish(ctx, routingKey, event)
		})
		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(metrics.ResultError).Inc()
			log.Error().Err(err).
				Str("routing_key", routingKey).
				Uint("variant_id", event.VariantID).
				Uint("seller_id", event.SellerID).
				Msg("领域事件发布失败")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	}

	return firstErr
}
