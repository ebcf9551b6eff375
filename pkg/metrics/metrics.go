// Package metrics 提供基于Prometheus的库存引擎指标
//
// 指标设计：
// 1. Counter：inventory_operations_total（按operation/result分标签）
// 2. Histogram：inventory_operation_duration_seconds（定位慢操作）
// 3. Counter：inventory_low_stock_alerts_total（低库存告警次数）
// 4. Counter：inventory_events_published_total（事件发布结果）
// 5. Counter：inventory_reservations_swept_total（后台扫描过期的预留数）
// 6. Counter：inventory_reconcile_drift_total（对账发现的不一致次数）
//
// 教学要点：
// - 使用promauto注册，避免手动Register遗漏
// - 标签基数要可控：operation/result都是有限枚举，绝不把variantID当标签
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 操作结果标签值
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultError    = "error"
)

var (
	// OperationsTotal 库存操作总数
	// 标签：operation（adjust_stock/reserve/commit/release）、result
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_operations_total",
			Help: "库存引擎操作总数",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration 库存操作耗时分布（含锁等待）
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_operation_duration_seconds",
			Help:    "库存引擎操作耗时(秒)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// LowStockAlertsTotal 低库存告警总数
	LowStockAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_low_stock_alerts_total",
			Help: "低库存告警事件总数",
		},
	)

	// EventsPublishedTotal 领域事件发布总数
	// 标签：result（success/error）
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_events_published_total",
			Help: "领域事件发布总数",
		},
		[]string{"result"},
	)

	// ReservationsSweptTotal 后台扫描置为EXPIRED的预留总数
	ReservationsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_reservations_swept_total",
			Help: "被后台扫描标记为过期的预留总数",
		},
	)

	// ReconcileDriftTotal 对账发现投影与台账不一致的次数
	ReconcileDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_reconcile_drift_total",
			Help: "对账发现库存投影与台账不一致的总次数",
		},
	)
)

// ObserveOperation 记录一次引擎操作的结果与耗时
func ObserveOperation(operation, result string, seconds float64) {
	OperationsTotal.WithLabelValues(operation, result).Inc()
	OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// Handler 返回Prometheus的/metrics处理器（由daemon挂载）
func Handler() http.Handler {
	return promhttp.Handler()
}
