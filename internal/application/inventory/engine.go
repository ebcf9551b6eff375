package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	apperrors "github.com/xiebiao/marketplace/pkg/errors"
	"github.com/xiebiao/marketplace/pkg/metrics"
)

var tracer = otel.Tracer("inventory-engine")

// Engine 库存引擎
//
// 这是整个子系统的编排核心:每个公开操作都在同一(variant, seller)键的
// 分布式锁内完成"读取→校验→追加台账→更新记录"四步,台账与记录共享
// 同一数据库事务,保证对外不可见任何部分成功状态。
//
// 教学要点:
// 1. 引擎本身无状态、可重入,互斥完全依赖注入的Locker
// 2. 锁获取失败上浮为可重试的ErrConcurrentModification,由调用方退避重试
// 3. 单键单锁:每个操作只触达一个(variant, seller),不存在锁顺序死锁
// 4. 领域事件在事务成功后异步发布,发布失败绝不回滚库存变更
type Engine struct {
	records      inventory.Repository
	ledger       inventory.LedgerRepository
	reservations inventory.ReservationRepository
	tx           inventory.TransactionManager
	locker       inventory.Locker
	publisher    inventory.EventPublisher
	lockTTL      time.Duration
}

// NewEngine 创建库存引擎
// publisher可为nil(不发布事件,如离线对账工具)
func NewEngine(
	records inventory.Repository,
	ledger inventory.LedgerRepository,
	reservations inventory.ReservationRepository,
	tx inventory.TransactionManager,
	locker inventory.Locker,
	publisher inventory.EventPublisher,
	lockTTL time.Duration,
) *Engine {
	return &Engine{
		records:      records,
		ledger:       ledger,
		reservations: reservations,
		tx:           tx,
		locker:       locker,
		publisher:    publisher,
		lockTTL:      lockTTL,
	}
}

// AdjustStock 调整库存总量
// delta为正表示入库/补货,为负表示盘亏/修正;调整后总量向下截断到0,
// 但绝不允许低于当前预留量(返回ErrBelowReservedQuantity)
func (e *Engine) AdjustStock(ctx context.Context, variantID, sellerID uint, delta int, reason, referenceID, createdBy string) (*inventory.InventoryRecord, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "Engine.AdjustStock", trace.WithAttributes(
		attribute.Int64("inventory.variant_id", int64(variantID)),
		attribute.Int64("inventory.seller_id", int64(sellerID)),
		attribute.Int("inventory.delta", delta),
	))
	defer span.End()

	if delta == 0 {
		return nil, e.fail(span, "adjust_stock", start, inventory.ErrInvalidQuantity)
	}
	if createdBy == "" {
		return nil, e.fail(span, "adjust_stock", start, inventory.ErrInvalidLedgerEntry)
	}

	var (
		record *inventory.InventoryRecord
		events []inventory.Event
	)

	err := e.withLock(ctx, variantID, sellerID, func(ctx context.Context) error {
		return e.tx.Transaction(ctx, func(ctx context.Context) error {
			rec, err := e.loadOrCreate(ctx, variantID, sellerID)
			if err != nil {
				return err
			}

			beforeTotal := rec.TotalQuantity
			newTotal := beforeTotal + delta
			if newTotal < 0 {
				newTotal = 0
			}

			if newTotal < rec.ReservedQuantity {
				return fmt.Errorf("%w: 调整后总量%d, 预留量%d",
					inventory.ErrBelowReservedQuantity, newTotal, rec.ReservedQuantity)
			}

			// 截断到0时以实际生效的变化量记账,保证台账重放可还原
			applied := newTotal - beforeTotal
			if applied == 0 {
				record = rec
				return nil
			}

			var entry *inventory.LedgerEntry
			if applied > 0 {
				entry = inventory.NewStockInEntry(rec.ID, applied, beforeTotal, newTotal, newTotal, reason, referenceID, createdBy)
			} else {
				entry = inventory.NewStockOutEntry(rec.ID, -applied, beforeTotal, newTotal, newTotal, reason, referenceID, createdBy)
			}
			if err := e.ledger.Append(ctx, entry); err != nil {
				return err
			}

			rec.TotalQuantity = newTotal
			if err := e.records.Update(ctx, rec); err != nil {
				return err
			}

			events = append(events, inventory.Event{
				Type:           inventory.EventStockUpdated,
				VariantID:      variantID,
				SellerID:       sellerID,
				Quantity:       abs(applied),
				BeforeTotal:    beforeTotal,
				AfterTotal:     newTotal,
				BeforeReserved: rec.ReservedQuantity,
				AfterReserved:  rec.ReservedQuantity,
				ReferenceID:    referenceID,
				OccurredAt:     time.Now(),
			})

			if rec.IsLowStock() {
				metrics.LowStockAlertsTotal.Inc()
				events = append(events, inventory.Event{
					Type:           inventory.EventLowStockAlert,
					VariantID:      variantID,
					SellerID:       sellerID,
					Quantity:       rec.AvailableQuantity(),
					BeforeTotal:    beforeTotal,
					AfterTotal:     newTotal,
					BeforeReserved: rec.ReservedQuantity,
					AfterReserved:  rec.ReservedQuantity,
					OccurredAt:     time.Now(),
				})
			}

			record = rec
			return nil
		})
	})
	if err != nil {
		return nil, e.fail(span, "adjust_stock", start, err)
	}

	e.publishEvents(ctx, events)
	metrics.ObserveOperation("adjust_stock", metrics.ResultSuccess, time.Since(start).Seconds())
	return record, nil
}

// Reserve 为订单预留库存
// 可用量不足且不允许backorder时返回ErrInsufficientStock,
// 错误信息携带精确的可用/请求数量供调用方诊断
func (e *Engine) Reserve(ctx context.Context, variantID, sellerID uint, quantity int, orderID string, ttl time.Duration) (*inventory.Reservation, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "Engine.Reserve", trace.WithAttributes(
		attribute.Int64("inventory.variant_id", int64(variantID)),
		attribute.Int64("inventory.seller_id", int64(sellerID)),
		attribute.Int("inventory.quantity", quantity),
		attribute.String("inventory.order_id", orderID),
	))
	defer span.End()

	// 预生成能尽早发现参数问题(数量、订单号、ttl),不浪费一次锁获取
	res, err := inventory.NewReservation(variantID, sellerID, quantity, orderID, ttl)
	if err != nil {
		return nil, e.fail(span, "reserve", start, err)
	}

	var events []inventory.Event

	err = e.withLock(ctx, variantID, sellerID, func(ctx context.Context) error {
		return e.tx.Transaction(ctx, func(ctx context.Context) error {
			rec, err := e.loadOrCreate(ctx, variantID, sellerID)
			if err != nil {
				return err
			}

			available := rec.AvailableQuantity()
			if !rec.CanReserve(quantity) {
				return fmt.Errorf("%w: 可用%d, 请求%d",
					inventory.ErrInsufficientStock, available, quantity)
			}

			if err := e.reservations.Create(ctx, res); err != nil {
				return err
			}

			beforeReserved := rec.ReservedQuantity
			afterReserved := beforeReserved + quantity

			entry := inventory.NewReserveEntry(rec.ID, quantity, beforeReserved, afterReserved, rec.TotalQuantity, orderID, res.ID)
			if err := e.ledger.Append(ctx, entry); err != nil {
				return err
			}

			rec.ReservedQuantity = afterReserved
			if err := e.records.Update(ctx, rec); err != nil {
				return err
			}

			events = append(events, inventory.Event{
				Type:           inventory.EventStockReserved,
				VariantID:      variantID,
				SellerID:       sellerID,
				Quantity:       quantity,
				BeforeTotal:    rec.TotalQuantity,
				AfterTotal:     rec.TotalQuantity,
				BeforeReserved: beforeReserved,
				AfterReserved:  afterReserved,
				ReferenceID:    orderID,
				OccurredAt:     time.Now(),
			})

			return nil
		})
	})
	if err != nil {
		return nil, e.fail(span, "reserve", start, err)
	}

	e.publishEvents(ctx, events)
	metrics.ObserveOperation("reserve", metrics.ResultSuccess, time.Since(start).Seconds())
	return res, nil
}

// Commit 提交预留:永久扣减库存
// 已过期返回ErrCannotCommitExpired;重复提交返回ErrAlreadyCommitted,
// 总量只会被扣减一次
func (e *Engine) Commit(ctx context.Context, reservationID, reason string) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "Engine.Commit", trace.WithAttributes(
		attribute.String("inventory.reservation_id", reservationID),
	))
	defer span.End()

	// 先无锁读取确定锁键,锁内会重新读取最新状态
	res, err := e.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return e.fail(span, "commit", start, err)
	}

	var events []inventory.Event

	err = e.withLock(ctx, res.VariantID, res.SellerID, func(ctx context.Context) error {
		return e.tx.Transaction(ctx, func(ctx context.Context) error {
			res, err := e.reservations.GetByID(ctx, reservationID)
			if err != nil {
				return err
			}

			now := time.Now()
			if err := res.Commit(now); err != nil {
				return err
			}

			rec, err := e.records.GetForUpdate(ctx, res.VariantID, res.SellerID)
			if err != nil {
				return err
			}

			beforeTotal := rec.TotalQuantity
			beforeReserved := rec.ReservedQuantity
			newTotal := max(0, beforeTotal-res.Quantity)
			newReserved := max(0, beforeReserved-res.Quantity)

			// 台账记实际生效的变化量:backorder下预留可超过总量,
			// 总量侧与预留量侧的扣减幅度可能不同,必要时拆成两条记录,
			// 保证按创建顺序重放仍能还原(总量, 预留量)
			appliedTotal := beforeTotal - newTotal
			appliedReserved := beforeReserved - newReserved

			createdBy := "order:" + res.OrderID
			if appliedTotal > 0 {
				entry := inventory.NewCommitEntry(rec.ID, appliedTotal, beforeTotal, newTotal, newTotal, reason, res.ID, createdBy)
				if err := e.ledger.Append(ctx, entry); err != nil {
					return err
				}
			}
			if residual := appliedReserved - appliedTotal; residual > 0 {
				// 超出总量的backorder欠量没有实际库存支撑,
				// 提交时只需解除这部分预留占用
				entry := inventory.NewReleaseEntry(rec.ID, residual, beforeReserved-appliedTotal, newReserved, newTotal, reason, res.ID, createdBy)
				if err := e.ledger.Append(ctx, entry); err != nil {
					return err
				}
			}

			// 总量与预留量在同一次更新中扣减,不存在只扣一半的可见状态
			rec.TotalQuantity = newTotal
			rec.ReservedQuantity = newReserved
			if err := e.records.Update(ctx, rec); err != nil {
				return err
			}

			if err := e.reservations.Update(ctx, res); err != nil {
				return err
			}

			events = append(events, inventory.Event{
				Type:           inventory.EventReservationConfirmed,
				VariantID:      res.VariantID,
				SellerID:       res.SellerID,
				Quantity:       res.Quantity,
				BeforeTotal:    beforeTotal,
				AfterTotal:     newTotal,
				BeforeReserved: beforeReserved,
				AfterReserved:  newReserved,
				ReferenceID:    res.ID,
				OccurredAt:     now,
			})

			return nil
		})
	})
	if err != nil {
		return e.fail(span, "commit", start, err)
	}

	e.publishEvents(ctx, events)
	metrics.ObserveOperation("commit", metrics.ResultSuccess, time.Since(start).Seconds())
	return nil
}

// Release 释放预留:把占用的预留量归还可用池
// 允许释放ACTIVE和EXPIRED的预留;对RELEASED幂等(无操作);
// 对COMMITTED返回ErrReservationNotActive
func (e *Engine) Release(ctx context.Context, reservationID, reason string) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "Engine.Release", trace.WithAttributes(
		attribute.String("inventory.reservation_id", reservationID),
	))
	defer span.End()

	res, err := e.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return e.fail(span, "release", start, err)
	}

	var events []inventory.Event

	err = e.withLock(ctx, res.VariantID, res.SellerID, func(ctx context.Context) error {
		return e.tx.Transaction(ctx, func(ctx context.Context) error {
			res, err := e.reservations.GetByID(ctx, reservationID)
			if err != nil {
				return err
			}

			now := time.Now()
			if err := res.Release(now); err != nil {
				if errors.Is(err, inventory.ErrAlreadyReleased) {
					// 幂等:重复释放是无操作,只留一条日志
					log.Info().
						Str("reservation_id", reservationID).
						Msg("预留已释放,忽略重复释放请求")
					return nil
				}
				return err
			}

			rec, err := e.records.GetForUpdate(ctx, res.VariantID, res.SellerID)
			if err != nil {
				return err
			}

			beforeReserved := rec.ReservedQuantity
			newReserved := max(0, beforeReserved-res.Quantity)

			// 与提交路径同一约定:台账记实际生效的变化量
			if applied := beforeReserved - newReserved; applied > 0 {
				entry := inventory.NewReleaseEntry(rec.ID, applied, beforeReserved, newReserved, rec.TotalQuantity, reason, res.ID, "order:"+res.OrderID)
				if err := e.ledger.Append(ctx, entry); err != nil {
					return err
				}
			}

			rec.ReservedQuantity = newReserved
			if err := e.records.Update(ctx, rec); err != nil {
				return err
			}

			if err := e.reservations.Update(ctx, res); err != nil {
				return err
			}

			events = append(events, inventory.Event{
				Type:           inventory.EventReservationReleased,
				VariantID:      res.VariantID,
				SellerID:       res.SellerID,
				Quantity:       res.Quantity,
				BeforeTotal:    rec.TotalQuantity,
				AfterTotal:     rec.TotalQuantity,
				BeforeReserved: beforeReserved,
				AfterReserved:  newReserved,
				ReferenceID:    res.ID,
				OccurredAt:     now,
			})

			return nil
		})
	})
	if err != nil {
		return e.fail(span, "release", start, err)
	}

	e.publishEvents(ctx, events)
	metrics.ObserveOperation("release", metrics.ResultSuccess, time.Since(start).Seconds())
	return nil
}

// GetStock 无锁读取库存记录
// 允许读到轻微陈旧的数据;需要"读到即最新"的调用方应在写操作的
// 返回值里取数,而不是先读后写
func (e *Engine) GetStock(ctx context.Context, variantID, sellerID uint) (*inventory.InventoryRecord, error) {
	return e.records.Get(ctx, variantID, sellerID)
}

// GetReservation 查询预留
func (e *Engine) GetReservation(ctx context.Context, reservationID string) (*inventory.Reservation, error) {
	return e.reservations.GetByID(ctx, reservationID)
}

// ReservationsByOrder 按订单号查询关联的全部预留
// 下单方丢失预留ID后通过自己持有的订单号找回
func (e *Engine) ReservationsByOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	return e.reservations.GetByOrderID(ctx, orderID)
}

// AuditTrail 分页查询某个(variant, seller)的台账
func (e *Engine) AuditTrail(ctx context.Context, variantID, sellerID uint, page, pageSize int) ([]*inventory.LedgerEntry, int64, error) {
	rec, err := e.records.Get(ctx, variantID, sellerID)
	if err != nil {
		return nil, 0, err
	}
	return e.ledger.ListByInventoryID(ctx, rec.ID, page, pageSize)
}

// LedgerByReference 按业务引用(预留ID/订单号)查询相关台账
// 排查单笔订单的库存轨迹时使用
func (e *Engine) LedgerByReference(ctx context.Context, referenceID string) ([]*inventory.LedgerEntry, error) {
	return e.ledger.ListByReference(ctx, referenceID)
}

// Reconcile 对账:重放台账还原(总量, 预留量),与库存记录投影比对
// 不一致返回ErrInconsistentInventory(携带两侧数值),一致返回nil
func (e *Engine) Reconcile(ctx context.Context, variantID, sellerID uint) error {
	rec, err := e.records.Get(ctx, variantID, sellerID)
	if err != nil {
		return err
	}

	total, reserved, err := e.ledger.Replay(ctx, rec.ID)
	if err != nil {
		return err
	}

	if total != rec.TotalQuantity || reserved != rec.ReservedQuantity {
		return fmt.Errorf("%w: 台账(总量%d, 预留%d) != 记录(总量%d, 预留%d)",
			inventory.ErrInconsistentInventory,
			total, reserved, rec.TotalQuantity, rec.ReservedQuantity)
	}

	return nil
}

// withLock 在(variant, seller)键的分布式锁内执行fn
// Release通过defer保证在所有退出路径(成功、校验失败、panic)上执行;
// 锁TTL只是持有者崩溃后的兜底
func (e *Engine) withLock(ctx context.Context, variantID, sellerID uint, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("%d:%d", variantID, sellerID)

	acquired, err := e.locker.Acquire(ctx, key, e.lockTTL)
	if err != nil {
		return apperrors.Wrap(err, "锁服务不可用")
	}
	if !acquired {
		return inventory.ErrConcurrentModification
	}

	defer func() {
		// 即使请求上下文已取消,锁也必须释放
		if err := e.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("释放分布式锁失败,等待TTL兜底")
		}
	}()

	return fn(ctx)
}

// loadOrCreate 读取库存记录,不存在则懒创建默认记录
func (e *Engine) loadOrCreate(ctx context.Context, variantID, sellerID uint) (*inventory.InventoryRecord, error) {
	rec, err := e.records.GetForUpdate(ctx, variantID, sellerID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, inventory.ErrInventoryNotFound) {
		return nil, err
	}
	return e.records.CreateDefault(ctx, variantID, sellerID)
}

// publishEvents 异步发布领域事件(尽力而为)
// 发布失败由适配器记录,绝不影响已提交的库存变更
func (e *Engine) publishEvents(ctx context.Context, events []inventory.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}

	go func(ctx context.Context) {
		_ = e.publisher.Publish(ctx, events)
	}(context.WithoutCancel(ctx))
}

// fail 记录失败的指标与span状态
func (e *Engine) fail(span trace.Span, operation string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	result := metrics.ResultError
	if errors.Is(err, inventory.ErrConcurrentModification) {
		result = metrics.ResultConflict
	}
	metrics.ObserveOperation(operation, result, time.Since(start).Seconds())

	return err
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
