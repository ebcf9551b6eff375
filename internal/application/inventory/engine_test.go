package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/xiebiao/marketplace/internal/domain/inventory"
)

// 引擎编排语义测试
//
// 覆盖核心业务流程：
// 1. 入库/盘亏调整与台账
// 2. 预留→提交（下单→支付）
// 3. 预留→释放（下单→取消）
// 4. 过期预留的提交拒绝与人工释放
// 5. 并发预留防超卖
// 6. 台账重放对账

// TestEngine_AdjustStock_StockIn 测试入库：首次触达懒创建记录
func TestEngine_AdjustStock_StockIn(t *testing.T) {
	engine, store, locker, _ := newTestEngine()
	ctx := context.Background()

	rec, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err, "入库应该成功")

	assert.Equal(t, 100, rec.TotalQuantity, "总量应该是100")
	assert.Equal(t, 0, rec.ReservedQuantity, "预留量应该是0")
	assert.Equal(t, 100, rec.AvailableQuantity(), "可用量应该是100")
	assert.Equal(t, 1, store.ledgerCount(), "应该产生1条台账")
	assert.Equal(t, 0, locker.heldCount(), "操作结束后锁应该已释放")

	// 台账重放必须能还原记录
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_AdjustStock_ClampToZero 测试负向调整截断到0
// 台账记实际生效的变化量，保证重放仍然一致
func TestEngine_AdjustStock_ClampToZero(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	rec, err := engine.AdjustStock(ctx, 1, 2, -250, "盘亏修正", "ADJ-001", "admin")
	require.NoError(t, err, "超额负向调整应该截断而不是报错")

	assert.Equal(t, 0, rec.TotalQuantity, "总量应该截断到0")
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "截断后对账仍应通过")
}

// TestEngine_AdjustStock_BelowReserved 测试调整不允许低于预留量
func TestEngine_AdjustStock_BelowReserved(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	_, err = engine.Reserve(ctx, 1, 2, 30, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	before := store.ledgerCount()
	_, err = engine.AdjustStock(ctx, 1, 2, -80, "盘亏修正", "ADJ-001", "admin")
	require.ErrorIs(t, err, domain.ErrBelowReservedQuantity, "调整后总量20低于预留量30应该被拒绝")
	assert.Equal(t, before, store.ledgerCount(), "失败的调整不应该产生台账")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.TotalQuantity, "失败的调整不应该改变总量")
}

// TestEngine_AdjustStock_InvalidParams 测试参数校验
func TestEngine_AdjustStock_InvalidParams(t *testing.T) {
	engine, _, locker, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 0, "无变化", "", "admin")
	require.ErrorIs(t, err, domain.ErrInvalidQuantity, "delta=0应该被拒绝")

	_, err = engine.AdjustStock(ctx, 1, 2, 10, "入库", "", "")
	require.ErrorIs(t, err, domain.ErrInvalidLedgerEntry, "缺少操作人应该被拒绝")

	assert.Equal(t, 0, locker.heldCount(), "参数校验失败不应该持有锁")
}

// TestEngine_Reserve 测试预留成功（下单占用库存）
func TestEngine_Reserve(t *testing.T) {
	engine, _, locker, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err, "预留应该成功")

	assert.Equal(t, domain.ReservationStatusActive, res.Status, "预留状态应该是ACTIVE")
	assert.Equal(t, 10, res.Quantity)

	byOrder, err := engine.ReservationsByOrder(ctx, "ORD-001")
	require.NoError(t, err)
	require.Len(t, byOrder, 1, "应该能按订单号找回预留")
	assert.Equal(t, res.ID, byOrder[0].ID)

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.TotalQuantity, "预留不改变总量")
	assert.Equal(t, 10, rec.ReservedQuantity, "预留量应该是10")
	assert.Equal(t, 90, rec.AvailableQuantity(), "可用量应该是90")
	assert.Equal(t, 0, locker.heldCount(), "操作结束后锁应该已释放")

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_Reserve_Insufficient 测试库存不足
// 错误信息必须携带精确的可用/请求数量
func TestEngine_Reserve_Insufficient(t *testing.T) {
	engine, store, locker, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 5, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	before := store.ledgerCount()
	_, err = engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.ErrorIs(t, err, domain.ErrInsufficientStock, "可用5请求10应该失败")
	assert.Contains(t, err.Error(), "可用5", "错误信息应该携带可用数量")
	assert.Contains(t, err.Error(), "请求10", "错误信息应该携带请求数量")

	assert.Equal(t, before, store.ledgerCount(), "失败的预留不应该产生台账")
	assert.Equal(t, 0, locker.heldCount(), "失败路径也必须释放锁")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReservedQuantity, "失败的预留不应该占用数量")
}

// TestEngine_Reserve_Backorder 测试backorder允许超量预留
func TestEngine_Reserve_Backorder(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 5, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
	store.setBackorders(1, 2, true)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err, "backorder开启时超量预留应该成功")
	assert.Equal(t, 10, res.Quantity)

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.ReservedQuantity, "预留量允许超过总量")
	assert.Equal(t, -5, rec.AvailableQuantity(), "backorder下可用量可以为负")
}

// TestEngine_Commit 测试提交预留（支付完成，永久扣减）
func TestEngine_Commit(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, engine.Commit(ctx, res.ID, "订单支付"), "提交应该成功")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 90, rec.TotalQuantity, "提交后总量应该扣减")
	assert.Equal(t, 0, rec.ReservedQuantity, "提交后预留量应该归零")
	assert.Equal(t, 90, rec.AvailableQuantity(), "可用量不变(90)")

	committed, err := engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCommitted, committed.Status)

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_Commit_Idempotent 测试重复提交：总量只扣一次
func TestEngine_Commit_Idempotent(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, engine.Commit(ctx, res.ID, "订单支付"))

	err = engine.Commit(ctx, res.ID, "订单支付")
	require.ErrorIs(t, err, domain.ErrAlreadyCommitted, "重复提交应该返回可识别错误")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 90, rec.TotalQuantity, "总量只应该扣减一次")
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_Commit_Expired 测试过期预留不能提交
func TestEngine_Commit_Expired(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	// 倒填过期时间构造已到期的ACTIVE预留
	expired, err := engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	store.seedReservation(expired)

	err = engine.Commit(ctx, res.ID, "订单支付")
	require.ErrorIs(t, err, domain.ErrCannotCommitExpired, "过期预留不能提交")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.TotalQuantity, "失败的提交不应该扣减总量")
	assert.Equal(t, 10, rec.ReservedQuantity, "过期不自动归还预留量")
}

// TestEngine_Commit_BackorderReplay 测试超量提交后台账重放仍与投影一致
func TestEngine_Commit_BackorderReplay(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 5, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
	store.setBackorders(1, 2, true)

	// 预留量超过总量,提交时总量截断到0
	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, res.ID, "订单支付"), "backorder提交应该成功")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TotalQuantity, "总量截断到0")
	assert.Equal(t, 0, rec.ReservedQuantity, "预留量归零")

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "截断提交后的台账重放必须与记录一致")

	// 总量已经为0时再超量预留并提交:只有预留侧的变化量
	res2, err := engine.Reserve(ctx, 1, 2, 7, "ORD-002", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, res2.ID, "订单支付"))

	rec, err = engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TotalQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "零库存提交后对账应该通过")
}

// TestEngine_Release_Backorder 测试超量预留释放后重放一致
func TestEngine_Release_Backorder(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 5, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
	store.setBackorders(1, 2, true)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Release(ctx, res.ID, "订单取消"))

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.TotalQuantity, "释放不改变总量")
	assert.Equal(t, 0, rec.ReservedQuantity, "超量预留应该全额归还")

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_Release 测试释放预留（订单取消）
func TestEngine_Release(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, engine.Release(ctx, res.ID, "订单取消"), "释放应该成功")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.TotalQuantity, "释放不改变总量")
	assert.Equal(t, 0, rec.ReservedQuantity, "释放后预留量归零")
	assert.Equal(t, 100, rec.AvailableQuantity(), "可用量恢复")

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_Release_Idempotent 测试重复释放是无操作
func TestEngine_Release_Idempotent(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, engine.Release(ctx, res.ID, "订单取消"))

	before := store.ledgerCount()
	require.NoError(t, engine.Release(ctx, res.ID, "订单取消"), "重复释放应该无操作成功")
	assert.Equal(t, before, store.ledgerCount(), "重复释放不应该产生新台账")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReservedQuantity, "预留量只归还一次")
}

// TestEngine_Release_Committed 测试已提交的预留不能释放
func TestEngine_Release_Committed(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, res.ID, "订单支付"))

	err = engine.Release(ctx, res.ID, "订单取消")
	require.ErrorIs(t, err, domain.ErrReservationNotActive, "已提交的预留不能释放")
}

// TestEngine_Release_Expired 测试过期预留的人工释放归还数量
func TestEngine_Release_Expired(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", time.Minute)
	require.NoError(t, err)

	// 构造EXPIRED状态
	expired, err := engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	expired.Status = domain.ReservationStatusExpired
	store.seedReservation(expired)

	require.NoError(t, engine.Release(ctx, res.ID, "过期清理"), "EXPIRED预留应该允许释放")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReservedQuantity, "释放后预留量归还")
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "对账应该通过")
}

// TestEngine_LockContention 测试锁冲突上浮为可重试错误
func TestEngine_LockContention(t *testing.T) {
	engine, _, locker, _ := newTestEngine()
	ctx := context.Background()

	// 模拟另一个持有者占用同一键
	ok, err := locker.Acquire(ctx, "1:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.ErrorIs(t, err, domain.ErrConcurrentModification, "锁被占用应该返回冲突错误")

	// 其他键不受影响
	_, err = engine.AdjustStock(ctx, 3, 4, 100, "初始入库", "PO-002", "admin")
	require.NoError(t, err, "不同(variant, seller)的操作不应该被阻塞")

	// 释放后原键恢复可用
	require.NoError(t, locker.Release(ctx, "1:2"))
	_, err = engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
}

// TestEngine_NoOversell 并发预留防超卖
// 50个并发请求抢10件库存，成功的必须恰好10个
func TestEngine_NoOversell(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 10, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	const workers = 50
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				_, err := engine.Reserve(ctx, 1, 2, 1, fmt.Sprintf("ORD-%03d", n), 15*time.Minute)
				if errors.Is(err, domain.ErrConcurrentModification) {
					// 锁冲突退避重试
					time.Sleep(time.Millisecond)
					continue
				}

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if errors.Is(err, domain.ErrInsufficientStock) {
					insufficient++
				} else {
					t.Errorf("预期之外的错误: %v", err)
				}
				return
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded, "成功预留数必须等于库存数")
	assert.Equal(t, workers-10, insufficient, "其余请求应该因库存不足失败")

	rec, err := engine.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.ReservedQuantity, "预留量必须恰好等于库存")
	assert.Equal(t, 0, rec.AvailableQuantity(), "可用量必须归零,绝不为负")

	require.NoError(t, engine.Reconcile(ctx, 1, 2), "并发后对账仍应通过")
}

// TestEngine_EventsPublished 测试事件在成功后异步发布
func TestEngine_EventsPublished(t *testing.T) {
	engine, _, _, publisher := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, res.ID, "订单支付"))

	// 事件异步发布，轮询等待
	require.Eventually(t, func() bool {
		return len(publisher.captured()) >= 3
	}, time.Second, 10*time.Millisecond, "应该收到stock_updated/stock_reserved/reservation_confirmed三个事件")

	types := make(map[domain.EventType]int)
	for _, e := range publisher.captured() {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[domain.EventStockUpdated])
	assert.Equal(t, 1, types[domain.EventStockReserved])
	assert.Equal(t, 1, types[domain.EventReservationConfirmed])
}

// TestEngine_EventsNotPublishedOnFailure 测试失败路径不发布事件
func TestEngine_EventsNotPublishedOnFailure(t *testing.T) {
	engine, _, _, publisher := newTestEngine()
	ctx := context.Background()

	_, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.ErrorIs(t, err, domain.ErrInsufficientStock, "空库存预留应该失败")

	time.Sleep(50 * time.Millisecond)
	for _, e := range publisher.captured() {
		assert.NotEqual(t, domain.EventStockReserved, e.Type, "失败的预留不应该发布事件")
	}
}

// TestEngine_LowStockAlert 测试低库存告警事件
func TestEngine_LowStockAlert(t *testing.T) {
	engine, _, _, publisher := newTestEngine()
	ctx := context.Background()

	// 默认阈值10：入库8触发低库存
	_, err := engine.AdjustStock(ctx, 1, 2, 8, "初始入库", "PO-001", "admin")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range publisher.captured() {
			if e.Type == domain.EventLowStockAlert {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "可用量8<=阈值10应该发出低库存告警")
}

// TestEngine_Reconcile_Drift 测试对账发现投影漂移
func TestEngine_Reconcile_Drift(t *testing.T) {
	engine, store, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
	require.NoError(t, engine.Reconcile(ctx, 1, 2), "正常状态对账应该通过")

	// 绕过引擎篡改投影
	store.corruptRecord(1, 2, 95, 0)

	err = engine.Reconcile(ctx, 1, 2)
	require.ErrorIs(t, err, domain.ErrInconsistentInventory, "投影被篡改应该检出")
	assert.Contains(t, err.Error(), "100", "错误信息应该携带台账侧数值")
	assert.Contains(t, err.Error(), "95", "错误信息应该携带投影侧数值")
}

// TestEngine_AuditTrail 测试台账查询
func TestEngine_AuditTrail(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.AdjustStock(ctx, 1, 2, 100, "初始入库", "PO-001", "admin")
	require.NoError(t, err)
	res, err := engine.Reserve(ctx, 1, 2, 10, "ORD-001", 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, engine.Release(ctx, res.ID, "订单取消"))

	entries, total, err := engine.AuditTrail(ctx, 1, 2, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "应该有3条台账")
	require.Len(t, entries, 3)
	// 倒序：最新的在前
	assert.Equal(t, domain.EntryTypeRelease, entries[0].Type)
	assert.Equal(t, domain.EntryTypeReserve, entries[1].Type)
	assert.Equal(t, domain.EntryTypeStockIn, entries[2].Type)

	// 按预留ID应该能查到预留与释放两条
	byRef, err := engine.LedgerByReference(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, byRef, 2, "预留ID应该关联RESERVE和RELEASE两条台账")
}
