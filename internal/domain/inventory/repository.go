package inventory

import (
	"context"
	"time"
)

// Repository 库存记录仓储接口（领域层定义）
//
// 教学要点：
// 1. 依赖倒置原则（高层定义接口，低层实现）
// 2. 所有写操作只允许发生在引擎持锁的事务段内
type Repository interface {
	// Get 查询库存记录（无锁读，允许轻微陈旧）
	Get(ctx context.Context, variantID, sellerID uint) (*InventoryRecord, error)

	// GetForUpdate 在事务内以SELECT FOR UPDATE读取库存记录
	GetForUpdate(ctx context.Context, variantID, sellerID uint) (*InventoryRecord, error)

	// CreateDefault 首次触达时创建默认库存记录
	CreateDefault(ctx context.Context, variantID, sellerID uint) (*InventoryRecord, error)

	// Update 更新库存记录（仅在持锁事务段内调用）
	Update(ctx context.Context, rec *InventoryRecord) error

	// List 按主键顺序分页遍历库存记录（对账任务使用）
	List(ctx context.Context, offset, limit int) ([]*InventoryRecord, error)
}

// LedgerRepository 台账仓储接口
// Append是唯一的写操作——台账只增不改
type LedgerRepository interface {
	// Append 追加一条台账记录，写入前做完整性校验
	Append(ctx context.Context, entry *LedgerEntry) error

	// ListByInventoryID 按库存记录分页查询台账（创建时间倒序）
	ListByInventoryID(ctx context.Context, inventoryID uint, page, pageSize int) ([]*LedgerEntry, int64, error)

	// ListByReference 按业务引用查询台账
	ListByReference(ctx context.Context, referenceID string) ([]*LedgerEntry, error)

	// Replay 按创建顺序重放指定库存的全部台账，返回(总量, 预留量)
	Replay(ctx context.Context, inventoryID uint) (total, reserved int, err error)
}

// ReservationRepository 预留仓储接口
type ReservationRepository interface {
	// Create 创建预留
	Create(ctx context.Context, res *Reservation) error

	// GetByID 根据ID查询预留
	GetByID(ctx context.Context, id string) (*Reservation, error)

	// GetByOrderID 根据订单号查询预留
	GetByOrderID(ctx context.Context, orderID string) ([]*Reservation, error)

	// Update 保存预留状态变更
	Update(ctx context.Context, res *Reservation) error

	// ListExpired 查询已到期但仍为ACTIVE的预留（expiresAt <= now）
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)

	// MarkExpired 条件更新：仅当状态仍为ACTIVE时置为EXPIRED
	// 返回是否真的发生了流转（与提交/释放并发竞争时可能落空）
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
}

// Locker 分布式锁端口
//
// 契约：
// 1. Acquire返回false表示键已被其他持有者占用，调用方应以
//    ErrConcurrentModification上浮并允许退避重试，绝不无限阻塞
// 2. Release必须在所有退出路径上调用（defer），TTL只是持有者崩溃后的
//    兜底，不是主要的释放手段
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// TransactionManager 事务端口
// fn内的仓储操作共享同一事务：fn返回error回滚，返回nil提交
type TransactionManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
