package inventory

import "time"

// LedgerEntry 库存台账记录（领域模型）
//
// 教学要点：
// 1. 为什么需要台账？
//   - 审计需求：所有数量变更必须可追溯
//   - 对账需求：按创建顺序重放台账必须能还原当前库存状态
//   - 排查需求：异常库存问题定位
//
// 2. 台账设计原则
//   - 只增不改（Append-Only）：没有update/delete操作
//   - 记录变更前后数量与变更后的总量（RunningBalance）
//   - 记录关联业务引用（订单号、预留ID）
//
// 3. Quantity是带符号的增量，作用于该类型对应的计数器：
//   - STOCK_IN +n / STOCK_OUT -n / COMMIT -n 作用于总量
//   - RESERVE +n / RELEASE -n 作用于预留量
//   - COMMIT同时结束一笔预留，重放时对预留量也应用同一增量
type LedgerEntry struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 所属库存记录ID
	InventoryID uint `gorm:"index:idx_inventory_id;not null" json:"inventory_id"`

	// 变更类型
	Type EntryType `gorm:"type:varchar(20);not null" json:"type"`

	// 变更数量（带符号，非0）
	Quantity int `gorm:"not null" json:"quantity"`

	// 变更前数量（该类型作用的计数器）
	PreviousQuantity int `gorm:"not null" json:"previous_quantity"`

	// 变更后数量
	NewQuantity int `gorm:"not null" json:"new_quantity"`

	// 变更后的持有总量，恒>=0
	RunningBalance int `gorm:"not null" json:"running_balance"`

	// 变更原因
	Reason string `gorm:"type:varchar(255)" json:"reason,omitempty"`

	// 业务引用（如订单号、预留ID）
	ReferenceID   string `gorm:"type:varchar(64);index:idx_reference_id" json:"reference_id,omitempty"`
	ReferenceType string `gorm:"type:varchar(32)" json:"reference_type,omitempty"`

	// 操作人
	CreatedBy string `gorm:"type:varchar(64);not null" json:"created_by"`

	// 创建时间
	CreatedAt time.Time `gorm:"index:idx_created_at" json:"created_at"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string {
	return "inventory_ledger"
}

// EntryType 台账变更类型
type EntryType string

const (
	EntryTypeStockIn  EntryType = "STOCK_IN"  // 入库/补货
	EntryTypeStockOut EntryType = "STOCK_OUT" // 出库/盘亏修正
	EntryTypeReserve  EntryType = "RESERVE"   // 预留
	EntryTypeRelease  EntryType = "RELEASE"   // 释放预留
	EntryTypeCommit   EntryType = "COMMIT"    // 提交预留（永久扣减）
)

// Validate 验证台账记录
// append前调用，违反约束的记录一条都不允许写入
func (e *LedgerEntry) Validate() error {
	if e.InventoryID == 0 {
		return ErrInvalidLedgerEntry
	}
	if e.Type == "" {
		return ErrInvalidLedgerEntry
	}
	if e.Quantity == 0 {
		return ErrInvalidLedgerEntry
	}
	if e.RunningBalance < 0 {
		return ErrInvalidLedgerEntry
	}
	if e.CreatedBy == "" {
		return ErrInvalidLedgerEntry
	}
	return nil
}

// NewStockInEntry 创建入库台账
func NewStockInEntry(inventoryID uint, quantity, before, after, balance int, reason, referenceID, createdBy string) *LedgerEntry {
	return &LedgerEntry{
		InventoryID:      inventoryID,
		Type:             EntryTypeStockIn,
		Quantity:         quantity,
		PreviousQuantity: before,
		NewQuantity:      after,
		RunningBalance:   balance,
		Reason:           reason,
		ReferenceID:      referenceID,
		ReferenceType:    "adjustment",
		CreatedBy:        createdBy,
	}
}

// NewStockOutEntry 创建出库台账（数量记为负数）
func NewStockOutEntry(inventoryID uint, quantity, before, after, balance int, reason, referenceID, createdBy string) *LedgerEntry {
	return &LedgerEntry{
		InventoryID:      inventoryID,
		Type:             EntryTypeStockOut,
		Quantity:         -quantity,
		PreviousQuantity: before,
		NewQuantity:      after,
		RunningBalance:   balance,
		Reason:           reason,
		ReferenceID:      referenceID,
		ReferenceType:    "adjustment",
		CreatedBy:        createdBy,
	}
}

// NewReserveEntry 创建预留台账
func NewReserveEntry(inventoryID uint, quantity, before, after, balance int, orderID, reservationID string) *LedgerEntry {
	return &LedgerEntry{
		InventoryID:      inventoryID,
		Type:             EntryTypeReserve,
		Quantity:         quantity,
		PreviousQuantity: before,
		NewQuantity:      after,
		RunningBalance:   balance,
		Reason:           "预留库存: 订单" + orderID,
		ReferenceID:      reservationID,
		ReferenceType:    "reservation",
		CreatedBy:        "order:" + orderID,
	}
}

// NewReleaseEntry 创建释放台账（数量记为负数，作用于预留量）
func NewReleaseEntry(inventoryID uint, quantity, before, after, balance int, reason, reservationID, createdBy string) *LedgerEntry {
	return &LedgerEntry{
		InventoryID:      inventoryID,
		Type:             EntryTypeRelease,
		Quantity:         -quantity,
		PreviousQuantity: before,
		NewQuantity:      after,
		RunningBalance:   balance,
		Reason:           reason,
		ReferenceID:      reservationID,
		ReferenceType:    "reservation",
		CreatedBy:        createdBy,
	}
}

// NewCommitEntry 创建提交台账（数量记为负数，总量与预留量同时扣减）
func NewCommitEntry(inventoryID uint, quantity, before, after, balance int, reason, reservationID, createdBy string) *LedgerEntry {
	return &LedgerEntry{
		InventoryID:      inventoryID,
		Type:             EntryTypeCommit,
		Quantity:         -quantity,
		PreviousQuantity: before,
		NewQuantity:      after,
		RunningBalance:   balance,
		Reason:           reason,
		ReferenceID:      reservationID,
		ReferenceType:    "reservation",
		CreatedBy:        createdBy,
	}
}

// Replay 按创建顺序重放台账，还原总量与预留量
// 教学要点：这是对账的基础——台账是事实来源，库存记录只是投影
func Replay(entries []*LedgerEntry) (total, reserved int) {
	for _, e := range entries {
		switch e.Type {
		case EntryTypeStockIn, EntryTypeStockOut:
			total += e.Quantity
		case EntryTypeReserve, EntryTypeRelease:
			reserved += e.Quantity
		case EntryTypeCommit:
			total += e.Quantity
			reserved += e.Quantity
		}
	}
	return total, reserved
}
