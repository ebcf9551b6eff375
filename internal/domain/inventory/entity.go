package inventory

import "time"

// DefaultLowStockThreshold 新建库存记录的默认低库存阈值
const DefaultLowStockThreshold = 10

// InventoryRecord 库存记录（领域模型）
//
// 教学要点：
// 1. 以(VariantID, SellerID)为业务主键：同一个商品规格可由多个卖家销售
// 2. 核心数量字段设计
//   - TotalQuantity：持有总量
//   - ReservedQuantity：被活跃预留占用的数量
//   - 可用数量是派生值，绝不单独落库（消除一整类一致性bug）
//
// 3. 不变式：TotalQuantity == Available + ReservedQuantity，且两者均>=0
//    任何写入前必须通过Validate检查，发现不一致立即中止而不是静默修正
type InventoryRecord struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 商品规格ID
	VariantID uint `gorm:"uniqueIndex:idx_variant_seller;not null" json:"variant_id"`

	// 卖家ID
	SellerID uint `gorm:"uniqueIndex:idx_variant_seller;not null" json:"seller_id"`

	// 持有总量
	TotalQuantity int `gorm:"not null;default:0" json:"total_quantity"`

	// 预留数量（活跃预留占用）
	ReservedQuantity int `gorm:"not null;default:0" json:"reserved_quantity"`

	// 低库存阈值：可用数量<=阈值时发出low_stock_alert事件
	LowStockThreshold int `gorm:"not null;default:10" json:"low_stock_threshold"`

	// 是否允许超卖预留（backorder）
	AllowBackorders bool `gorm:"not null;default:false" json:"allow_backorders"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (InventoryRecord) TableName() string {
	return "inventory_records"
}

// NewDefaultRecord 创建默认库存记录（首次触达某个(variant, seller)时懒创建）
// 数量全为0，阈值取默认值，不允许backorder
func NewDefaultRecord(variantID, sellerID uint) *InventoryRecord {
	return &InventoryRecord{
		VariantID:         variantID,
		SellerID:          sellerID,
		TotalQuantity:     0,
		ReservedQuantity:  0,
		LowStockThreshold: DefaultLowStockThreshold,
		AllowBackorders:   false,
	}
}

// AvailableQuantity 可用数量（派生值，不落库）
func (r *InventoryRecord) AvailableQuantity() int {
	return r.TotalQuantity - r.ReservedQuantity
}

// Validate 验证库存记录不变式
// 教学要点：每次持久化前调用，违反不变式的状态绝不允许写入
func (r *InventoryRecord) Validate() error {
	if r.VariantID == 0 || r.SellerID == 0 {
		return ErrInvalidInventoryKey
	}

	if r.TotalQuantity < 0 {
		return ErrInconsistentInventory
	}

	if r.ReservedQuantity < 0 {
		return ErrInconsistentInventory
	}

	// total == available + reserved 等价于 available >= 0 以外还需
	// reserved <= total；backorder场景下预留可以超过总量
	if !r.AllowBackorders && r.ReservedQuantity > r.TotalQuantity {
		return ErrInconsistentInventory
	}

	return nil
}

// CanReserve 判断是否可以预留指定数量
func (r *InventoryRecord) CanReserve(quantity int) bool {
	if quantity <= 0 {
		return false
	}
	if r.AllowBackorders {
		return true
	}
	return quantity <= r.AvailableQuantity()
}

// IsLowStock 判断是否处于低库存（需要发出告警事件）
func (r *InventoryRecord) IsLowStock() bool {
	return r.AvailableQuantity() <= r.LowStockThreshold
}
