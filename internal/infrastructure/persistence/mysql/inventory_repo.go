package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	apperrors "github.com/xiebiao/marketplace/pkg/errors"
)

// inventoryRepository 库存记录仓储实现(MySQL)
//
// 教学要点:
// 1. 写路径的并发控制是双保险:
//   - 引擎层的分布式锁串行化同一(variant, seller)的操作
//   - 事务内的SELECT FOR UPDATE挡住绕过引擎的直接写
//
// 2. 事务通过context传递(dbFromContext),与台账追加共享同一事务
type inventoryRepository struct {
	db *gorm.DB
}

// NewInventoryRepository 创建库存记录仓储
func NewInventoryRepository(db *gorm.DB) inventory.Repository {
	return &inventoryRepository{db: db}
}

// Get 查询库存记录(无锁读)
func (r *inventoryRepository) Get(ctx context.Context, variantID, sellerID uint) (*inventory.InventoryRecord, error) {
	var rec inventory.InventoryRecord

	err := dbFromContext(ctx, r.db).
		Where("variant_id = ? AND seller_id = ?", variantID, sellerID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, inventory.ErrInventoryNotFound
		}
		return nil, apperrors.Wrap(err, "查询库存记录失败")
	}

	return &rec, nil
}

// GetForUpdate 事务内以SELECT FOR UPDATE读取库存记录
// 其他事务对同一行的写入会等待本事务提交
func (r *inventoryRepository) GetForUpdate(ctx context.Context, variantID, sellerID uint) (*inventory.InventoryRecord, error) {
	var rec inventory.InventoryRecord

	err := dbFromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("variant_id = ? AND seller_id = ?", variantID, sellerID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, inventory.ErrInventoryNotFound
		}
		return nil, apperrors.Wrap(err, "锁定库存记录失败")
	}

	return &rec, nil
}

// CreateDefault 首次触达时创建默认库存记录
// 与并发创建竞争时(唯一索引冲突)改为读取既有记录
func (r *inventoryRepository) CreateDefault(ctx context.Context, variantID, sellerID uint) (*inventory.InventoryRecord, error) {
	rec := inventory.NewDefaultRecord(variantID, sellerID)
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := dbFromContext(ctx, r.db).Create(rec).Error; err != nil {
		if isDuplicateError(err) {
			return r.GetForUpdate(ctx, variantID, sellerID)
		}
		return nil, apperrors.Wrap(err, "创建库存记录失败")
	}

	return rec, nil
}

// Update 更新库存记录
// 持久化前强制校验不变式,违反的状态一行都不允许写入
func (r *inventoryRepository) Update(ctx context.Context, rec *inventory.InventoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	result := dbFromContext(ctx, r.db).
		Model(&inventory.InventoryRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"total_quantity":      rec.TotalQuantity,
			"reserved_quantity":   rec.ReservedQuantity,
			"low_stock_threshold": rec.LowStockThreshold,
			"allow_backorders":    rec.AllowBackorders,
		})

	if err := result.Error; err != nil {
		return apperrors.Wrap(err, "更新库存记录失败")
	}

	if result.RowsAffected == 0 {
		return inventory.ErrInventoryNotFound
	}

	return nil
}

// List 按主键顺序分页遍历库存记录
func (r *inventoryRepository) List(ctx context.Context, offset, limit int) ([]*inventory.InventoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var recs []*inventory.InventoryRecord
	err := dbFromContext(ctx, r.db).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "遍历库存记录失败")
	}

	return recs, nil
}
