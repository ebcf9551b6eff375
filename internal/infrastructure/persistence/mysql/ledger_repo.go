package mysql

import (
	"context"

	"gorm.io/gorm"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	apperrors "github.com/xiebiao/marketplace/pkg/errors"
)

// ledgerRepository 台账仓储实现(MySQL)
//
// 教学要点:
// 1. 台账只增不改:这里有Append和若干查询,没有Update/Delete
// 2. Append与库存记录更新共享同一事务(dbFromContext),
//    保证"有台账必有记录变更,有记录变更必有台账"
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository 创建台账仓储
func NewLedgerRepository(db *gorm.DB) inventory.LedgerRepository {
	return &ledgerRepository{db: db}
}

// Append 追加一条台账记录
func (r *ledgerRepository) Append(ctx context.Context, entry *inventory.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	if err := dbFromContext(ctx, r.db).Create(entry).Error; err != nil {
		return apperrors.Wrap(err, "追加台账失败")
	}

	return nil
}

// ListByInventoryID 按库存记录分页查询台账(创建时间倒序)
func (r *ledgerRepository) ListByInventoryID(ctx context.Context, inventoryID uint, page, pageSize int) ([]*inventory.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	db := dbFromContext(ctx, r.db)

	var total int64
	if err := db.Model(&inventory.LedgerEntry{}).
		Where("inventory_id = ?", inventoryID).
		Count(&total).Error; err != nil {
		return nil, 0, apperrors.Wrap(err, "查询台账总数失败")
	}

	var entries []*inventory.LedgerEntry
	offset := (page - 1) * pageSize

	if err := db.
		Where("inventory_id = ?", inventoryID).
		Order("id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, apperrors.Wrap(err, "查询台账失败")
	}

	return entries, total, nil
}

// ListByReference 按业务引用查询台账
func (r *ledgerRepository) ListByReference(ctx context.Context, referenceID string) ([]*inventory.LedgerEntry, error) {
	var entries []*inventory.LedgerEntry

	if err := dbFromContext(ctx, r.db).
		Where("reference_id = ?", referenceID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, apperrors.Wrap(err, "按引用查询台账失败")
	}

	return entries, nil
}

// Replay 按创建顺序重放台账,还原(总量, 预留量)
// 教学要点:对账的事实来源——与库存记录投影比对可发现不一致
func (r *ledgerRepository) Replay(ctx context.Context, inventoryID uint) (int, int, error) {
	var entries []*inventory.LedgerEntry

	if err := dbFromContext(ctx, r.db).
		Where("inventory_id = ?", inventoryID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return 0, 0, apperrors.Wrap(err, "读取台账失败")
	}

	total, reserved := inventory.Replay(entries)
	return total, reserved, nil
}
