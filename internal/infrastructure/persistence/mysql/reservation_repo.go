package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	apperrors "github.com/xiebiao/marketplace/pkg/errors"
)

// reservationRepository 预留仓储实现(MySQL)
type reservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository 创建预留仓储
func NewReservationRepository(db *gorm.DB) inventory.ReservationRepository {
	return &reservationRepository{db: db}
}

// Create 创建预留
func (r *reservationRepository) Create(ctx context.Context, res *inventory.Reservation) error {
	if err := dbFromContext(ctx, r.db).Create(res).Error; err != nil {
		if isDuplicateError(err) {
			return inventory.ErrInvalidReservation
		}
		return apperrors.Wrap(err, "创建预留失败")
	}
	return nil
}

// GetByID 根据ID查询预留
func (r *reservationRepository) GetByID(ctx context.Context, id string) (*inventory.Reservation, error) {
	var res inventory.Reservation

	err := dbFromContext(ctx, r.db).Where("id = ?", id).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, inventory.ErrReservationNotFound
		}
		return nil, apperrors.Wrap(err, "查询预留失败")
	}

	return &res, nil
}

// GetByOrderID 根据订单号查询预留
func (r *reservationRepository) GetByOrderID(ctx context.Context, orderID string) ([]*inventory.Reservation, error) {
	var list []*inventory.Reservation

	if err := dbFromContext(ctx, r.db).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&list).Error; err != nil {
		return nil, apperrors.Wrap(err, "按订单查询预留失败")
	}

	return list, nil
}

// Update 保存预留状态变更
func (r *reservationRepository) Update(ctx context.Context, res *inventory.Reservation) error {
	result := dbFromContext(ctx, r.db).
		Model(&inventory.Reservation{}).
		Where("id = ?", res.ID).
		Updates(map[string]interface{}{
			"status":     res.Status,
			"updated_at": res.UpdatedAt,
		})

	if err := result.Error; err != nil {
		return apperrors.Wrap(err, "更新预留失败")
	}

	if result.RowsAffected == 0 {
		return inventory.ErrReservationNotFound
	}

	return nil
}

// ListExpired 查询已到期但仍为ACTIVE的预留
func (r *reservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*inventory.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}

	var list []*inventory.Reservation

	if err := dbFromContext(ctx, r.db).
		Where("status = ? AND expires_at <= ?", inventory.ReservationStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, apperrors.Wrap(err, "查询过期预留失败")
	}

	return list, nil
}

// MarkExpired 条件更新:仅当状态仍为ACTIVE时置为EXPIRED
// 与提交/释放并发竞争时,WHERE条件保证状态机不被覆盖
func (r *reservationRepository) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	result := dbFromContext(ctx, r.db).
		Model(&inventory.Reservation{}).
		Where("id = ? AND status = ?", id, inventory.ReservationStatusActive).
		Updates(map[string]interface{}{
			"status":     inventory.ReservationStatusExpired,
			"updated_at": now,
		})

	if err := result.Error; err != nil {
		return false, apperrors.Wrap(err, "标记预留过期失败")
	}

	return result.RowsAffected > 0, nil
}
