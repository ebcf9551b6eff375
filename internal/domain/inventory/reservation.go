package inventory

import (
	"time"

	"github.com/google/uuid"
)

// MaxReservationTTL 预留最长有效期
const MaxReservationTTL = 24 * time.Hour

// ReservationStatus 预留状态
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"    // 活跃，占用预留量
	ReservationStatusCommitted ReservationStatus = "COMMITTED" // 已提交（终态）
	ReservationStatusReleased  ReservationStatus = "RELEASED"  // 已释放（终态）
	ReservationStatusExpired   ReservationStatus = "EXPIRED"   // 已过期，等待人工释放
)

// Reservation 库存预留（领域模型）
//
// 状态机：
//
//	ACTIVE  --Commit--> COMMITTED （终态）
//	ACTIVE  --Release-> RELEASED  （终态）
//	ACTIVE  --TTL到期-> EXPIRED
//	EXPIRED --Release-> RELEASED  （终态，人工清理）
//
// 教学要点：
// 1. 过期只是状态变化，预留量并不自动归还——归还发生在显式Release时，
//    保证每一次数量变动都有对应的台账记录可审计
// 2. 已过期的预留绝不允许Commit
type Reservation struct {
	// 预留ID（UUID，业务主键）
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	// 商品规格ID + 卖家ID
	VariantID uint `gorm:"index:idx_res_variant_seller;not null" json:"variant_id"`
	SellerID  uint `gorm:"index:idx_res_variant_seller;not null" json:"seller_id"`

	// 预留数量（正整数）
	Quantity int `gorm:"not null" json:"quantity"`

	// 外部订单引用（由下单方持有，用于后续提交/释放）
	OrderID string `gorm:"type:varchar(64);index:idx_res_order_id;not null" json:"order_id"`

	// 状态
	Status ReservationStatus `gorm:"type:varchar(20);not null;index:idx_res_status" json:"status"`

	// 过期时间
	ExpiresAt time.Time `gorm:"not null;index:idx_res_expires_at" json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Reservation) TableName() string {
	return "inventory_reservations"
}

// NewReservation 创建ACTIVE预留（工厂方法）
// 校验：数量必须为正、订单号与(variant, seller)必须齐全、ttl必须为正；
// ttl超过24h按24h截断
func NewReservation(variantID, sellerID uint, quantity int, orderID string, ttl time.Duration) (*Reservation, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if variantID == 0 || sellerID == 0 {
		return nil, ErrInvalidReservation
	}
	if orderID == "" {
		return nil, ErrInvalidReservation
	}
	if ttl <= 0 {
		return nil, ErrInvalidReservation
	}
	if ttl > MaxReservationTTL {
		ttl = MaxReservationTTL
	}

	now := time.Now()
	return &Reservation{
		ID:        uuid.NewString(),
		VariantID: variantID,
		SellerID:  sellerID,
		Quantity:  quantity,
		OrderID:   orderID,
		Status:    ReservationStatusActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsExpired 判断预留在指定时刻是否已过期
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationStatusExpired ||
		(r.Status == ReservationStatusActive && !now.Before(r.ExpiresAt))
}

// CanBeCommitted 判断是否可以提交
// 要求：状态为ACTIVE且尚未到期
func (r *Reservation) CanBeCommitted(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.Before(r.ExpiresAt)
}

// Commit 提交预留：ACTIVE → COMMITTED
// 重复提交返回ErrAlreadyCommitted（可被调用方识别，不可重试）
func (r *Reservation) Commit(now time.Time) error {
	switch r.Status {
	case ReservationStatusCommitted:
		return ErrAlreadyCommitted
	case ReservationStatusReleased:
		return ErrInvalidReservationTransition
	}

	if r.IsExpired(now) {
		return ErrCannotCommitExpired
	}

	r.Status = ReservationStatusCommitted
	r.UpdatedAt = now
	return nil
}

// Release 释放预留：ACTIVE/EXPIRED → RELEASED
// 对RELEASED幂等（返回ErrAlreadyReleased，由调用方按无操作处理）；
// 对COMMITTED返回ErrReservationNotActive
func (r *Reservation) Release(now time.Time) error {
	switch r.Status {
	case ReservationStatusReleased:
		return ErrAlreadyReleased
	case ReservationStatusCommitted:
		return ErrReservationNotActive
	}

	r.Status = ReservationStatusReleased
	r.UpdatedAt = now
	return nil
}

// MarkExpired 标记过期：仅ACTIVE且已到期的预留可以流转到EXPIRED
// 注意：只改状态，不归还预留量（见包注释的状态机说明）
func (r *Reservation) MarkExpired(now time.Time) error {
	if r.Status != ReservationStatusActive {
		return ErrInvalidReservationTransition
	}
	if now.Before(r.ExpiresAt) {
		return ErrInvalidReservationTransition
	}

	r.Status = ReservationStatusExpired
	r.UpdatedAt = now
	return nil
}
