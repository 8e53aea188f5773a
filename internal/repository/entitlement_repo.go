package repository

import (
	"context"
	"errors"

	"bookpay/internal/model"

	"gorm.io/gorm"
)

type EntitlementRepository struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// Create 写入解锁记录
// (user_id, item_type, item_id) 上有唯一索引，重复授予直接吞掉冲突，
// 重试事务支付成功时原事务可能已授予过同一内容
func (r *EntitlementRepository) Create(ctx context.Context, tx *gorm.DB, ent *model.Entitlement) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(ent).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Exists 判断用户是否已解锁指定内容
func (r *EntitlementRepository) Exists(ctx context.Context, userID int64, itemType string, itemID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Entitlement{}).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		Count(&count).Error
	return count > 0, err
}

// ListByUserID 查询用户已解锁的内容
func (r *EntitlementRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.Entitlement, error) {
	var ents []*model.Entitlement
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at DESC").
		Find(&ents).Error
	return ents, err
}
