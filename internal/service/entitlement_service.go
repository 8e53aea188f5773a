package service

import (
	"context"

	"bookpay/internal/model"
	"bookpay/internal/repository"

	"gorm.io/gorm"
)

// EntitlementService 内容解锁服务，实现 EntitlementGranter
type EntitlementService struct {
	entitlementRepo *repository.EntitlementRepository
}

func NewEntitlementService(db *gorm.DB) *EntitlementService {
	return &EntitlementService{
		entitlementRepo: repository.NewEntitlementRepository(db),
	}
}

// Grant 授予解锁，由账本在进入 PAID 的数据库事务内调用
func (s *EntitlementService) Grant(ctx context.Context, tx *gorm.DB, userID int64, itemType string, itemID int64, transactionCode string) error {
	return s.entitlementRepo.Create(ctx, tx, &model.Entitlement{
		UserID:          userID,
		ItemType:        itemType,
		ItemID:          itemID,
		TransactionCode: transactionCode,
	})
}

// HasAccess 外层内容服务据此判断用户能否阅读书籍/章节
func (s *EntitlementService) HasAccess(ctx context.Context, userID int64, itemType string, itemID int64) (bool, error) {
	return s.entitlementRepo.Exists(ctx, userID, itemType, itemID)
}

// ListForUser 查询用户已解锁的内容
func (s *EntitlementService) ListForUser(ctx context.Context, userID int64) ([]*model.Entitlement, error) {
	return s.entitlementRepo.ListByUserID(ctx, userID)
}
