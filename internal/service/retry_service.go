package service

import (
	"context"
	"fmt"
	"log"

	"bookpay/internal/model"
)

// RetryService 重试协调器
//
// 【设计思考】重试不是把旧事务改回 PENDING，而是新建一笔事务：
//   - 旧记录原封不动留作历史，审计链路完整
//   - 状态单向推进的不变式不会被"复活"破坏
//   - 新事务拿到新编号、新网关订单号，网关侧不会撞单
type RetryService struct {
	store    TransactionStore
	checkout *CheckoutService
	locker   RetryLocker
}

func NewRetryService(store TransactionStore, checkout *CheckoutService, locker RetryLocker) *RetryService {
	return &RetryService{
		store:    store,
		checkout: checkout,
		locker:   locker,
	}
}

// Retry 为一笔失败/过期的事务发起新的支付尝试
//
// 只允许 FAILED / EXPIRED 状态进入；PENDING 还在等结果，PAID 已经
// 付过钱，两者重试都会造成重复扣款，直接拒绝。
//
// 按原事务编号加分布式锁，连点两次"重新支付"只会派生一笔新事务。
func (s *RetryService) Retry(ctx context.Context, code string) (*model.Transaction, error) {
	var newTrx *model.Transaction

	err := s.locker.WithLock(ctx, code, func() error {
		origin, err := s.store.GetByCode(ctx, code)
		if err != nil {
			return err
		}

		if !origin.PaymentStatus.CanRetry() {
			return fmt.Errorf("%w: 事务 %s 当前状态为 %s，只有支付失败或已过期的事务可以重试",
				ErrInvalidState, origin.Code, origin.PaymentStatus)
		}

		items := make([]model.PurchaseItem, 0, len(origin.Items))
		for _, it := range origin.Items {
			items = append(items, model.PurchaseItem{
				ItemType: it.ItemType,
				ItemID:   it.ItemID,
				Title:    it.Title,
				Price:    it.Price,
				Quantity: it.Quantity,
			})
		}

		newTrx, err = s.checkout.Checkout(ctx, &CheckoutRequest{
			UserID:      origin.UserID,
			Kind:        origin.Kind,
			Items:       items,
			retryOfCode: origin.Code,
		})
		if err != nil {
			return err
		}

		log.Printf("[Retry] 重试成功: origin=%s, new=%s", origin.Code, newTrx.Code)
		return nil
	})

	if err != nil {
		return newTrx, err
	}
	return newTrx, nil
}
