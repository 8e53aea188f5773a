package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/gateway"
	"bookpay/internal/model"
)

// CheckoutService 下单服务：落一笔 PENDING 事务并向网关发起扣款
type CheckoutService struct {
	store   TransactionStore
	gateway PaymentGateway
	cfg     *config.BusinessConfig
	now     func() time.Time
}

func NewCheckoutService(store TransactionStore, gw PaymentGateway, cfg *config.BusinessConfig) *CheckoutService {
	return &CheckoutService{
		store:   store,
		gateway: gw,
		cfg:     cfg,
		now:     time.Now,
	}
}

type CheckoutRequest struct {
	UserID int64
	Kind   string
	Items  []model.PurchaseItem
	// retryOfCode 由重试协调器填写，记录新事务源自哪笔失败事务
	retryOfCode string
}

// Checkout 创建购买事务
//
// 网关侧的两类失败分开处理：
//   - ErrRejected: 明确拒绝，事务立即置为 FAILED（重试没有意义）
//   - ErrUnavailable: 临时故障，事务保持 PENDING，由对账引擎后续收敛；
//     网关可能实际已受理，贸然置失败会造成"钱扣了单没了"
//
// 两种情况都把已落库的事务一并返回，调用方能拿到事务编号继续跟进。
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*model.Transaction, error) {
	deadline := s.now().Add(s.paymentTimeout())
	trx, err := model.BuildTransaction(req.UserID, req.Kind, req.Items, deadline)
	if err != nil {
		return nil, err
	}
	trx.RetryOfCode = req.retryOfCode

	if err := s.store.Create(ctx, trx); err != nil {
		return nil, fmt.Errorf("创建事务失败: %w", err)
	}

	result, err := s.gateway.CreateCharge(ctx, trx)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			if failed, _, applyErr := s.store.ApplyStatus(ctx, trx.ID, model.StatusFailed, nil); applyErr != nil {
				log.Printf("[Checkout] 标记事务失败时出错: code=%s, err=%v", trx.Code, applyErr)
			} else {
				trx = failed
			}
			return trx, fmt.Errorf("支付渠道拒绝了本次请求: %w", err)
		}
		log.Printf("[Checkout] 网关暂时不可用，事务保持待支付: code=%s, err=%v", trx.Code, err)
		return trx, fmt.Errorf("%w: %w", ErrStatusUnverified, err)
	}

	if err := s.store.SetGatewayRefs(ctx, trx.ID, result.GatewayOrderID, result.GatewayTransactionID, result.PaymentToken); err != nil {
		return nil, fmt.Errorf("回填网关信息失败: %w", err)
	}
	trx.GatewayOrderID = result.GatewayOrderID
	trx.GatewayTransactionID = result.GatewayTransactionID
	trx.PaymentToken = result.PaymentToken

	log.Printf("[Checkout] 下单成功: code=%s, userID=%d, amount=%d", trx.Code, trx.UserID, trx.TotalAmount)
	return trx, nil
}

func (s *CheckoutService) paymentTimeout() time.Duration {
	if s.cfg.PaymentTimeoutMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.cfg.PaymentTimeoutMinutes) * time.Minute
}
