package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"bookpay/internal/gateway"
	"bookpay/internal/model"
	"bookpay/internal/repository"
)

// WebhookService 处理网关的异步支付通知（推送链路）
//
// 网关按"至少一次"语义投递，同一份载荷可能到达多次，
// 幂等性由账本的 Resolve 裁决保证，这里不做载荷去重。
type WebhookService struct {
	store    TransactionStore
	verifier SignatureVerifier
}

func NewWebhookService(store TransactionStore, verifier SignatureVerifier) *WebhookService {
	return &WebhookService{
		store:    store,
		verifier: verifier,
	}
}

// Notification 网关推送的通知载荷
// gross_amount 保留原始字符串，签名按原文参与运算
type Notification struct {
	OrderID           string `json:"order_id" binding:"required"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	TransactionStatus string `json:"transaction_status" binding:"required"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	SignatureKey      string `json:"signature_key" binding:"required"`
}

// HandleNotification 校验并应用一条支付通知
//
// 失败路径：
//   - 签名不匹配 -> ErrSignatureInvalid，拒绝且不触碰账本
//   - 订单号找不到 -> ErrUnknownTransaction，记日志忽略
//     （过期或畸形通知是正常现象，不能让它打挂服务）
func (s *WebhookService) HandleNotification(ctx context.Context, n *Notification) (*model.Transaction, bool, error) {
	if !s.verifier.VerifySignature(n.OrderID, n.StatusCode, n.GrossAmount, n.SignatureKey) {
		log.Printf("[Webhook] 签名校验失败: orderID=%s", n.OrderID)
		return nil, false, ErrSignatureInvalid
	}

	trx, err := s.store.GetByGatewayOrderID(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			log.Printf("[Webhook] 通知无法匹配事务，忽略: orderID=%s, status=%s", n.OrderID, n.TransactionStatus)
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownTransaction, n.OrderID)
		}
		return nil, false, err
	}

	incoming := gateway.MapProviderStatus(n.TransactionStatus, n.FraudStatus)
	trx, changed, err := s.store.ApplyStatus(ctx, trx.ID, incoming, &model.GatewaySnapshot{
		GatewayTransactionID: n.TransactionID,
		RawStatus:            n.TransactionStatus,
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		log.Printf("[Webhook] 状态已更新: code=%s, status=%s (网关原始状态 %s)", trx.Code, trx.PaymentStatus, n.TransactionStatus)
	} else {
		log.Printf("[Webhook] 通知未产生变化（幂等）: code=%s, status=%s", trx.Code, trx.PaymentStatus)
	}
	return trx, changed, nil
}
