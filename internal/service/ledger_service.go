package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/model"
	"bookpay/internal/repository"
	"bookpay/pkg/idgen"

	"gorm.io/gorm"
)

// applyStatusMaxAttempts CAS 失败后的重读重裁次数上限。
// 同一笔事务的并发信号最多两三方（Webhook、定时对账、手动对账），
// 几次重试内必然收敛。
const applyStatusMaxAttempts = 3

// LedgerService 购买事务账本（系统中唯一的事实写入方）
//
// 状态变更统一走 ApplyStatus，内部先用 model.Resolve 裁决，再用
// CAS 更新落库，保证推送和拉取两条链路并发触达时不会互相覆盖。
type LedgerService struct {
	cfg             *config.Config
	transactionRepo TransactionRepo
	outboxRepo      OutboxRepo
	granter         EntitlementGranter
	// runInTx 把回调放进一个数据库事务执行，测试时可替换
	runInTx func(fn func(tx *gorm.DB) error) error
	now     func() time.Time
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, granter EntitlementGranter) *LedgerService {
	return &LedgerService{
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		granter:         granter,
		runInTx: func(fn func(tx *gorm.DB) error) error {
			return db.Transaction(fn)
		},
		now: time.Now,
	}
}

// Create 持久化一笔新事务
// 编号在这里生成，并同时作为网关订单号写入
func (s *LedgerService) Create(ctx context.Context, trx *model.Transaction) error {
	trx.ID = idgen.NextID()
	trx.Code = idgen.GenerateTransactionCode()
	trx.GatewayOrderID = trx.Code
	return s.transactionRepo.Create(ctx, nil, trx)
}

// ApplyStatus 受保护的状态迁移（幂等）
//
// 返回值第二项表示是否发生了实际迁移，调用方据此区分
// "这次通知生效了"和"重复通知被幂等吞掉"。
//
// 【关键点】读取-裁决-写入必须原子可见：
//  1. 读出当前状态，交给 model.Resolve 裁决
//  2. 裁决通过后用 CAS（WHERE payment_status = 旧值）写入
//  3. CAS 未命中说明有并发方抢先写入，重新读取再裁决
//
// 进入 PAID 的同一个数据库事务里完成解锁授予和支付结果事件落库，
// "钱到账"与"内容可读"不会出现只发生一半的窗口。
func (s *LedgerService) ApplyStatus(ctx context.Context, id int64, incoming model.PaymentStatus, snap *model.GatewaySnapshot) (*model.Transaction, bool, error) {
	for attempt := 0; attempt < applyStatusMaxAttempts; attempt++ {
		trx, err := s.transactionRepo.GetByID(ctx, nil, id)
		if err != nil {
			return nil, false, err
		}

		next, changed := model.Resolve(trx.PaymentStatus, incoming)
		if !changed {
			return trx, false, nil
		}

		var paidAt *time.Time
		err = s.runInTx(func(tx *gorm.DB) error {
			updates := map[string]interface{}{}
			if snap != nil {
				if snap.GatewayTransactionID != "" {
					updates["gateway_transaction_id"] = snap.GatewayTransactionID
				}
			}
			if next == model.StatusPaid {
				now := s.now()
				paidAt = &now
				updates["paid_at"] = paidAt
			}

			if err := s.transactionRepo.UpdateStatusCAS(ctx, tx, id, trx.PaymentStatus, next, updates); err != nil {
				return err
			}

			if next == model.StatusPaid {
				for _, it := range trx.Items {
					if err := s.granter.Grant(ctx, tx, trx.UserID, it.ItemType, it.ItemID, trx.Code); err != nil {
						return fmt.Errorf("解锁内容失败: %w", err)
					}
				}
			}

			return s.writeResultEvent(ctx, tx, trx, next, paidAt)
		})

		if errors.Is(err, repository.ErrStatusConflict) {
			// 并发方先一步写入，重新读取最新状态再裁决
			continue
		}
		if err != nil {
			return nil, false, err
		}

		trx.PaymentStatus = next
		if paidAt != nil {
			trx.PaidAt = paidAt
		}
		if snap != nil && snap.GatewayTransactionID != "" {
			trx.GatewayTransactionID = snap.GatewayTransactionID
		}
		return trx, true, nil
	}

	return nil, false, repository.ErrStatusConflict
}

// writeResultEvent 支付结果事件写入本地消息表，由 OutboxSender 异步投递
func (s *LedgerService) writeResultEvent(ctx context.Context, tx *gorm.DB, trx *model.Transaction, status model.PaymentStatus, paidAt *time.Time) error {
	payload := map[string]interface{}{
		"code":         trx.Code,
		"user_id":      trx.UserID,
		"kind":         trx.Kind,
		"total_amount": trx.TotalAmount,
		"status":       status,
	}
	if paidAt != nil {
		payload["paid_at"] = paidAt.Format(time.RFC3339)
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: trx.Code,
		Topic:      s.cfg.Kafka.Topic.PaymentResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入支付结果事件失败: %w", err)
	}
	return nil
}

func (s *LedgerService) SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error {
	return s.transactionRepo.SetGatewayRefs(ctx, id, gatewayOrderID, gatewayTransactionID, paymentToken)
}

func (s *LedgerService) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	return s.transactionRepo.GetByID(ctx, nil, id)
}

func (s *LedgerService) GetByCode(ctx context.Context, code string) (*model.Transaction, error) {
	return s.transactionRepo.GetByCode(ctx, code)
}

func (s *LedgerService) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error) {
	return s.transactionRepo.GetByGatewayOrderID(ctx, gatewayOrderID)
}

func (s *LedgerService) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	return s.transactionRepo.ListPending(ctx, olderThan, limit)
}

func (s *LedgerService) ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error) {
	return s.transactionRepo.ListNonTerminal(ctx, limit)
}

func (s *LedgerService) ListForUser(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, status, page, pageSize)
}
