package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/model"
	"bookpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// scriptedTransactionRepo 按脚本回放读取结果和 CAS 结果，
// 用来复现 Webhook 和对账任务并发写同一笔事务的时序
type scriptedTransactionRepo struct {
	reads    []*model.Transaction // 每次 GetByID 依次返回，耗尽后重复最后一个
	readIdx  int
	casErrs  []error // 每次 UpdateStatusCAS 依次返回，耗尽后返回 nil
	casIdx   int
	casTo    []model.PaymentStatus // 记录每次 CAS 的目标状态
	lastSets map[string]interface{}
}

func (r *scriptedTransactionRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Transaction, error) {
	if len(r.reads) == 0 {
		return nil, repository.ErrTransactionNotFound
	}
	trx := r.reads[r.readIdx]
	if r.readIdx < len(r.reads)-1 {
		r.readIdx++
	}
	cp := *trx
	cp.Items = append([]model.TransactionItem(nil), trx.Items...)
	return &cp, nil
}

func (r *scriptedTransactionRepo) UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id int64, from, to model.PaymentStatus, updates map[string]interface{}) error {
	r.casTo = append(r.casTo, to)
	r.lastSets = updates
	if r.casIdx < len(r.casErrs) {
		err := r.casErrs[r.casIdx]
		r.casIdx++
		return err
	}
	return nil
}

func (r *scriptedTransactionRepo) Create(ctx context.Context, tx *gorm.DB, trx *model.Transaction) error {
	return nil
}

func (r *scriptedTransactionRepo) GetByCode(ctx context.Context, code string) (*model.Transaction, error) {
	return nil, repository.ErrTransactionNotFound
}

func (r *scriptedTransactionRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error) {
	return nil, repository.ErrTransactionNotFound
}

func (r *scriptedTransactionRepo) SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error {
	return nil
}

func (r *scriptedTransactionRepo) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	return nil, nil
}

func (r *scriptedTransactionRepo) ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error) {
	return nil, nil
}

func (r *scriptedTransactionRepo) ListByUserID(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error) {
	return nil, 0, nil
}

type recordingOutbox struct {
	msgs []*model.OutboxMessage
}

func (o *recordingOutbox) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	o.msgs = append(o.msgs, msg)
	return nil
}

type recordingGranter struct {
	grants []string
}

func (g *recordingGranter) Grant(ctx context.Context, tx *gorm.DB, userID int64, itemType string, itemID int64, transactionCode string) error {
	g.grants = append(g.grants, fmt.Sprintf("%d/%s/%d", userID, itemType, itemID))
	return nil
}

func newScriptedLedger(repo *scriptedTransactionRepo, outbox *recordingOutbox, granter *recordingGranter) *LedgerService {
	return &LedgerService{
		cfg: &config.Config{
			Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{PaymentResult: "bookpay.payment.result"}},
		},
		transactionRepo: repo,
		outboxRepo:      outbox,
		granter:         granter,
		runInTx: func(fn func(tx *gorm.DB) error) error {
			return fn(nil)
		},
		now: time.Now,
	}
}

func ledgerTransaction(status model.PaymentStatus) *model.Transaction {
	return &model.Transaction{
		ID:            1,
		Code:          "TRX-001",
		UserID:        7,
		Kind:          model.KindBookPurchase,
		TotalAmount:   15000,
		PaymentStatus: status,
		Items: []model.TransactionItem{
			{ItemType: model.ItemTypeBook, ItemID: 10, Title: "Go 程序设计", Price: 10000, Quantity: 1},
			{ItemType: model.ItemTypeChapter, ItemID: 22, Title: "第三章", Price: 5000, Quantity: 1},
		},
	}
}

func TestLedgerService_ApplyStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("paid transition grants entitlements and records the event in one transaction", func(t *testing.T) {
		repo := &scriptedTransactionRepo{reads: []*model.Transaction{ledgerTransaction(model.StatusPending)}}
		outbox := &recordingOutbox{}
		granter := &recordingGranter{}
		svc := newScriptedLedger(repo, outbox, granter)

		trx, changed, err := svc.ApplyStatus(ctx, 1, model.StatusPaid, &model.GatewaySnapshot{GatewayTransactionID: "gw-9"})
		require.NoError(t, err)

		assert.True(t, changed)
		assert.Equal(t, model.StatusPaid, trx.PaymentStatus)
		assert.NotNil(t, trx.PaidAt)
		assert.Equal(t, "gw-9", trx.GatewayTransactionID)

		// CAS 命中一次，paid_at 和网关交易号随同一条 UPDATE 落库
		assert.Equal(t, []model.PaymentStatus{model.StatusPaid}, repo.casTo)
		assert.Contains(t, repo.lastSets, "paid_at")
		assert.Equal(t, "gw-9", repo.lastSets["gateway_transaction_id"])

		// 两个明细各解锁一次，结果事件恰好一条
		assert.ElementsMatch(t, []string{"7/BOOK/10", "7/CHAPTER/22"}, granter.grants)
		require.Len(t, outbox.msgs, 1)
		assert.Equal(t, "bookpay.payment.result", outbox.msgs[0].Topic)
		assert.Equal(t, "TRX-001", outbox.msgs[0].MessageKey)
	})

	t.Run("failed transition records the event without granting anything", func(t *testing.T) {
		repo := &scriptedTransactionRepo{reads: []*model.Transaction{ledgerTransaction(model.StatusPending)}}
		outbox := &recordingOutbox{}
		granter := &recordingGranter{}
		svc := newScriptedLedger(repo, outbox, granter)

		_, changed, err := svc.ApplyStatus(ctx, 1, model.StatusFailed, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Empty(t, granter.grants)
		assert.Len(t, outbox.msgs, 1)
	})

	t.Run("cas conflict re-reads and defers to the concurrent winner", func(t *testing.T) {
		// 时序：对账任务读到 PENDING 想写 EXPIRED，CAS 未命中
		//（Webhook 已抢先写入 PAID），重读后裁决为无变化
		repo := &scriptedTransactionRepo{
			reads: []*model.Transaction{
				ledgerTransaction(model.StatusPending),
				ledgerTransaction(model.StatusPaid),
			},
			casErrs: []error{repository.ErrStatusConflict},
		}
		outbox := &recordingOutbox{}
		granter := &recordingGranter{}
		svc := newScriptedLedger(repo, outbox, granter)

		trx, changed, err := svc.ApplyStatus(ctx, 1, model.StatusExpired, nil)
		require.NoError(t, err)

		assert.False(t, changed)
		assert.Equal(t, model.StatusPaid, trx.PaymentStatus)
		// 输掉 CAS 的一方不解锁、不发事件，也不再尝试写入
		assert.Len(t, repo.casTo, 1)
		assert.Empty(t, granter.grants)
		assert.Empty(t, outbox.msgs)
	})

	t.Run("no-op resolution never touches the store", func(t *testing.T) {
		repo := &scriptedTransactionRepo{reads: []*model.Transaction{ledgerTransaction(model.StatusPending)}}
		outbox := &recordingOutbox{}
		svc := newScriptedLedger(repo, outbox, &recordingGranter{})

		trx, changed, err := svc.ApplyStatus(ctx, 1, model.StatusUnknown, nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, model.StatusPending, trx.PaymentStatus)
		assert.Empty(t, repo.casTo)
		assert.Empty(t, outbox.msgs)
	})

	t.Run("persistent conflict gives up after bounded attempts", func(t *testing.T) {
		repo := &scriptedTransactionRepo{
			reads: []*model.Transaction{ledgerTransaction(model.StatusPending)},
			casErrs: []error{
				repository.ErrStatusConflict,
				repository.ErrStatusConflict,
				repository.ErrStatusConflict,
			},
		}
		outbox := &recordingOutbox{}
		granter := &recordingGranter{}
		svc := newScriptedLedger(repo, outbox, granter)

		_, _, err := svc.ApplyStatus(ctx, 1, model.StatusPaid, nil)
		assert.ErrorIs(t, err, repository.ErrStatusConflict)
		assert.Len(t, repo.casTo, applyStatusMaxAttempts)
		// CAS 从未命中，任何副作用都不能发生
		assert.Empty(t, granter.grants)
		assert.Empty(t, outbox.msgs)
	})
}
