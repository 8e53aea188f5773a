package repository

import (
	"context"
	"errors"
	"time"

	"bookpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("事务不存在")
	// ErrStatusConflict CAS 更新未命中：当前状态已被并发方修改
	ErrStatusConflict = errors.New("事务状态已变更")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trx *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	// Items 通过关联一并写入，保证事务头和明细同生共死
	return tx.WithContext(ctx).Create(trx).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trx model.Transaction
	err := tx.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&trx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trx, nil
}

func (r *TransactionRepository) GetByCode(ctx context.Context, code string) (*model.Transaction, error) {
	var trx model.Transaction
	err := r.db.WithContext(ctx).Preload("Items").Where("code = ?", code).First(&trx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trx, nil
}

func (r *TransactionRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error) {
	var trx model.Transaction
	err := r.db.WithContext(ctx).Preload("Items").Where("gateway_order_id = ?", gatewayOrderID).First(&trx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trx, nil
}

// UpdateStatusCAS 带前置状态校验的状态更新
//
// 【关键点】WHERE 条件同时限定 id 和当前状态，配合 RowsAffected 判断，
// 把"读取-裁决-写入"压缩成一条原子 UPDATE。Webhook 和对账任务并发
// 触达同一笔事务时，只有一方能命中，另一方拿到 ErrStatusConflict
// 后重新读取再裁决，不会出现丢失更新。
func (r *TransactionRepository) UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id int64, from, to model.PaymentStatus, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["payment_status"] = to

	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetGatewayRefs 网关受理后回填订单号、交易号和支付令牌
func (r *TransactionRepository) SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error {
	return r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"gateway_order_id":       gatewayOrderID,
			"gateway_transaction_id": gatewayTransactionID,
			"payment_token":          paymentToken,
		}).Error
}

// ListPending 查询待支付事务（对账批处理的输入）
// olderThan 非零时只返回创建时间早于该时刻的事务，避免对账刚下单的订单
func (r *TransactionRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	var trxs []*model.Transaction
	query := r.db.WithContext(ctx).Preload("Items").
		Where("payment_status = ?", model.StatusPending)
	if !olderThan.IsZero() {
		query = query.Where("created_at < ?", olderThan)
	}
	err := query.Order("created_at ASC").Limit(limit).Find(&trxs).Error
	return trxs, err
}

// ListNonTerminal 查询所有未到 PAID 终态的事务（管理端全量对账用）
func (r *TransactionRepository) ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error) {
	var trxs []*model.Transaction
	err := r.db.WithContext(ctx).Preload("Items").
		Where("payment_status <> ?", model.StatusPaid).
		Order("created_at ASC").
		Limit(limit).
		Find(&trxs).Error
	return trxs, err
}

// ListByUserID 查询用户事务列表，status 为空时不过滤
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error) {
	var trxs []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("payment_status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Preload("Items").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&trxs).Error

	return trxs, total, err
}
