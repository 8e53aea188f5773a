package service

import (
	"context"
	"time"

	"bookpay/internal/gateway"
	"bookpay/internal/model"

	"gorm.io/gorm"
)

// 对账引擎、Webhook 接收器和重试协调器都只依赖这里的接口，
// 测试时可以替换成假网关和内存账本。

// TransactionStore 事务账本的读写契约，LedgerService 是唯一实现
type TransactionStore interface {
	Create(ctx context.Context, trx *model.Transaction) error
	ApplyStatus(ctx context.Context, id int64, incoming model.PaymentStatus, snap *model.GatewaySnapshot) (*model.Transaction, bool, error)
	SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error
	GetByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetByCode(ctx context.Context, code string) (*model.Transaction, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
	ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error)
	ListForUser(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error)
}

// TransactionRepo 事务表的持久化契约，LedgerService 经由它落库。
// tx 非空时在给定的数据库事务内执行。
type TransactionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, trx *model.Transaction) error
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Transaction, error)
	GetByCode(ctx context.Context, code string) (*model.Transaction, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error)
	UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id int64, from, to model.PaymentStatus, updates map[string]interface{}) error
	SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
	ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error)
	ListByUserID(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error)
}

// OutboxRepo 本地消息表的持久化契约
type OutboxRepo interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

// PaymentGateway 出站支付网关契约
type PaymentGateway interface {
	CreateCharge(ctx context.Context, trx *model.Transaction) (*gateway.ChargeResult, error)
	QueryStatus(ctx context.Context, gatewayOrderID string) (*gateway.StatusResult, error)
}

// SignatureVerifier 通知签名校验契约
type SignatureVerifier interface {
	VerifySignature(orderID, statusCode, grossAmount, signature string) bool
}

// EntitlementGranter 事务进入 PAID 时由账本在同一个数据库事务内调用，
// 保证"收到钱"和"解锁内容"原子生效
type EntitlementGranter interface {
	Grant(ctx context.Context, tx *gorm.DB, userID int64, itemType string, itemID int64, transactionCode string) error
}

// RetryLocker 重试协调器的事务级互斥
type RetryLocker interface {
	WithLock(ctx context.Context, transactionCode string, fn func() error) error
}
