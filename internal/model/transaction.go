package model

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// 购买事务实体
// ============================================================================
//
// 【重要】事务表设计原则：
// 1. 事务一经创建，金额和明细不可修改 —— 保证审计可追溯
// 2. payment_status 只允许单向推进，PAID 是最高优先级的终态
// 3. 事务永不删除，失败/过期的事务通过"新建一笔"的方式重试
//
// ============================================================================

// PaymentStatus 支付状态
type PaymentStatus string

const (
	StatusPending PaymentStatus = "PENDING"
	StatusPaid    PaymentStatus = "PAID"
	StatusFailed  PaymentStatus = "FAILED"
	StatusExpired PaymentStatus = "EXPIRED"

	// StatusUnknown 网关侧查不到该笔交易时的归一化结果。
	// 只作为 Resolve 的输入出现，永远不会落库。
	StatusUnknown PaymentStatus = "UNKNOWN"
)

// Resolve 状态收敛函数（对账的唯一裁决点）
//
// 【关键点】推送（Webhook）和拉取（Sync）两条链路都必须经过这里，
// 这样"PAID 不可回退、UNKNOWN 视为无变化"的规则只编码在一个地方：
//
//  1. 当前已是 PAID -> 永远保持 PAID（钱已到账是最高优先级事实）
//  2. 来源状态是 UNKNOWN -> 保持当前状态（网关还没记录，不代表失败）
//  3. 来源状态与当前一致 -> 无变化（幂等去重由此保证）
//  4. 其余情况 -> 接受来源状态
//
// 返回值第二项表示状态是否发生了实际变化。
func Resolve(current, incoming PaymentStatus) (PaymentStatus, bool) {
	if current == StatusPaid {
		return current, false
	}
	if incoming == StatusUnknown {
		return current, false
	}
	if incoming == current {
		return current, false
	}
	return incoming, true
}

// IsTerminal PAID 之外的状态都可能被后续信号推进
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusPaid
}

// CanRetry 只有失败/过期的事务才允许发起重试
func (s PaymentStatus) CanRetry() bool {
	return s == StatusFailed || s == StatusExpired
}

// 购买类型常量
const (
	KindBookPurchase    = "BOOK_PURCHASE"
	KindChapterPurchase = "CHAPTER_PURCHASE"
)

// 商品类型常量
const (
	ItemTypeBook    = "BOOK"
	ItemTypeChapter = "CHAPTER"
)

// Transaction 购买事务表
type Transaction struct {
	ID                   int64         `gorm:"primaryKey" json:"id"`
	Code                 string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"` // 事务编号（用户可见，同时作为网关订单号）
	UserID               int64         `gorm:"index;not null" json:"user_id"`
	Kind                 string        `gorm:"type:varchar(32);not null" json:"kind"`
	TotalAmount          int64         `gorm:"not null" json:"total_amount"` // 最小货币单位，等于明细 price*quantity 之和
	PaymentStatus        PaymentStatus `gorm:"type:varchar(20);index;not null" json:"payment_status"`
	GatewayOrderID       string        `gorm:"type:varchar(64);index" json:"gateway_order_id"`
	GatewayTransactionID string        `gorm:"type:varchar(64)" json:"gateway_transaction_id"`
	PaymentToken         string        `gorm:"type:varchar(255)" json:"payment_token"` // 网关返回的支付凭证/跳转令牌
	RetryOfCode          string        `gorm:"type:varchar(64);index" json:"retry_of_code,omitempty"` // 若本事务由重试产生，记录原事务编号
	PaidAt               *time.Time    `json:"paid_at"`
	ExpiredAt            *time.Time    `json:"expired_at"` // 支付截止时间
	CreatedAt            time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt            time.Time     `gorm:"autoUpdateTime" json:"updated_at"`

	Items []TransactionItem `gorm:"foreignKey:TransactionID" json:"items"`
}

func (Transaction) TableName() string {
	return "purchase_transaction"
}

// DeadlinePassed 支付截止时间是否已过
func (t *Transaction) DeadlinePassed(now time.Time) bool {
	return t.ExpiredAt != nil && now.After(*t.ExpiredAt)
}

// TransactionItem 事务明细表
// 标题和单价在下单时快照，后续目录改价不影响历史账目
type TransactionItem struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID int64     `gorm:"index;not null" json:"transaction_id"`
	ItemType      string    `gorm:"type:varchar(20);not null" json:"item_type"`
	ItemID        int64     `gorm:"not null" json:"item_id"`
	Title         string    `gorm:"type:varchar(255);not null" json:"title"`
	Price         int64     `gorm:"not null" json:"price"`
	Quantity      int       `gorm:"not null" json:"quantity"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TransactionItem) TableName() string {
	return "purchase_transaction_item"
}

// GatewaySnapshot 网关侧的事务快照，状态变更时一并落库
type GatewaySnapshot struct {
	GatewayTransactionID string
	RawStatus            string // 网关原始状态串，便于排查归一化问题
}

var ErrValidation = errors.New("参数校验失败")

// PurchaseItem 下单入参中的单个商品
type PurchaseItem struct {
	ItemType string
	ItemID   int64
	Title    string
	Price    int64
	Quantity int
}

// BuildTransaction 组装一笔新的待支付事务（纯函数，不落库）
//
// 校验规则：明细非空、单价和数量均为正数。
// total_amount 在这里一次性算定，之后不再变化。
func BuildTransaction(userID int64, kind string, items []PurchaseItem, deadline time.Time) (*Transaction, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: 用户ID不合法", ErrValidation)
	}
	if kind != KindBookPurchase && kind != KindChapterPurchase {
		return nil, fmt.Errorf("%w: 未知的购买类型 %q", ErrValidation, kind)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: 明细不能为空", ErrValidation)
	}

	var total int64
	rows := make([]TransactionItem, 0, len(items))
	for _, it := range items {
		if it.ItemType != ItemTypeBook && it.ItemType != ItemTypeChapter {
			return nil, fmt.Errorf("%w: 未知的商品类型 %q", ErrValidation, it.ItemType)
		}
		if it.Price <= 0 {
			return nil, fmt.Errorf("%w: 商品 %q 单价必须大于0", ErrValidation, it.Title)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: 商品 %q 数量必须大于0", ErrValidation, it.Title)
		}
		total += it.Price * int64(it.Quantity)
		rows = append(rows, TransactionItem{
			ItemType: it.ItemType,
			ItemID:   it.ItemID,
			Title:    it.Title,
			Price:    it.Price,
			Quantity: it.Quantity,
		})
	}

	return &Transaction{
		UserID:        userID,
		Kind:          kind,
		TotalAmount:   total,
		PaymentStatus: StatusPending,
		ExpiredAt:     &deadline,
		Items:         rows,
	}, nil
}
