package model

import (
	"time"
)

// Entitlement 内容解锁记录表
// 事务进入 PAID 时逐条写入，用户由此获得对应书籍/章节的阅读权
type Entitlement struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"uniqueIndex:uk_user_item;not null" json:"user_id"`
	ItemType        string    `gorm:"type:varchar(20);uniqueIndex:uk_user_item;not null" json:"item_type"`
	ItemID          int64     `gorm:"uniqueIndex:uk_user_item;not null" json:"item_id"`
	TransactionCode string    `gorm:"type:varchar(64);index;not null" json:"transaction_code"`
	GrantedAt       time.Time `gorm:"autoCreateTime" json:"granted_at"`
}

func (Entitlement) TableName() string {
	return "entitlement"
}
