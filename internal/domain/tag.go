package domain

import "time"

// Tag 身份标签
type Tag struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(100);uniqueIndex"` // 标签名称（全局唯一）
	Color     string    `json:"color" gorm:"type:varchar(7)"`              // 标签颜色（十六进制）
	CreatedAt time.Time `json:"createdAt"`
}
