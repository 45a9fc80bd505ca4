package domain

import (
	"fmt"
	"strings"
	"time"
)

// Strategy 地址命名策略。
type Strategy string

const (
	StrategyRandomName   Strategy = "random_name"
	StrategyRandomString Strategy = "random_string"
	StrategyCustom       Strategy = "custom"
)

// ParseStrategy 解析命名策略（大小写不敏感，兼容 RandomName 等写法）。
func ParseStrategy(value string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "random_name", "randomname", "name":
		return StrategyRandomName, nil
	case "random_string", "randomstring", "string", "random":
		return StrategyRandomString, nil
	case "custom":
		return StrategyCustom, nil
	}
	return "", fmt.Errorf("unknown strategy %q", value)
}

// IdentityStatus 身份状态。
type IdentityStatus string

const (
	StatusActive   IdentityStatus = "active"
	StatusInactive IdentityStatus = "inactive"
	StatusArchived IdentityStatus = "archived"
)

// Valid 判断状态是否合法。
func (s IdentityStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// EmailIdentity 表示一个在自有域名上生成的一次性邮箱身份。
type EmailIdentity struct {
	ID        string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address   string         `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart string         `json:"localPart" gorm:"type:varchar(64)"`
	Domain    string         `json:"domain" gorm:"type:varchar(253);index"`
	Strategy  Strategy       `json:"strategy" gorm:"type:varchar(32)"`
	Status    IdentityStatus `json:"status" gorm:"type:varchar(16);index"`
	Tags      []string       `json:"tags" gorm:"serializer:json;type:text"`
	Notes     string         `json:"notes" gorm:"type:text"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TableName 表名与 PostgreSQL 迁移保持一致
func (EmailIdentity) TableName() string { return "identities" }

// HasTag 判断身份是否带有指定标签。
func (i *EmailIdentity) HasTag(name string) bool {
	for _, t := range i.Tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Clone 返回深拷贝，避免调用方修改存储内部状态。
func (i *EmailIdentity) Clone() *EmailIdentity {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Tags != nil {
		cp.Tags = append([]string(nil), i.Tags...)
	}
	return &cp
}

// IdentityFilter 身份列表查询条件。
type IdentityFilter struct {
	Status IdentityStatus
	Tag    string
	Limit  int
	Offset int
}

// Match 判断身份是否满足过滤条件（内存存储使用）。
func (f IdentityFilter) Match(identity *EmailIdentity) bool {
	if f.Status != "" && identity.Status != f.Status {
		return false
	}
	if f.Tag != "" && !identity.HasTag(f.Tag) {
		return false
	}
	return true
}

// IdentityUpdate 可修改的身份字段。
type IdentityUpdate struct {
	Status *IdentityStatus `json:"status,omitempty"`
	Notes  *string         `json:"notes,omitempty"`
	Tags   []string        `json:"tags,omitempty"`
}

// Apply 将修改应用到身份上。
func (u IdentityUpdate) Apply(identity *EmailIdentity) error {
	if u.Status != nil {
		if !u.Status.Valid() {
			return fmt.Errorf("invalid status %q", *u.Status)
		}
		identity.Status = *u.Status
	}
	if u.Notes != nil {
		identity.Notes = *u.Notes
	}
	if u.Tags != nil {
		identity.Tags = append([]string(nil), u.Tags...)
	}
	return nil
}
