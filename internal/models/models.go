package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BaseModel 使用 UUID 字符串主键
type BaseModel struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate 创建前生成 UUID
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

// 用户角色
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Company 租户
type Company struct {
	BaseModel
	Name string `gorm:"size:200;not null" json:"name"`
}

// User 租户下的登录用户
type User struct {
	BaseModel
	CompanyID    string     `gorm:"type:varchar(36);not null;index" json:"company_id"`
	Email        string     `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Name         string     `gorm:"size:200" json:"name"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	Role         string     `gorm:"size:20;default:'member'" json:"role"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`

	Company *Company `gorm:"foreignKey:CompanyID" json:"company,omitempty"`
}

// ActivityLog 租户操作记录（同步、集成变更、清理等）
type ActivityLog struct {
	BaseModel
	CompanyID string         `gorm:"type:varchar(36);not null;index" json:"company_id"`
	UserID    *string        `gorm:"type:varchar(36)" json:"user_id,omitempty"`
	Action    string         `gorm:"size:64;not null;index" json:"action"`
	Detail    datatypes.JSON `json:"detail,omitempty"`
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Company{}, &User{}, &CompanyIntegration{},
		&Workflow{}, &Ticket{}, &ActivityLog{},
	}
}
