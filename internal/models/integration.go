package models

import (
	"time"

	"gorm.io/datatypes"
)

// 集成类型
const (
	IntegrationServiceNow = "servicenow"
	IntegrationJira       = "jira"
	IntegrationGmail      = "gmail"
	IntegrationGroq       = "groq"
)

// 集成状态
const (
	IntegrationConnected    = "connected"
	IntegrationDisconnected = "disconnected"
	IntegrationError        = "error"
)

// IntegrationTypes 支持的集成类型（展示顺序）
var IntegrationTypes = []string{
	IntegrationServiceNow, IntegrationJira, IntegrationGmail, IntegrationGroq,
}

// CompanyIntegration 租户的外部集成配置
// ConfigJSON 为加密后的敏感字段；PublicConfig 为可直接展示的非敏感字段
type CompanyIntegration struct {
	BaseModel
	CompanyID       string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_integration_company_type,priority:1" json:"company_id"`
	IntegrationType string         `gorm:"size:32;not null;uniqueIndex:idx_integration_company_type,priority:2" json:"integration_type"`
	Status          string         `gorm:"size:20;default:'disconnected'" json:"status"`
	ConfigJSON      string         `gorm:"type:text" json:"-"`
	PublicConfig    datatypes.JSON `json:"public_config,omitempty"`
	LastTestedAt    *time.Time     `json:"last_tested_at,omitempty"`
	LastError       string         `gorm:"type:text" json:"last_error,omitempty"`
}
