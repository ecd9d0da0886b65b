package models

import (
	"time"

	"gorm.io/datatypes"
)

// Workflow 状态
const (
	WorkflowProcessing = "processing"
	WorkflowCompleted  = "completed"
	WorkflowFailed     = "failed"
)

// 工单来源
const (
	SourceServiceNow = "servicenow"
	SourceJira       = "jira"
	SourceEmail      = "email"
)

// Workflow 一次邮件到工单的自动化处理记录
// 外部 ID 为空时存 NULL，唯一索引只约束非空值
type Workflow struct {
	BaseModel
	CompanyID          string         `gorm:"type:varchar(36);not null;index;uniqueIndex:idx_workflow_company_sn,priority:1;uniqueIndex:idx_workflow_company_jira,priority:1;uniqueIndex:idx_workflow_company_email,priority:1" json:"company_id"`
	ServiceNowTicketID *string        `gorm:"column:servicenow_ticket_id;size:64;uniqueIndex:idx_workflow_company_sn,priority:2" json:"servicenow_ticket_id,omitempty"`
	JiraTicketID       *string        `gorm:"size:64;uniqueIndex:idx_workflow_company_jira,priority:2" json:"jira_ticket_id,omitempty"`
	EmailMessageID     *string        `gorm:"size:255;uniqueIndex:idx_workflow_company_email,priority:2" json:"email_message_id,omitempty"`
	Subject            string         `gorm:"size:500" json:"subject"`
	Sender             string         `gorm:"size:255" json:"sender"`
	Status             string         `gorm:"size:20;not null;default:'processing';index" json:"status"`
	StartedAt          time.Time      `gorm:"index" json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	WorkflowData       datatypes.JSON `json:"workflow_data,omitempty"`
	ErrorMessage       string         `gorm:"type:text" json:"error_message,omitempty"`
}

// Ticket 外部工单在本地的缓存快照，Status 保存外部原始值
type Ticket struct {
	BaseModel
	CompanyID          string    `gorm:"type:varchar(36);not null;index;uniqueIndex:idx_ticket_company_sn,priority:1;uniqueIndex:idx_ticket_company_jira,priority:1" json:"company_id"`
	ServiceNowTicketID *string   `gorm:"column:servicenow_ticket_id;size:64;uniqueIndex:idx_ticket_company_sn,priority:2" json:"servicenow_ticket_id,omitempty"`
	JiraTicketID       *string   `gorm:"size:64;uniqueIndex:idx_ticket_company_jira,priority:2" json:"jira_ticket_id,omitempty"`
	Source             string    `gorm:"size:20;not null;index" json:"source"`
	Subject            string    `gorm:"size:500" json:"subject"`
	Description        string    `gorm:"type:text" json:"description"`
	Status             string    `gorm:"size:64" json:"status"`
	Priority           string    `gorm:"size:64" json:"priority"`
	Category           string    `gorm:"size:128" json:"category"`
	Assignee           string    `gorm:"size:255" json:"assignee"`
	SyncedAt           time.Time `json:"synced_at"`
}

// ExternalID 返回工单的外部编号
func (t *Ticket) ExternalID() string {
	if t.ServiceNowTicketID != nil {
		return *t.ServiceNowTicketID
	}
	if t.JiraTicketID != nil {
		return *t.JiraTicketID
	}
	return ""
}
