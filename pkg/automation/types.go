package automation

import (
	"encoding/json"
	"time"
)

// Config 自动化机器人服务配置
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:5001",
		Timeout:    15 * time.Second,
		MaxRetries: 1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Run 一次邮件处理记录（邮件解析 -> 分类 -> 建单）
type Run struct {
	RunID              string          `json:"run_id"`
	CompanyID          string          `json:"company_id"`
	Status             string          `json:"status"`
	EmailMessageID     string          `json:"email_message_id"`
	Subject            string          `json:"subject"`
	Sender             string          `json:"sender"`
	ServiceNowTicketID string          `json:"servicenow_ticket_id"`
	JiraTicketID       string          `json:"jira_ticket_id"`
	StartedAt          *time.Time      `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	Error              string          `json:"error"`
	Steps              json.RawMessage `json:"steps"`
	Logs               json.RawMessage `json:"logs"`
}

// RunsResponse 列表响应
type RunsResponse struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
