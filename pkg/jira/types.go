package jira

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config Jira Cloud 客户端配置
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	Email      string        `yaml:"email"`
	APIToken   string        `yaml:"api_token"`
	ProjectKey string        `yaml:"project_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Transport 为空时使用带 OpenTelemetry 的默认 Transport
	Transport http.RoundTripper `yaml:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:    15 * time.Second,
		MaxRetries: 1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// TimeLayout Jira 返回的时间格式
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// SearchFields 列表与详情请求的字段
const SearchFields = "summary,description,status,priority,issuetype,assignee,reporter,created,updated"

type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

type IssueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *Named          `json:"status"`
	Priority    *Named          `json:"priority"`
	IssueType   *Named          `json:"issuetype"`
	Assignee    *User           `json:"assignee"`
	Reporter    *User           `json:"reporter"`
	Created     string          `json:"created"`
	Updated     string          `json:"updated"`
}

type Named struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type User struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// StatusName 原始状态名
func (i *Issue) StatusName() string {
	if i.Fields.Status == nil {
		return ""
	}
	return i.Fields.Status.Name
}

func (i *Issue) PriorityName() string {
	if i.Fields.Priority == nil {
		return ""
	}
	return i.Fields.Priority.Name
}

func (i *Issue) IssueTypeName() string {
	if i.Fields.IssueType == nil {
		return ""
	}
	return i.Fields.IssueType.Name
}

func (i *Issue) AssigneeName() string {
	if i.Fields.Assignee == nil {
		return ""
	}
	return i.Fields.Assignee.DisplayName
}

func (i *Issue) CreatedAt() time.Time { return parseTime(i.Fields.Created) }
func (i *Issue) UpdatedAt() time.Time { return parseTime(i.Fields.Updated) }

func parseTime(s string) time.Time {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// DescriptionText 描述转为纯文本；v3 为 ADF 文档，v2 为字符串
func (i *Issue) DescriptionText() string {
	raw := i.Fields.Description
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var b strings.Builder
	doc.render(&b)
	return strings.TrimSpace(b.String())
}

// adfNode Atlassian Document Format 节点
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

func (n adfNode) render(b *strings.Builder) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	}
	for _, child := range n.Content {
		child.render(b)
	}
	switch n.Type {
	case "paragraph", "heading", "listItem", "codeBlock", "blockquote":
		b.WriteString("\n")
	}
}

type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API error [%d]: %s", e.StatusCode, e.Message)
}
