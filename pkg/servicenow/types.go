package servicenow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config ServiceNow 客户端配置
type Config struct {
	InstanceURL string        `yaml:"instance_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Table       string        `yaml:"table"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// Transport 为空时使用带 OpenTelemetry 的默认 Transport
	Transport http.RoundTripper `yaml:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Table:      "incident",
		Timeout:    15 * time.Second,
		MaxRetries: 1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// TimeLayout ServiceNow 返回的时间格式（UTC）
const TimeLayout = "2006-01-02 15:04:05"

// Incident incident 表记录
type Incident struct {
	SysID            string    `json:"sys_id"`
	Number           string    `json:"number"`
	ShortDescription string    `json:"short_description"`
	Description      string    `json:"description"`
	State            string    `json:"state"`
	Priority         string    `json:"priority"`
	Category         string    `json:"category"`
	AssignedTo       Reference `json:"assigned_to"`
	CallerID         Reference `json:"caller_id"`
	SysCreatedOn     string    `json:"sys_created_on"`
	SysUpdatedOn     string    `json:"sys_updated_on"`
}

// CreatedAt 解析创建时间，失败返回零值
func (i *Incident) CreatedAt() time.Time { return parseTime(i.SysCreatedOn) }

// UpdatedAt 解析更新时间，失败返回零值
func (i *Incident) UpdatedAt() time.Time { return parseTime(i.SysUpdatedOn) }

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Reference 引用字段，可能是字符串，也可能是 {display_value, value}
type Reference struct {
	DisplayValue string `json:"display_value"`
	Value        string `json:"value"`
}

// UnmarshalJSON 兼容两种返回形式
func (r *Reference) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Reference{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = Reference{DisplayValue: s, Value: s}
		return nil
	}
	type plain Reference
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("reference field: %w", err)
	}
	*r = Reference(p)
	return nil
}

// String 优先返回展示值
func (r Reference) String() string {
	if r.DisplayValue != "" {
		return r.DisplayValue
	}
	return r.Value
}

type listResponse struct {
	Result []Incident `json:"result"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
	Status string `json:"status"`
}

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("servicenow API error [%d]: %s", e.StatusCode, e.Message)
}
