package vault

import (
	"sort"
	"strings"
)

// RedactionRule 敏感字段在展示时的处理方式
type RedactionRule int

const (
	// RedactOmit 不返回敏感字段，只返回 has_* 标记
	RedactOmit RedactionRule = iota
	// RedactMask 返回前缀 + 等长掩码，并附带 has_* 标记
	RedactMask
)

// Schema 某一集成类型的字段划分
type Schema struct {
	Type         string
	PublicFields []string
	SecretFields []string
	Required     []string
	Rule         RedactionRule
	// Flags 敏感字段 -> 展示用的 has_* 标记名
	Flags map[string]string
}

var schemas = map[string]Schema{
	"servicenow": {
		Type:         "servicenow",
		PublicFields: []string{"instance_url", "username"},
		SecretFields: []string{"password"},
		Required:     []string{"instance_url", "username", "password"},
		Rule:         RedactOmit,
		Flags:        map[string]string{"password": "has_password"},
	},
	"jira": {
		Type:         "jira",
		PublicFields: []string{"base_url", "email", "project_key"},
		SecretFields: []string{"api_token"},
		Required:     []string{"base_url", "email", "api_token"},
		Rule:         RedactMask,
		Flags:        map[string]string{"api_token": "has_token"},
	},
	"gmail": {
		Type:         "gmail",
		PublicFields: []string{"email", "smtp_host", "smtp_port", "client_id"},
		SecretFields: []string{"app_password", "client_secret", "refresh_token"},
		Required:     []string{"email"},
		Rule:         RedactOmit,
		Flags: map[string]string{
			"app_password":  "has_app_password",
			"client_secret": "has_client_secret",
			"refresh_token": "has_refresh_token",
		},
	},
	"groq": {
		Type:         "groq",
		PublicFields: []string{"model"},
		SecretFields: []string{"api_key"},
		Required:     []string{"api_key"},
		Rule:         RedactMask,
		Flags:        map[string]string{"api_key": "has_api_key"},
	},
}

// SchemaFor 按集成类型取字段划分
func SchemaFor(integrationType string) (Schema, bool) {
	s, ok := schemas[strings.ToLower(strings.TrimSpace(integrationType))]
	return s, ok
}

// Split 将提交的字段按 schema 拆分为公开与敏感两部分，未知字段丢弃
func (s Schema) Split(fields map[string]string) (public, secret map[string]string) {
	public = make(map[string]string, len(s.PublicFields))
	secret = make(map[string]string, len(s.SecretFields))
	for _, f := range s.PublicFields {
		if v, ok := fields[f]; ok {
			public[f] = strings.TrimSpace(v)
		}
	}
	for _, f := range s.SecretFields {
		if v, ok := fields[f]; ok {
			secret[f] = v
		}
	}
	return public, secret
}

// Missing 返回合并后仍为空的必填字段
func (s Schema) Missing(public, secret map[string]string) []string {
	var missing []string
	for _, f := range s.Required {
		if public[f] == "" && secret[f] == "" {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

func (s Schema) isSecret(field string) bool {
	for _, f := range s.SecretFields {
		if f == field {
			return true
		}
	}
	return false
}
