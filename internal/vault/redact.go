package vault

import (
	"encoding/json"
	"strings"
)

// MaskPrefix 掩码时保留的明文前缀长度
const MaskPrefix = 5

// Mask 保留前 MaskPrefix 个字符，其余替换为 *，长度不变
// 不超过前缀长度的值整体掩码
func Mask(secret string) string {
	r := []rune(secret)
	if len(r) <= MaskPrefix {
		return strings.Repeat("*", len(r))
	}
	return string(r[:MaskPrefix]) + strings.Repeat("*", len(r)-MaskPrefix)
}

// Redact 生成可以返回给调用方的配置视图
func Redact(integrationType string, secrets map[string]string, public map[string]string) map[string]interface{} {
	s, ok := SchemaFor(integrationType)
	if !ok {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(s.PublicFields)+2*len(s.SecretFields))
	for _, f := range s.PublicFields {
		out[f] = public[f]
	}
	for _, f := range s.SecretFields {
		v := secrets[f]
		out[s.Flags[f]] = v != ""
		if s.Rule == RedactMask && v != "" {
			out[f] = Mask(v)
		}
	}
	return out
}

// SealSecrets 将敏感字段序列化并加密
func (v *Vault) SealSecrets(secrets map[string]string) (string, error) {
	raw, err := json.Marshal(secrets)
	if err != nil {
		return "", err
	}
	return v.Encrypt(raw)
}

// OpenSecrets 解密并校验敏感字段
// 任一环节失败都返回 (nil, false)，调用方按“未配置”处理
func (v *Vault) OpenSecrets(integrationType, ciphertext string) (map[string]string, bool) {
	s, ok := SchemaFor(integrationType)
	if !ok || ciphertext == "" {
		return nil, false
	}
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		return nil, false
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(plain, &decoded); err != nil || decoded == nil {
		return nil, false
	}
	out := make(map[string]string, len(s.SecretFields))
	for k, val := range decoded {
		if !s.isSecret(k) {
			continue
		}
		str, ok := val.(string)
		if !ok {
			return nil, false
		}
		out[k] = str
	}
	return out, true
}

// MergeSecrets 新值为空时保留旧值
func MergeSecrets(old, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(old)+len(incoming))
	for k, v := range old {
		if v != "" {
			merged[k] = v
		}
	}
	for k, v := range incoming {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return merged
}
