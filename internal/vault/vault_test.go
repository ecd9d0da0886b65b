package vault

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-secret")
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt([]byte(`{"api_token":"abc"}`))
	require.NoError(t, err)
	assert.NotContains(t, ct, "abc")

	plain, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, `{"api_token":"abc"}`, string(plain))

	// 每次加密使用新的 nonce
	ct2, err := v.Encrypt([]byte(`{"api_token":"abc"}`))
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestVault_DecryptFailures(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = v.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	other, err := New("another-secret")
	require.NoError(t, err)
	ct, err := other.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, err = v.Decrypt(ct)
	assert.Error(t, err)
}

func TestNew_EmptySecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "***", Mask("abc"))
	assert.Equal(t, "*****", Mask("abcde"))
	assert.Equal(t, "abcde*", Mask("abcdef"))
	assert.Equal(t, "ATATT"+strings.Repeat("*", 35), Mask("ATATT"+strings.Repeat("x", 35)))
}

func TestRedact_JiraNeverLeaksToken(t *testing.T) {
	for _, n := range []int{6, 12, 64, 192} {
		token := "tok_" + strings.Repeat("z", n)
		view := Redact("jira",
			map[string]string{"api_token": token},
			map[string]string{"base_url": "https://acme.atlassian.net", "email": "ops@acme.io", "project_key": "OPS"})

		body, err := json.Marshal(view)
		require.NoError(t, err)
		assert.NotContains(t, string(body), token)

		masked := view["api_token"].(string)
		assert.Len(t, masked, len(token))
		assert.Equal(t, token[:MaskPrefix], masked[:MaskPrefix])
		assert.Equal(t, strings.Repeat("*", len(token)-MaskPrefix), masked[MaskPrefix:])
		assert.Equal(t, true, view["has_token"])
		assert.Equal(t, "OPS", view["project_key"])
	}

	empty := Redact("jira", nil, map[string]string{"base_url": "https://acme.atlassian.net"})
	assert.Equal(t, false, empty["has_token"])
	_, present := empty["api_token"]
	assert.False(t, present)
}

func TestRedact_OmitRule(t *testing.T) {
	view := Redact("servicenow",
		map[string]string{"password": "hunter22"},
		map[string]string{"instance_url": "https://dev1.service-now.com", "username": "admin"})

	assert.Equal(t, "admin", view["username"])
	assert.Equal(t, true, view["has_password"])
	_, present := view["password"]
	assert.False(t, present)

	gmail := Redact("gmail", map[string]string{"refresh_token": "r"}, map[string]string{"email": "bot@acme.io"})
	assert.Equal(t, true, gmail["has_refresh_token"])
	assert.Equal(t, false, gmail["has_app_password"])
	assert.Equal(t, false, gmail["has_client_secret"])
}

func TestOpenSecrets_FailSafe(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.SealSecrets(map[string]string{"api_token": "secret-token"})
	require.NoError(t, err)
	got, ok := v.OpenSecrets("jira", sealed)
	require.True(t, ok)
	assert.Equal(t, "secret-token", got["api_token"])

	_, ok = v.OpenSecrets("jira", "corrupted")
	assert.False(t, ok)

	_, ok = v.OpenSecrets("unknown", sealed)
	assert.False(t, ok)

	notObject, err := v.Encrypt([]byte(`["a","b"]`))
	require.NoError(t, err)
	_, ok = v.OpenSecrets("jira", notObject)
	assert.False(t, ok)

	wrongShape, err := v.Encrypt([]byte(`{"api_token":42}`))
	require.NoError(t, err)
	_, ok = v.OpenSecrets("jira", wrongShape)
	assert.False(t, ok)

	// 非本类型的字段被丢弃
	extra, err := v.Encrypt([]byte(`{"api_token":"t","password":"p"}`))
	require.NoError(t, err)
	got, ok = v.OpenSecrets("jira", extra)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"api_token": "t"}, got)
}

func TestMergeSecrets_KeepsOldOnEmpty(t *testing.T) {
	old := map[string]string{"api_token": "old", "password": "p"}
	merged := MergeSecrets(old, map[string]string{"api_token": "", "password": "new"})
	assert.Equal(t, "old", merged["api_token"])
	assert.Equal(t, "new", merged["password"])

	merged = MergeSecrets(nil, map[string]string{"api_key": "k"})
	assert.Equal(t, map[string]string{"api_key": "k"}, merged)
}

func TestSchema_SplitAndMissing(t *testing.T) {
	s, ok := SchemaFor("Jira")
	require.True(t, ok)

	public, secret := s.Split(map[string]string{
		"base_url": " https://acme.atlassian.net ", "email": "ops@acme.io", "api_token": "t", "junk": "x",
	})
	assert.Equal(t, "https://acme.atlassian.net", public["base_url"])
	assert.Equal(t, "t", secret["api_token"])
	_, junk := public["junk"]
	assert.False(t, junk)

	assert.Empty(t, s.Missing(public, secret))
	assert.Equal(t, []string{"api_token", "base_url"}, s.Missing(map[string]string{"email": "e"}, nil))

	_, ok = SchemaFor("slack")
	assert.False(t, ok)
}
