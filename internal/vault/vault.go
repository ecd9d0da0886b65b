// Package vault 负责集成凭据的加密存储与脱敏展示
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptySecret        = errors.New("vault: encryption secret is empty")
	ErrCiphertextTooShort = errors.New("vault: ciphertext too short")
)

const (
	keySalt = "flowstream-vault"
	keyInfo = "company-integration-config"
)

// Vault AES-256-GCM 加解密，nonce 附加在密文前并整体 base64 编码
type Vault struct {
	gcm cipher.AEAD
}

// New 由进程级密钥派生 AES-256 密钥
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key, err := deriveKey([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{gcm: gcm}, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(keySalt), []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt 加密并返回 base64 文本
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解码 base64 并解密
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode: %w", err)
	}
	n := v.gcm.NonceSize()
	if len(raw) < n {
		return nil, ErrCiphertextTooShort
	}
	plain, err := v.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plain, nil
}
