package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// CredentialKind 凭据类型。
type CredentialKind string

const (
	CredentialIMAPPassword CredentialKind = "imap_password"
	CredentialPOPPassword  CredentialKind = "pop_password"
	CredentialAPIToken     CredentialKind = "api_token"
)

// Valid 判断凭据类型是否合法。
func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialIMAPPassword, CredentialPOPPassword, CredentialAPIToken:
		return true
	}
	return false
}

const credentialEnvelopeVersion = "v1"

// ErrMalformedCredential 凭据文本格式错误。
var ErrMalformedCredential = errors.New("malformed credential envelope")

// Credential 加密后的凭据。明文只在 vault 内部短暂存在。
type Credential struct {
	Kind       CredentialKind `json:"kind"`
	Ciphertext []byte         `json:"ciphertext"`
	Nonce      []byte         `json:"nonce"`
}

// String 编码为 v1:<kind>:<nonce>:<ciphertext>，用于配置文件或环境变量。
func (c *Credential) String() string {
	return strings.Join([]string{
		credentialEnvelopeVersion,
		string(c.Kind),
		base64.RawStdEncoding.EncodeToString(c.Nonce),
		base64.RawStdEncoding.EncodeToString(c.Ciphertext),
	}, ":")
}

// ParseCredential 解析 String 生成的文本。
func ParseCredential(value string) (*Credential, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 4 || parts[0] != credentialEnvelopeVersion {
		return nil, ErrMalformedCredential
	}
	kind := CredentialKind(parts[1])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedCredential, parts[1])
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedCredential, err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedCredential, err)
	}
	return &Credential{Kind: kind, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// IsCredentialEnvelope 判断配置值是否为加密信封。
func IsCredentialEnvelope(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), credentialEnvelopeVersion+":")
}
