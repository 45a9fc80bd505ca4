// Package vault 负责邮箱密码与 API Token 的静态加密。
//
// 派生密钥只保存在显式创建、显式关闭的 Session 中，不存在包级单例。
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"mailforge/backend/internal/domain"
)

// Argon2id 参数
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var (
	// ErrSessionClosed 会话已关闭，密钥已清零
	ErrSessionClosed = errors.New("vault session closed")
	// ErrEmptyPassphrase 主口令为空
	ErrEmptyPassphrase = errors.New("vault passphrase is empty")
	// ErrInvalidKind 凭据类型非法
	ErrInvalidKind = errors.New("invalid credential kind")
)

// DeriveKey 使用 Argon2id 从主口令和盐派生 32 字节密钥。
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// Encrypt 使用 XChaCha20-Poly1305 加密，凭据类型作为附加认证数据绑定。
func Encrypt(kind domain.CredentialKind, plaintext, key []byte) (*domain.Credential, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return &domain.Credential{
		Kind:       kind,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(kind)),
	}, nil
}

// Decrypt 解密凭据。密钥错误、密文被篡改或类型被替换时返回 *domain.DecryptionError。
func Decrypt(cred *domain.Credential, key []byte) ([]byte, error) {
	if cred == nil {
		return nil, &domain.DecryptionError{Err: errors.New("nil credential")}
	}
	if len(cred.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, &domain.DecryptionError{Kind: cred.Kind, Err: errors.New("bad nonce size")}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &domain.DecryptionError{Kind: cred.Kind, Err: err}
	}
	plaintext, err := aead.Open(nil, cred.Nonce, cred.Ciphertext, []byte(cred.Kind))
	if err != nil {
		return nil, &domain.DecryptionError{Kind: cred.Kind, Err: err}
	}
	return plaintext, nil
}

// Session 进程生命周期内持有派生密钥的会话。
//
// 初始化后密钥只读，可被多个 goroutine 并发使用；Close 之后所有操作返回 ErrSessionClosed。
type Session struct {
	mu  sync.RWMutex
	key []byte
}

// Open 派生密钥并创建会话。
func Open(passphrase, salt []byte) (*Session, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) < SaltLen {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}
	return &Session{key: DeriveKey(passphrase, salt)}, nil
}

// OpenFile 从盐文件（不存在则创建）派生密钥并创建会话。
func OpenFile(passphrase []byte, saltPath string) (*Session, error) {
	salt, err := LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return Open(passphrase, salt)
}

// Encrypt 加密明文。
func (s *Session) Encrypt(kind domain.CredentialKind, plaintext []byte) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrSessionClosed
	}
	return Encrypt(kind, plaintext, s.key)
}

// Decrypt 解密凭据，调用方负责尽快清零返回的明文。
func (s *Session) Decrypt(cred *domain.Credential) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrSessionClosed
	}
	return Decrypt(cred, s.key)
}

// Reveal 解密后调用 fn，fn 返回后明文立即清零。
func (s *Session) Reveal(cred *domain.Credential, fn func(plaintext []byte) error) error {
	plaintext, err := s.Decrypt(cred)
	if err != nil {
		return err
	}
	defer wipe(plaintext)
	return fn(plaintext)
}

// Open 报告会话是否仍可用。
func (s *Session) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// Close 清零密钥。可重复调用。
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wipe(s.key)
	s.key = nil
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
