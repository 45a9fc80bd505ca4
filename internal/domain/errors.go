package domain

import (
	"errors"
	"fmt"
)

// 错误分类（用于 errors.Is 判断）
var (
	// ErrInvalidPrefix 自定义前缀为空或包含不允许的字符
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrExhaustedRetries 地址生成重试次数耗尽
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrTransient 可重试的验证错误
	ErrTransient = errors.New("transient verification error")
	// ErrFatal 不可重试的验证错误
	ErrFatal = errors.New("fatal verification error")
	// ErrTimedOut 截止时间内未收到验证码
	ErrTimedOut = errors.New("verification timed out")
	// ErrCancelled 轮询被外部取消
	ErrCancelled = errors.New("verification cancelled")
	// ErrDecryption 凭据解密失败（密钥错误或密文被篡改）
	ErrDecryption = errors.New("decryption failed")
	// ErrPersistence 存储协作方失败
	ErrPersistence = errors.New("persistence error")

	// ErrIdentityNotFound 身份不存在
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrTagNotFound 标签不存在
	ErrTagNotFound = errors.New("tag not found")
	// ErrTagExists 标签已存在
	ErrTagExists = errors.New("tag already exists")
	// ErrAddressTaken 地址已被占用
	ErrAddressTaken = errors.New("address already taken")
)

// InvalidPrefixError 描述自定义前缀校验失败的原因。
type InvalidPrefixError struct {
	Prefix string
	Reason string
}

func (e *InvalidPrefixError) Error() string {
	if e.Prefix == "" {
		return fmt.Sprintf("invalid prefix: %s", e.Reason)
	}
	return fmt.Sprintf("invalid prefix %q: %s", e.Prefix, e.Reason)
}

// Is 支持 errors.Is(err, ErrInvalidPrefix)。
func (e *InvalidPrefixError) Is(target error) bool { return target == ErrInvalidPrefix }

// ExhaustedRetriesError 表示在有限次数内未能预留唯一地址。
type ExhaustedRetriesError struct {
	Strategy Strategy
	Attempts int
	Last     string // 最后一次尝试的候选地址
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted %d attempts generating %s address (last candidate %q)", e.Attempts, e.Strategy, e.Last)
}

// Is 支持 errors.Is(err, ErrExhaustedRetries)。
func (e *ExhaustedRetriesError) Is(target error) bool { return target == ErrExhaustedRetries }

// TransientError 单次轮询失败，但同一会话内可重试。
//
// Connect 标记连接阶段（认证、TLS、拨号）失败，轮询器会对其连续次数计数。
type TransientError struct {
	Reason  string
	Connect bool
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrTransient)。
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// FatalError 终止当前验证请求的错误（认证失败、响应结构异常等）。
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrFatal)。
func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// DecryptionError 认证加密校验失败。不携带任何明文或密钥信息。
type DecryptionError struct {
	Kind CredentialKind
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Kind == "" {
		return "decryption failed"
	}
	return fmt.Sprintf("decryption failed for %s credential", e.Kind)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrDecryption)。
func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// PersistenceError 包装存储协作方返回的错误，原样保留底层错误。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrPersistence)。
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Transient 构造瞬时错误。
func Transient(reason string, err error) *TransientError {
	return &TransientError{Reason: reason, Err: err}
}

// ConnectFailure 构造连接阶段的瞬时错误。
func ConnectFailure(reason string, err error) *TransientError {
	return &TransientError{Reason: reason, Connect: true, Err: err}
}

// Fatal 构造致命错误。
func Fatal(reason string, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}
