// Package mailbox 通过 IMAP 或 POP3 登录真实邮箱拉取验证码邮件。
package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/mailparse"
	"mailforge/backend/internal/verify"
)

// Query 一次拉取的条件
type Query struct {
	Address string
	Since   time.Time
	// Seen 返回 true 的邮件 ID 会被跳过
	Seen func(id string) bool
	// Limit 最多检查的邮件数（从最新开始）
	Limit int
}

func (q Query) seen(id string) bool {
	return q.Seen != nil && q.Seen(id)
}

// Session 一条已登录的邮箱连接
type Session interface {
	Fetch(ctx context.Context, q Query) ([]verify.Message, error)
	MarkRead(ctx context.Context, ids []string) error
	Close() error
}

// Dialer 建立并登录一条新连接。失败时返回 *domain.TransientError{Connect: true}
type Dialer func(ctx context.Context) (Session, error)

// Config 邮箱服务器配置
type Config struct {
	Protocol domain.BackendKind
	Host     string
	Port     int
	TLS      bool
	// InsecureSkipVerify 仅用于自签名证书的测试服务器
	InsecureSkipVerify bool
	Username           string
	// Password 明文或 v1: 信封格式
	Password    string
	Folder      string
	PoolSize    int
	DialTimeout time.Duration
	ScanLimit   int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		switch {
		case c.Protocol == domain.BackendIMAP && c.TLS:
			c.Port = 993
		case c.Protocol == domain.BackendIMAP:
			c.Port = 143
		case c.TLS:
			c.Port = 995
		default:
			c.Port = 110
		}
	}
	if c.Folder == "" {
		c.Folder = "INBOX"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 50
	}
}

func (c Config) validate() error {
	if c.Protocol != domain.BackendIMAP && c.Protocol != domain.BackendPOP3 {
		return fmt.Errorf("unsupported mailbox protocol %q", c.Protocol)
	}
	if c.Host == "" {
		return fmt.Errorf("%s host is required", c.Protocol)
	}
	if c.Username == "" {
		return fmt.Errorf("%s username is required", c.Protocol)
	}
	return nil
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// toMessage 解析原始邮件；不是发给 address 或早于 since 的返回 false
func toMessage(id string, raw []byte, internalDate time.Time, q Query) (verify.Message, bool) {
	parsed, err := mailparse.Parse(raw)
	if err != nil {
		return verify.Message{}, false
	}
	if !parsed.AddressedTo(q.Address) {
		return verify.Message{}, false
	}
	received := internalDate
	if received.IsZero() {
		received = parsed.Date
	}
	if !received.IsZero() && !q.Since.IsZero() && received.Before(q.Since) {
		return verify.Message{}, false
	}
	return verify.Message{
		ID:         id,
		Subject:    parsed.Subject,
		Body:       parsed.Body(),
		ReceivedAt: received,
	}, true
}

func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
