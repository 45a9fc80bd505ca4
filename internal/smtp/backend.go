package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/mailparse"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/verify"
)

// DefaultMaxMessageBytes 单封邮件上限
const DefaultMaxMessageBytes = 10 << 20

// IdentityLookup 查询收件人身份
type IdentityLookup interface {
	GetIdentityByAddress(ctx context.Context, address string) (*domain.EmailIdentity, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本系统已生成身份的邮件，不做任何转发：
// 收件人域名必须是配置的域名之一，且身份必须存在于存储中，否则返回 550。
type Backend struct {
	domains    map[string]struct{}
	identities IdentityLookup
	inbox      *Inbox
	maxBytes   int64
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// BackendOption SMTP 后端选项
type BackendOption func(*Backend)

// WithMetrics 注入指标
func WithMetrics(m *monitoring.Metrics) BackendOption {
	return func(b *Backend) { b.metrics = m }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithMaxMessageBytes 设置单封邮件上限
func WithMaxMessageBytes(n int64) BackendOption {
	return func(b *Backend) { b.maxBytes = n }
}

// NewBackend 创建 SMTP Backend。
func NewBackend(domains []string, identities IdentityLookup, inbox *Inbox, opts ...BackendOption) *Backend {
	b := &Backend{
		domains:    make(map[string]struct{}, len(domains)),
		identities: identities,
		inbox:      inbox,
		maxBytes:   DefaultMaxMessageBytes,
		now:        time.Now,
	}
	for _, d := range domains {
		b.domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.OrNop(b.logger)
	return b
}

// Inbox 返回收件箱（即 smtp_sink 验证后端）
func (b *Backend) Inbox() *Inbox {
	return b.inbox
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &session{
		backend: b,
		logger:  b.logger.With(zap.String("remote", remote)),
	}, nil
}

type session struct {
	backend     *Backend
	logger      *zap.Logger
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 这里是防止中继的唯一入口：外部域名和不存在的身份一律拒绝。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)

	_, recipientDomain, ok := domain.SplitAddress(addr)
	if !ok {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if _, managed := s.backend.domains[recipientDomain]; !managed {
		s.reject(addr, "domain not managed")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	identity, err := s.backend.identities.GetIdentityByAddress(ctx, addr)
	switch {
	case errors.Is(err, domain.ErrIdentityNotFound):
	case err != nil:
		s.logger.Warn("recipient lookup failed", zap.String("rcpt", addr), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	case identity.Status != domain.StatusArchived:
		s.recipients = append(s.recipients, addr)
		return nil
	}

	s.reject(addr, "no such identity")
	return &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "recipient mailbox not found",
	}
}

func (s *session) reject(addr, reason string) {
	s.backend.metrics.RecordSinkMessage(false)
	s.logger.Debug("recipient rejected", zap.String("rcpt", addr), zap.String("reason", reason))
}

// Data 解析邮件并投递到每个收件人的收件箱。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes))
	if err != nil {
		return err
	}

	parsed, err := mailparse.Parse(raw)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      fmt.Sprintf("malformed message: %v", err),
		}
	}

	id := parsed.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	msg := verify.Message{
		ID:         id,
		Subject:    parsed.Subject,
		Body:       parsed.Body(),
		ReceivedAt: s.backend.now(),
	}

	for _, rcpt := range s.recipients {
		s.backend.inbox.Deliver(rcpt, msg)
		s.backend.metrics.RecordSinkMessage(true)
		s.logger.Info("message received",
			zap.String("rcpt", rcpt),
			zap.String("from", s.fromAddress),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}
