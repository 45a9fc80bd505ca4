// Package verify 轮询验证码。
//
// 不同的邮件来源（临时邮箱 API、IMAP、POP3、内置 SMTP 收件）只需实现单次拉取的 Fetcher，
// 重试、退避、超时、取消与幂等由 Poller 统一处理。
package verify

import (
	"context"
	"time"

	"mailforge/backend/internal/domain"
)

// Message 单封候选邮件，正文已解码为文本或 HTML。
type Message struct {
	ID         string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Backend 验证后端：在截止时间前为某个地址取回一个验证码。
type Backend interface {
	Kind() domain.BackendKind
	Poll(ctx context.Context, address string, deadline time.Time) (*Result, error)
}

// Fetcher 单次拉取：返回发往 address、接收时间不早于 since 的未读邮件。
//
// 错误应为 *domain.TransientError 或 *domain.FatalError，其他错误按瞬时错误处理。
type Fetcher interface {
	Kind() domain.BackendKind
	Fetch(ctx context.Context, address string, since time.Time) ([]Message, error)
}

// Acker 可选：把已提取验证码的邮件标记为已读。必须幂等。
type Acker interface {
	Ack(ctx context.Context, address string, ids []string) error
}

// Result 轮询结果。成功时 Code 非空；失败时只携带请求快照。
type Result struct {
	Code      string                      `json:"code,omitempty"`
	MessageID string                      `json:"messageId,omitempty"`
	Request   *domain.VerificationRequest `json:"request"`
}

// Found 是否拿到了验证码
func (r *Result) Found() bool {
	return r != nil && r.Code != ""
}
