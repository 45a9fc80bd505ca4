// Package tempmailplus 通过临时邮箱服务的 HTTP API 拉取验证码邮件。
package tempmailplus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/vault"
	"mailforge/backend/internal/verify"
)

const maxResponseSize = 4 << 20

// Schema 描述响应 JSON 中各字段的路径，路径用点分隔，例如 "data.mail_list"。
//
// 未列出的字段一律忽略。
type Schema struct {
	Messages   string `mapstructure:"messages"`
	ID         string `mapstructure:"id"`
	Subject    string `mapstructure:"subject"`
	Body       string `mapstructure:"body"`
	ReceivedAt string `mapstructure:"received_at"`
}

// DefaultSchema `{ "messages": [ { "id", "subject", "body", "receivedAt" } ] }`
func DefaultSchema() Schema {
	return Schema{
		Messages:   "messages",
		ID:         "id",
		Subject:    "subject",
		Body:       "body",
		ReceivedAt: "receivedAt",
	}
}

// Config 临时邮箱 API 配置
type Config struct {
	APIBase  string
	ListPath string
	// DetailPath 列表不含正文时用于获取单封邮件，{id} 会被替换，例如 "/api/mails/{id}"
	DetailPath string
	DetailBody string

	// Token 明文或 v1: 信封格式的加密 Token
	Token      string
	AuthHeader string
	AuthScheme string

	RatePerSecond    float64
	AuthFailureLimit int
	Timeout          time.Duration
	Schema           Schema
}

func (c *Config) applyDefaults() {
	if c.ListPath == "" {
		c.ListPath = "/api/mails"
	}
	if c.AuthHeader == "" {
		c.AuthHeader = "Authorization"
	}
	if c.AuthScheme == "" && strings.EqualFold(c.AuthHeader, "Authorization") {
		c.AuthScheme = "Bearer"
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 2
	}
	if c.AuthFailureLimit <= 0 {
		c.AuthFailureLimit = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	def := DefaultSchema()
	if c.Schema.Messages == "" {
		c.Schema.Messages = def.Messages
	}
	if c.Schema.ID == "" {
		c.Schema.ID = def.ID
	}
	if c.Schema.Subject == "" {
		c.Schema.Subject = def.Subject
	}
	if c.Schema.Body == "" {
		c.Schema.Body = def.Body
	}
	if c.Schema.ReceivedAt == "" {
		c.Schema.ReceivedAt = def.ReceivedAt
	}
	if c.DetailBody == "" {
		c.DetailBody = c.Schema.Body
	}
}

// Backend 实现 verify.Fetcher
type Backend struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	session    *vault.Session
	token      *domain.Credential
	logger     *zap.Logger

	mu           sync.Mutex
	authFailures int
}

// Option 后端选项
type Option func(*Backend)

// WithVault 用于解密 v1: 格式的 Token
func WithVault(s *vault.Session) Option {
	return func(b *Backend) { b.session = s }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = logger.OrNop(l) }
}

// New 创建临时邮箱后端
func New(cfg Config, opts ...Option) (*Backend, error) {
	cfg.applyDefaults()
	if _, err := url.ParseRequestURI(cfg.APIBase); err != nil || cfg.APIBase == "" {
		return nil, fmt.Errorf("invalid tempmail api base %q", cfg.APIBase)
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	b := &Backend{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.httpClient = &http.Client{Timeout: cfg.Timeout}

	if domain.IsCredentialEnvelope(cfg.Token) {
		cred, err := domain.ParseCredential(cfg.Token)
		if err != nil {
			return nil, err
		}
		if b.session == nil {
			return nil, errors.New("encrypted tempmail token requires a vault session")
		}
		b.token = cred
	}
	return b, nil
}

// Kind 后端类型
func (b *Backend) Kind() domain.BackendKind {
	return domain.BackendTempMailPlus
}

// Fetch 拉取发往 address 的邮件列表
func (b *Backend) Fetch(ctx context.Context, address string, since time.Time) ([]verify.Message, error) {
	query := url.Values{"email": {address}}
	body, err := b.get(ctx, b.cfg.ListPath+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	messages, err := b.parseList(body)
	if err != nil {
		return nil, err
	}

	out := messages[:0]
	for _, m := range messages {
		if !m.ReceivedAt.IsZero() && m.ReceivedAt.Before(since) {
			continue
		}
		if m.Body == "" && m.ID != "" && b.cfg.DetailPath != "" {
			detail, err := b.fetchBody(ctx, m.ID, address)
			if err != nil {
				return nil, err
			}
			m.Body = detail
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Backend) fetchBody(ctx context.Context, id, address string) (string, error) {
	path := strings.ReplaceAll(b.cfg.DetailPath, "{id}", url.PathEscape(id))
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	body, err := b.get(ctx, path+sep+url.Values{"email": {address}}.Encode())
	if err != nil {
		return "", err
	}
	text, err := getScalar(body, b.cfg.DetailBody)
	if err != nil {
		return "", domain.Transient("malformed message detail", err)
	}
	return text, nil
}

// get 发送带认证的 GET 请求并分类错误
func (b *Backend) get(ctx context.Context, path string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Transient("rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.APIBase+path, nil)
	if err != nil {
		return nil, domain.Fatal("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := b.authorize(req); err != nil {
		return nil, err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.Transient("read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, b.authFailure(resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b.resetAuthFailures()
		return nil, domain.Transient(fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	b.resetAuthFailures()
	return body, nil
}

func (b *Backend) authorize(req *http.Request) error {
	set := func(token string) {
		if b.cfg.AuthScheme != "" {
			token = b.cfg.AuthScheme + " " + token
		}
		req.Header.Set(b.cfg.AuthHeader, token)
	}

	if b.token == nil {
		if b.cfg.Token != "" {
			set(b.cfg.Token)
		}
		return nil
	}
	err := b.session.Reveal(b.token, func(plaintext []byte) error {
		set(string(plaintext))
		return nil
	})
	if err != nil {
		return domain.Fatal("decrypt api token", err)
	}
	return nil
}

// authFailure 连续认证失败达到上限后升级为致命错误
func (b *Backend) authFailure(status int) error {
	b.mu.Lock()
	b.authFailures++
	n := b.authFailures
	b.mu.Unlock()

	reason := fmt.Sprintf("http %d (auth failure %d/%d)", status, n, b.cfg.AuthFailureLimit)
	if n >= b.cfg.AuthFailureLimit {
		b.logger.Error("tempmail authentication rejected", zap.Int("status", status), zap.Int("failures", n))
		return domain.Fatal(reason, nil)
	}
	return domain.Transient(reason, nil)
}

func (b *Backend) resetAuthFailures() {
	b.mu.Lock()
	b.authFailures = 0
	b.mu.Unlock()
}

// parseList 按 Schema 解析邮件列表。消息数组不存在视为空列表。
func (b *Backend) parseList(body []byte) ([]verify.Message, error) {
	raw, dataType, _, err := jsonparser.Get(body, splitPath(b.cfg.Schema.Messages)...)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		if _, _, _, rootErr := jsonparser.Get(body); rootErr != nil {
			return nil, domain.Transient("malformed response body", rootErr)
		}
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("malformed response body", err)
	}
	if dataType == jsonparser.Null {
		return nil, nil
	}
	if dataType != jsonparser.Array {
		return nil, domain.Transient(fmt.Sprintf("messages field is %s, not array", dataType), nil)
	}

	// 单条消息无法解析时跳过，不影响同一列表中的其他消息
	var messages []verify.Message
	_, err = jsonparser.ArrayEach(raw, func(value []byte, vt jsonparser.ValueType, offset int, err error) {
		if err != nil || vt != jsonparser.Object {
			return
		}
		msg, err := b.parseMessage(value)
		if err != nil {
			b.logger.Debug("skipping malformed tempmail message", zap.Int("offset", offset), zap.Error(err))
			return
		}
		messages = append(messages, msg)
	})
	if err != nil {
		return nil, domain.Transient("malformed messages array", err)
	}
	return messages, nil
}

func (b *Backend) parseMessage(item []byte) (verify.Message, error) {
	var msg verify.Message
	var err error

	if msg.ID, err = getScalar(item, b.cfg.Schema.ID); err != nil {
		return msg, err
	}
	if msg.Subject, err = getScalar(item, b.cfg.Schema.Subject); err != nil {
		return msg, err
	}
	if msg.Body, err = getScalar(item, b.cfg.Schema.Body); err != nil {
		return msg, err
	}
	msg.ReceivedAt = getTime(item, b.cfg.Schema.ReceivedAt)
	return msg, nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// getScalar 读取字符串或数字字段。缺失、null、对象或数组都视为空串
func getScalar(data []byte, path string) (string, error) {
	raw, vt, _, err := jsonparser.Get(data, splitPath(path)...)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch vt {
	case jsonparser.String:
		return jsonparser.ParseString(raw)
	case jsonparser.Number:
		return string(raw), nil
	default:
		return "", nil
	}
}

// getTime 支持 RFC3339、"2006-01-02 15:04:05" 以及 Unix 秒/毫秒
func getTime(data []byte, path string) time.Time {
	raw, vt, _, err := jsonparser.Get(data, splitPath(path)...)
	if err != nil {
		return time.Time{}
	}
	switch vt {
	case jsonparser.Number:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}
		}
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC1123Z, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
