package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/vault"
	"mailforge/backend/internal/verify"
)

const seenTTL = 24 * time.Hour

// Backend 实现 verify.Fetcher 与 verify.Acker，连接由 puddle 池管理
type Backend struct {
	kind      domain.BackendKind
	pool      *puddle.Pool[Session]
	reusable  bool
	scanLimit int
	seen      *cache.LocalCache
	logger    *zap.Logger
}

// Option 后端选项
type Option func(*options)

type options struct {
	session *vault.Session
	logger  *zap.Logger
	seen    *cache.LocalCache
}

// WithVault 用于解密 v1: 格式的邮箱密码
func WithVault(s *vault.Session) Option {
	return func(o *options) { o.session = s }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSeenCache 共享已读记录
func WithSeenCache(c *cache.LocalCache) Option {
	return func(o *options) { o.seen = c }
}

// New 按配置创建 IMAP 或 POP3 后端
func New(cfg Config, opts ...Option) (*Backend, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	password, err := passwordResolver(cfg.Password, cfg.Protocol, o.session)
	if err != nil {
		return nil, err
	}

	var dial Dialer
	if cfg.Protocol == domain.BackendIMAP {
		dial = dialIMAP(cfg, password)
	} else {
		dial = dialPOP3(cfg, password)
	}
	return NewWithDialer(cfg.Protocol, dial, cfg.PoolSize, cfg.ScanLimit, opts...)
}

// NewWithDialer 使用自定义拨号函数创建后端。POP3 会话每次尝试后销毁，IMAP 会话放回池中复用。
func NewWithDialer(kind domain.BackendKind, dial Dialer, poolSize, scanLimit int, opts ...Option) (*Backend, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if poolSize <= 0 {
		poolSize = 1
	}

	b := &Backend{
		kind:      kind,
		reusable:  kind == domain.BackendIMAP,
		scanLimit: scanLimit,
		seen:      o.seen,
		logger:    logger.OrNop(o.logger).With(zap.String("backend", string(kind))),
	}
	if b.seen == nil {
		b.seen = cache.NewLocalCache(100000, seenTTL, time.Hour)
	}

	pool, err := puddle.NewPool(&puddle.Config[Session]{
		Constructor: func(ctx context.Context) (Session, error) {
			return dial(ctx)
		},
		Destructor: func(s Session) {
			if err := s.Close(); err != nil {
				b.logger.Debug("close mailbox session", zap.Error(err))
			}
		},
		MaxSize: int32(poolSize),
	})
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

// Kind 后端类型
func (b *Backend) Kind() domain.BackendKind {
	return b.kind
}

// Fetch 取一条连接执行一次拉取
func (b *Backend) Fetch(ctx context.Context, address string, since time.Time) ([]verify.Message, error) {
	res, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}

	q := Query{
		Address: address,
		Since:   since,
		Limit:   b.scanLimit,
		Seen:    func(id string) bool { return b.isSeen(address, id) },
	}
	messages, err := res.Value().Fetch(ctx, q)
	if err != nil || !b.reusable {
		// 出错的连接状态未知，直接销毁
		res.Destroy()
	} else {
		res.Release()
	}
	if err != nil {
		return nil, classify(err)
	}
	return messages, nil
}

// Ack 标记邮件已读。本地记录总是写入；IMAP 额外在服务器上设置 \Seen
func (b *Backend) Ack(ctx context.Context, address string, ids []string) error {
	for _, id := range ids {
		b.seen.Set(seenKey(address, id), true, 0)
	}
	if !b.reusable || len(ids) == 0 {
		return nil
	}

	res, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	if err := res.Value().MarkRead(ctx, ids); err != nil {
		res.Destroy()
		return classify(err)
	}
	res.Release()
	return nil
}

// Close 关闭连接池
func (b *Backend) Close() {
	b.pool.Close()
}

func (b *Backend) acquire(ctx context.Context) (*puddle.Resource[Session], error) {
	res, err := b.pool.Acquire(ctx)
	if err != nil {
		var te *domain.TransientError
		var fe *domain.FatalError
		if errors.As(err, &te) || errors.As(err, &fe) {
			return nil, err
		}
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, domain.Fatal("mailbox pool closed", err)
		}
		return nil, domain.ConnectFailure("acquire mailbox session", err)
	}
	return res, nil
}

func (b *Backend) isSeen(address, id string) bool {
	_, ok := b.seen.Get(seenKey(address, id))
	return ok
}

func seenKey(address, id string) string {
	return address + "\x00" + id
}

func classify(err error) error {
	var te *domain.TransientError
	var fe *domain.FatalError
	if errors.As(err, &te) || errors.As(err, &fe) {
		return err
	}
	return domain.Transient("mailbox i/o", err)
}

// passwordResolver 返回在使用期间提供明文密码的函数，v1: 信封通过 vault 临时解密
func passwordResolver(password string, protocol domain.BackendKind, session *vault.Session) (func(func(string) error) error, error) {
	if !domain.IsCredentialEnvelope(password) {
		return func(fn func(string) error) error { return fn(password) }, nil
	}
	cred, err := domain.ParseCredential(password)
	if err != nil {
		return nil, err
	}
	want := domain.CredentialIMAPPassword
	if protocol == domain.BackendPOP3 {
		want = domain.CredentialPOPPassword
	}
	if cred.Kind != want {
		return nil, errors.New("mailbox password credential has kind " + string(cred.Kind) + ", want " + string(want))
	}
	if session == nil {
		return nil, errors.New("encrypted mailbox password requires a vault session")
	}
	return func(fn func(string) error) error {
		return session.Reveal(cred, func(plaintext []byte) error {
			return fn(string(plaintext))
		})
	}, nil
}
