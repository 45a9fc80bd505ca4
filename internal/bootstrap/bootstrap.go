// Package bootstrap 按配置组装存储、保险库与验证后端，供 server 与 mailforgectl 共用。
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/smtp"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/storage/memory"
	"mailforge/backend/internal/storage/postgres"
	"mailforge/backend/internal/storage/redis"
	sqlstore "mailforge/backend/internal/storage/sql"
	"mailforge/backend/internal/vault"
	"mailforge/backend/internal/verify"
	"mailforge/backend/internal/verify/mailbox"
	"mailforge/backend/internal/verify/tempmailplus"
)

// memoSize 验证码幂等缓存与已读缓存的容量
const memoSize = 10000

// OpenStore 根据 database.type 选择存储实现，启用 Redis 时在外层叠加跨进程预留
//
// 参数:
//   - ctx: 仅用于建立连接
//   - cfg: 系统配置
//   - log: 日志记录器
//
// 返回值:
//   - storage.Store: 调用方负责 Close
//   - error: 连接失败时返回错误
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	log = logger.OrNop(log)

	var store storage.Store
	switch cfg.Database.Type {
	case "", "memory":
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	case "mysql", "postgres":
		s, err := sqlstore.NewStore(sqlstore.Config{
			Driver:          cfg.Database.Type,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
		}
		store = s
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	case "pgx":
		client, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("open pgx store: %w", err)
		}
		store = postgres.NewStore(client)
		log.Info("using pgx storage")
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}

	if !cfg.Redis.Enabled {
		return store, nil
	}
	rdb, err := redis.Dial(redis.Config{
		Address:        cfg.Redis.Address,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ReservationTTL: cfg.Redis.ReservationTTL,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("redis reservation layer enabled",
		zap.String("address", cfg.Redis.Address),
		zap.Duration("ttl", cfg.Redis.ReservationTTL),
	)
	return redis.NewReservationStore(store, rdb, cfg.Redis.ReservationTTL, log), nil
}

// OpenVault 配置中存在凭据信封时打开保险库会话，否则返回 nil
func OpenVault(cfg *config.Config) (*vault.Session, error) {
	if !cfg.NeedsVault() {
		return nil, nil
	}
	if cfg.Vault.Passphrase == "" {
		return nil, fmt.Errorf("vault passphrase is required: set MAILFORGE_VAULT_PASSPHRASE")
	}
	session, err := vault.OpenFile([]byte(cfg.Vault.Passphrase), cfg.Vault.SaltFile)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return session, nil
}

// Verifier 已组装好的验证后端
type Verifier struct {
	Backend verify.Backend
	// SMTP 仅 smtp_sink 后端非 nil，调用方负责启动
	SMTP *smtp.Server

	closers []func()
}

// Close 释放连接池与缓存
func (v *Verifier) Close() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		v.closers[i]()
	}
	v.closers = nil
}

// NewVerifier 根据 verify.backend 构造拉取器并包装为轮询器
//
// 参数:
//   - cfg: 系统配置
//   - identities: smtp_sink 用于判断收件人是否为已知身份
//   - session: 保险库会话，可以为 nil
//   - metrics: 指标，可以为 nil
//   - log: 日志记录器
func NewVerifier(cfg *config.Config, identities smtp.IdentityLookup, session *vault.Session, metrics *monitoring.Metrics, log *zap.Logger) (*Verifier, error) {
	log = logger.Named(log, "verify")
	extractor, err := verify.NewExtractor(cfg.Verify.CodePattern)
	if err != nil {
		return nil, err
	}

	v := &Verifier{}
	var fetcher verify.Fetcher

	switch cfg.Verify.Backend {
	case domain.BackendTempMailPlus:
		opts := []tempmailplus.Option{tempmailplus.WithLogger(log)}
		if session != nil {
			opts = append(opts, tempmailplus.WithVault(session))
		}
		b, err := tempmailplus.New(cfg.TempMailPlusConfig(), opts...)
		if err != nil {
			return nil, err
		}
		log.Debug("temp mail api configured",
			zap.String("api_base", cfg.TempMail.APIBase),
			logger.Redacted("token", cfg.TempMail.Token),
		)
		fetcher = b

	case domain.BackendIMAP, domain.BackendPOP3:
		seen := cache.NewLocalCache(memoSize, verify.DefaultMemoTTL, verify.DefaultMemoTTL/2)
		opts := []mailbox.Option{mailbox.WithLogger(log), mailbox.WithSeenCache(seen)}
		if session != nil {
			opts = append(opts, mailbox.WithVault(session))
		}
		b, err := mailbox.New(cfg.MailboxConfig(), opts...)
		if err != nil {
			seen.Close()
			return nil, err
		}
		v.closers = append(v.closers, seen.Close, b.Close)
		fetcher = b

	case domain.BackendSMTPSink:
		inbox := smtp.NewInbox(0, 0, 0)
		backend := smtp.NewBackend([]string{cfg.Identity.Domain}, identities, inbox,
			smtp.WithMetrics(metrics),
			smtp.WithMaxMessageBytes(cfg.SMTP.MaxMessageSize),
			smtp.WithLogger(logger.Named(log, "smtp")),
		)
		v.SMTP = smtp.NewServer(cfg.SMTPServerConfig(), backend)
		v.closers = append(v.closers, inbox.Close)
		fetcher = inbox

	default:
		return nil, errors.New("unknown verification backend: " + string(cfg.Verify.Backend))
	}

	memo := cache.NewLocalCache(memoSize, verify.DefaultMemoTTL, verify.DefaultMemoTTL/2)
	v.closers = append(v.closers, memo.Close)
	v.Backend = verify.NewPoller(fetcher, extractor, cfg.PollerConfig(),
		verify.WithMemo(memo),
		verify.WithPollerMetrics(metrics),
		verify.WithPollerLogger(log),
	)
	log.Info("verification backend ready", zap.String("backend", string(cfg.Verify.Backend)))
	return v, nil
}
