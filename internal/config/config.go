package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/generator"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/smtp"
	"mailforge/backend/internal/verify"
	"mailforge/backend/internal/verify/mailbox"
	"mailforge/backend/internal/verify/tempmailplus"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string `validate:"required"`        // 监听地址，默认 "0.0.0.0"
	Port int    `validate:"min=1,max=65535"` // 监听端口，默认 8080
}

// IdentityConfig 地址生成配置
type IdentityConfig struct {
	Domain          string          `validate:"required"` // 自有域名
	DefaultStrategy domain.Strategy `validate:"required"`
	MinLength       int             `validate:"min=3,max=64"`
	MaxLength       int             `validate:"min=3,max=64,gtefield=MinLength"`
	Separator       string          `validate:"oneof=. _ -"`
	MaxAttempts     int             `validate:"min=1"`
}

// VerifyConfig 验证码轮询配置
type VerifyConfig struct {
	Backend            domain.BackendKind `validate:"oneof=tempmailplus imap pop3 smtp_sink"`
	CodePattern        string             `validate:"required"`
	PollTimeout        time.Duration      `validate:"gt=0"`
	InitialInterval    time.Duration      `validate:"gt=0"`
	Multiplier         float64            `validate:"gte=1"`
	MaxInterval        time.Duration      `validate:"gtefield=InitialInterval"`
	MaxConnectFailures int                `validate:"min=1"`
}

// MailboxServerConfig IMAP / POP3 服务器配置
type MailboxServerConfig struct {
	Host     string
	Port     int `validate:"min=0,max=65535"`
	TLS      bool
	Username string
	Password string // 明文或 v1: 信封格式
	Folder   string
	PoolSize int `validate:"min=0"`
}

// TempMailConfig 临时邮箱 API 配置
type TempMailConfig struct {
	APIBase          string `validate:"omitempty,url"`
	ListPath         string
	DetailPath       string
	Token            string // 明文或 v1: 信封格式
	AuthHeader       string
	AuthScheme       string
	RatePerSecond    float64 `validate:"gte=0"`
	AuthFailureLimit int     `validate:"min=0"`
	Schema           tempmailplus.Schema
}

// SMTPConfig 定义内置 SMTP 收信服务器的配置
type SMTPConfig struct {
	Enabled        bool
	BindAddr       string // SMTP 服务监听地址，格式 "host:port"，默认 ":2525"
	Domain         string // SMTP 服务器域名，用于 HELO/EHLO 响应
	MaxConnections int    `validate:"min=1"`
	ConnsPerSecond int    `validate:"min=1"`
	MaxMessageSize int64  `validate:"min=1"` // 单封邮件字节上限
}

// BatchConfig 批量任务配置
type BatchConfig struct {
	MaxConcurrency int `validate:"min=1"`
}

// VaultConfig 凭据保险库配置
type VaultConfig struct {
	SaltFile   string `validate:"required"`
	Passphrase string // 只从环境变量读取，绝不写日志
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	// Type 存储类型: ""(内存)、"mysql"、"postgres"（GORM）或 "pgx"（pgx 连接池 + goose 迁移）
	Type            string `validate:"omitempty,oneof=memory mysql postgres pgx"`
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 预留服务配置
type RedisConfig struct {
	Enabled        bool
	Address        string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password       string // Redis 认证密码，留空表示无密码
	DB             int    // Redis 数据库编号，默认 0
	ReservationTTL time.Duration
}

// JWTConfig 定义 API 令牌配置
type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

// Config 是系统核心配置的根结构体，每次运行只加载一次，之后只读
type Config struct {
	Server   ServerConfig
	Identity IdentityConfig
	Verify   VerifyConfig
	IMAP     MailboxServerConfig
	POP3     MailboxServerConfig
	TempMail TempMailConfig
	SMTP     SMTPConfig
	Batch    BatchConfig
	Vault    VaultConfig
	CORS     CORSConfig
	Log      logger.Config
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
}

const defaultJWTSecret = "change-me-in-production"

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILFORGE_
// 例如: MAILFORGE_IDENTITY_DOMAIN, MAILFORGE_VERIFY_BACKEND
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("mailforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"verify.poll_timeout", "verify.initial_interval", "verify.max_interval",
		"database.conn_max_lifetime", "redis.reservation_ttl", "jwt.expiry",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	strategy, err := domain.ParseStrategy(v.GetString("identity.default_strategy"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity.default_strategy: %w", err)
	}
	backend, err := domain.ParseBackendKind(v.GetString("verify.backend"))
	if err != nil {
		return nil, fmt.Errorf("invalid verify.backend: %w", err)
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	identityDomain := strings.ToLower(strings.TrimSpace(v.GetString("identity.domain")))
	smtpDomain := v.GetString("smtp.domain")
	if smtpDomain == "" {
		smtpDomain = identityDomain
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Identity: IdentityConfig{
			Domain:          identityDomain,
			DefaultStrategy: strategy,
			MinLength:       v.GetInt("identity.min_length"),
			MaxLength:       v.GetInt("identity.max_length"),
			Separator:       v.GetString("identity.separator"),
			MaxAttempts:     v.GetInt("identity.max_attempts"),
		},
		Verify: VerifyConfig{
			Backend:            backend,
			CodePattern:        v.GetString("verify.code_pattern"),
			PollTimeout:        durations["verify.poll_timeout"],
			InitialInterval:    durations["verify.initial_interval"],
			Multiplier:         v.GetFloat64("verify.multiplier"),
			MaxInterval:        durations["verify.max_interval"],
			MaxConnectFailures: v.GetInt("verify.max_connect_failures"),
		},
		IMAP: mailboxServer(v, "imap"),
		POP3: mailboxServer(v, "pop3"),
		TempMail: TempMailConfig{
			APIBase:          v.GetString("tempmail.api_base"),
			ListPath:         v.GetString("tempmail.list_path"),
			DetailPath:       v.GetString("tempmail.detail_path"),
			Token:            v.GetString("tempmail.token"),
			AuthHeader:       v.GetString("tempmail.auth_header"),
			AuthScheme:       v.GetString("tempmail.auth_scheme"),
			RatePerSecond:    v.GetFloat64("tempmail.rate_per_second"),
			AuthFailureLimit: v.GetInt("tempmail.auth_failure_limit"),
			Schema: tempmailplus.Schema{
				Messages:   v.GetString("tempmail.schema.messages"),
				ID:         v.GetString("tempmail.schema.id"),
				Subject:    v.GetString("tempmail.schema.subject"),
				Body:       v.GetString("tempmail.schema.body"),
				ReceivedAt: v.GetString("tempmail.schema.received_at"),
			},
		},
		SMTP: SMTPConfig{
			Enabled:        v.GetBool("smtp.enabled"),
			BindAddr:       v.GetString("smtp.bind_addr"),
			Domain:         smtpDomain,
			MaxConnections: v.GetInt("smtp.max_connections"),
			ConnsPerSecond: v.GetInt("smtp.conns_per_second"),
			MaxMessageSize: v.GetInt64("smtp.max_message_bytes"),
		},
		Batch: BatchConfig{
			MaxConcurrency: v.GetInt("batch.max_concurrency"),
		},
		Vault: VaultConfig{
			SaltFile:   v.GetString("vault.salt_file"),
			Passphrase: v.GetString("vault.passphrase"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: logger.Config{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			LogFile:     v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Enabled:        v.GetBool("redis.enabled"),
			Address:        v.GetString("redis.address"),
			Password:       v.GetString("redis.password"),
			DB:             v.GetInt("redis.db"),
			ReservationTTL: durations["redis.reservation_ttl"],
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
			Expiry: durations["jwt.expiry"],
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("identity.domain", "")
	v.SetDefault("identity.default_strategy", string(domain.StrategyRandomName))
	v.SetDefault("identity.min_length", generator.DefaultMinLength)
	v.SetDefault("identity.max_length", generator.DefaultMaxLength)
	v.SetDefault("identity.separator", generator.DefaultSeparator)
	v.SetDefault("identity.max_attempts", generator.DefaultMaxAttempts)
	v.SetDefault("verify.backend", string(domain.BackendTempMailPlus))
	v.SetDefault("verify.code_pattern", verify.DefaultCodePattern)
	v.SetDefault("verify.poll_timeout", "2m")
	v.SetDefault("verify.initial_interval", verify.DefaultInitialInterval.String())
	v.SetDefault("verify.multiplier", verify.DefaultMultiplier)
	v.SetDefault("verify.max_interval", verify.DefaultMaxInterval.String())
	v.SetDefault("verify.max_connect_failures", verify.DefaultMaxConnectFailures)
	for _, proto := range []string{"imap", "pop3"} {
		v.SetDefault(proto+".host", "")
		v.SetDefault(proto+".port", 0)
		v.SetDefault(proto+".tls", true)
		v.SetDefault(proto+".username", "")
		v.SetDefault(proto+".password", "")
		v.SetDefault(proto+".folder", "INBOX")
		v.SetDefault(proto+".pool_size", 4)
	}
	v.SetDefault("tempmail.api_base", "")
	v.SetDefault("tempmail.list_path", "/api/mails")
	v.SetDefault("tempmail.detail_path", "")
	v.SetDefault("tempmail.token", "")
	v.SetDefault("tempmail.auth_header", "Authorization")
	v.SetDefault("tempmail.auth_scheme", "")
	v.SetDefault("tempmail.rate_per_second", 2)
	v.SetDefault("tempmail.auth_failure_limit", 2)
	def := tempmailplus.DefaultSchema()
	v.SetDefault("tempmail.schema.messages", def.Messages)
	v.SetDefault("tempmail.schema.id", def.ID)
	v.SetDefault("tempmail.schema.subject", def.Subject)
	v.SetDefault("tempmail.schema.body", def.Body)
	v.SetDefault("tempmail.schema.received_at", def.ReceivedAt)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "")
	v.SetDefault("smtp.max_connections", smtp.DefaultMaxConnections)
	v.SetDefault("smtp.conns_per_second", smtp.DefaultConnsPerSecond)
	v.SetDefault("smtp.max_message_bytes", smtp.DefaultMaxMessageBytes)
	v.SetDefault("batch.max_concurrency", 10)
	v.SetDefault("vault.salt_file", "mailforge.salt")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.reservation_ttl", "24h")
	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.issuer", "mailforge")
	v.SetDefault("jwt.expiry", "24h")
}

func mailboxServer(v *viper.Viper, proto string) MailboxServerConfig {
	return MailboxServerConfig{
		Host:     v.GetString(proto + ".host"),
		Port:     v.GetInt(proto + ".port"),
		TLS:      v.GetBool(proto + ".tls"),
		Username: v.GetString(proto + ".username"),
		Password: v.GetString(proto + ".password"),
		Folder:   v.GetString(proto + ".folder"),
		PoolSize: v.GetInt(proto + ".pool_size"),
	}
}

var validate = validator.New()

// Validate 校验字段范围以及所选验证后端的必需参数
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := domain.ValidateDomain(c.Identity.Domain); err != nil {
		return fmt.Errorf("invalid identity.domain %q: %w", c.Identity.Domain, err)
	}

	if c.Database.Type != "" && c.Database.Type != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for database type %q", c.Database.Type)
	}

	switch c.Verify.Backend {
	case domain.BackendTempMailPlus:
		if c.TempMail.APIBase == "" {
			return fmt.Errorf("tempmail.api_base is required for the %s backend", c.Verify.Backend)
		}
	case domain.BackendIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" {
			return fmt.Errorf("imap.host and imap.username are required for the imap backend")
		}
	case domain.BackendPOP3:
		if c.POP3.Host == "" || c.POP3.Username == "" {
			return fmt.Errorf("pop3.host and pop3.username are required for the pop3 backend")
		}
	case domain.BackendSMTPSink:
		if !c.SMTP.Enabled {
			return fmt.Errorf("smtp.enabled must be true for the smtp_sink backend")
		}
	}
	return nil
}

// RequireJWT HTTP 服务与签发令牌前调用
func (c *Config) RequireJWT() error {
	// 安全检查：禁止使用默认的 JWT secret
	if c.JWT.Secret == defaultJWTSecret {
		return fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set MAILFORGE_JWT_SECRET environment variable")
	}
	// JWT secret 必须至少 32 字符
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}
	return nil
}

// NeedsVault 配置中是否存在需要解密的 v1: 信封
func (c *Config) NeedsVault() bool {
	for _, s := range []string{c.IMAP.Password, c.POP3.Password, c.TempMail.Token} {
		if domain.IsCredentialEnvelope(s) {
			return true
		}
	}
	return false
}

// GeneratorConfig 转换为生成器配置
func (c *Config) GeneratorConfig() generator.Config {
	return generator.Config{
		Domain:      c.Identity.Domain,
		MinLength:   c.Identity.MinLength,
		MaxLength:   c.Identity.MaxLength,
		Separator:   c.Identity.Separator,
		MaxAttempts: c.Identity.MaxAttempts,
	}
}

// PollerConfig 转换为轮询退避配置
func (c *Config) PollerConfig() verify.PollerConfig {
	return verify.PollerConfig{
		InitialInterval:    c.Verify.InitialInterval,
		Multiplier:         c.Verify.Multiplier,
		MaxInterval:        c.Verify.MaxInterval,
		MaxConnectFailures: c.Verify.MaxConnectFailures,
	}
}

// MailboxConfig 返回所选协议的邮箱配置
func (c *Config) MailboxConfig() mailbox.Config {
	server := c.IMAP
	if c.Verify.Backend == domain.BackendPOP3 {
		server = c.POP3
	}
	return mailbox.Config{
		Protocol: c.Verify.Backend,
		Host:     server.Host,
		Port:     server.Port,
		TLS:      server.TLS,
		Username: server.Username,
		Password: server.Password,
		Folder:   server.Folder,
		PoolSize: server.PoolSize,
	}
}

// TempMailPlusConfig 转换为临时邮箱 API 配置
func (c *Config) TempMailPlusConfig() tempmailplus.Config {
	return tempmailplus.Config{
		APIBase:          c.TempMail.APIBase,
		ListPath:         c.TempMail.ListPath,
		DetailPath:       c.TempMail.DetailPath,
		Token:            c.TempMail.Token,
		AuthHeader:       c.TempMail.AuthHeader,
		AuthScheme:       c.TempMail.AuthScheme,
		RatePerSecond:    c.TempMail.RatePerSecond,
		AuthFailureLimit: c.TempMail.AuthFailureLimit,
		Schema:           c.TempMail.Schema,
	}
}

// SMTPServerConfig 转换为 SMTP 服务配置
func (c *Config) SMTPServerConfig() smtp.ServerConfig {
	return smtp.ServerConfig{
		BindAddr:       c.SMTP.BindAddr,
		Domain:         c.SMTP.Domain,
		MaxConnections: c.SMTP.MaxConnections,
		ConnsPerSecond: c.SMTP.ConnsPerSecond,
	}
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
