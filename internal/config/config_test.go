package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAILFORGE_IDENTITY_DOMAIN", "Example.COM")
	t.Setenv("MAILFORGE_TEMPMAIL_API_BASE", "https://tempmail.test")
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		setBaseEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "example.com", cfg.Identity.Domain)
		assert.Equal(t, domain.StrategyRandomName, cfg.Identity.DefaultStrategy)
		assert.Equal(t, 8, cfg.Identity.MinLength)
		assert.Equal(t, 10, cfg.Identity.MaxLength)
		assert.Equal(t, ".", cfg.Identity.Separator)
		assert.Equal(t, domain.BackendTempMailPlus, cfg.Verify.Backend)
		assert.Equal(t, `\b\d{6}\b`, cfg.Verify.CodePattern)
		assert.Equal(t, 2*time.Minute, cfg.Verify.PollTimeout)
		assert.Equal(t, 3*time.Second, cfg.Verify.InitialInterval)
		assert.Equal(t, 1.5, cfg.Verify.Multiplier)
		assert.Equal(t, 15*time.Second, cfg.Verify.MaxInterval)
		assert.Equal(t, 3, cfg.Verify.MaxConnectFailures)
		assert.Equal(t, "messages", cfg.TempMail.Schema.Messages)
		assert.Equal(t, "receivedAt", cfg.TempMail.Schema.ReceivedAt)
		assert.Equal(t, 10, cfg.Batch.MaxConcurrency)
		assert.Equal(t, "example.com", cfg.SMTP.Domain, "smtp domain falls back to identity domain")
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.Equal(t, 24*time.Hour, cfg.Redis.ReservationTTL)
		assert.False(t, cfg.NeedsVault())
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("MAILFORGE_SERVER_PORT", "9090")
		t.Setenv("MAILFORGE_IDENTITY_DEFAULT_STRATEGY", "RandomString")
		t.Setenv("MAILFORGE_IDENTITY_SEPARATOR", "_")
		t.Setenv("MAILFORGE_VERIFY_BACKEND", "IMAP")
		t.Setenv("MAILFORGE_VERIFY_POLL_TIMEOUT", "45s")
		t.Setenv("MAILFORGE_IMAP_HOST", "imap.example.com")
		t.Setenv("MAILFORGE_IMAP_USERNAME", "catchall@example.com")
		t.Setenv("MAILFORGE_IMAP_PASSWORD", "v1:imap_password:bm9uY2U=:Y2lwaGVy")
		t.Setenv("MAILFORGE_TEMPMAIL_SCHEMA_MESSAGES", "data.mail_list")
		t.Setenv("MAILFORGE_CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, domain.StrategyRandomString, cfg.Identity.DefaultStrategy)
		assert.Equal(t, "_", cfg.Identity.Separator)
		assert.Equal(t, domain.BackendIMAP, cfg.Verify.Backend)
		assert.Equal(t, 45*time.Second, cfg.Verify.PollTimeout)
		assert.Equal(t, "data.mail_list", cfg.TempMail.Schema.Messages)
		assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORS.AllowedOrigins)
		assert.True(t, cfg.NeedsVault())

		mb := cfg.MailboxConfig()
		assert.Equal(t, domain.BackendIMAP, mb.Protocol)
		assert.Equal(t, "imap.example.com", mb.Host)
		assert.True(t, mb.TLS)
		assert.Equal(t, "INBOX", mb.Folder)
	})

	t.Run("缺少域名时失败", func(t *testing.T) {
		t.Setenv("MAILFORGE_IDENTITY_DOMAIN", "")
		t.Setenv("MAILFORGE_TEMPMAIL_API_BASE", "https://tempmail.test")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("非法取值时失败", func(t *testing.T) {
		cases := map[string]string{
			"MAILFORGE_VERIFY_POLL_TIMEOUT":       "soon",
			"MAILFORGE_IDENTITY_DEFAULT_STRATEGY": "emoji",
			"MAILFORGE_IDENTITY_SEPARATOR":        "+",
			"MAILFORGE_IDENTITY_MIN_LENGTH":       "2",
			"MAILFORGE_VERIFY_BACKEND":            "carrier_pigeon",
			"MAILFORGE_VERIFY_MULTIPLIER":         "0.5",
			"MAILFORGE_DATABASE_TYPE":             "mysql",
		}
		for key, value := range cases {
			t.Run(key, func(t *testing.T) {
				setBaseEnv(t)
				t.Setenv(key, value)
				_, err := Load()
				assert.Error(t, err)
			})
		}
	})

	t.Run("所选后端缺少参数时失败", func(t *testing.T) {
		backends := map[string]string{
			"tempmailplus": "MAILFORGE_TEMPMAIL_API_BASE",
			"pop3":         "MAILFORGE_POP3_HOST",
			"smtp_sink":    "MAILFORGE_SMTP_ENABLED",
		}
		for backend, missing := range backends {
			t.Run(backend, func(t *testing.T) {
				setBaseEnv(t)
				t.Setenv("MAILFORGE_VERIFY_BACKEND", backend)
				t.Setenv(missing, "")
				_, err := Load()
				assert.Error(t, err)
			})
		}
	})
}

func TestRequireJWT(t *testing.T) {
	cfg := &Config{JWT: JWTConfig{Secret: defaultJWTSecret}}
	assert.Error(t, cfg.RequireJWT())

	cfg.JWT.Secret = "too-short"
	assert.Error(t, cfg.RequireJWT())

	cfg.JWT.Secret = "a-perfectly-long-secret-for-signing-tokens"
	assert.NoError(t, cfg.RequireJWT())
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
}
