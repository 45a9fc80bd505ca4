package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "mailforge/backend/internal/auth/jwt"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/vault"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// baseEnv 最小可用配置：内存存储 + tempmailplus 后端
func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAILFORGE_IDENTITY_DOMAIN", "example.com")
	t.Setenv("MAILFORGE_VERIFY_BACKEND", "tempmailplus")
	t.Setenv("MAILFORGE_TEMPMAIL_API_BASE", "http://127.0.0.1:1")
	t.Setenv("MAILFORGE_DATABASE_TYPE", "memory")
	t.Setenv("MAILFORGE_LOG_LEVEL", "error")
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVaultEncrypt(t *testing.T) {
	saltFile := filepath.Join(t.TempDir(), "test.salt")
	t.Setenv(passphraseEnv, "correct horse battery staple")

	_, _, err := execute(t, "", "vault", "salt", "--salt-file", saltFile)
	require.NoError(t, err)

	out, _, err := execute(t, "hunter2\n", "vault", "encrypt", "imap_password", "--salt-file", saltFile)
	require.NoError(t, err)

	envelope := strings.TrimSpace(out)
	assert.True(t, domain.IsCredentialEnvelope(envelope))
	cred, err := domain.ParseCredential(envelope)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialIMAPPassword, cred.Kind)

	session, err := vault.OpenFile([]byte("correct horse battery staple"), saltFile)
	require.NoError(t, err)
	defer session.Close()
	plain, err := session.Decrypt(cred)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))
}

func TestVaultEncryptErrors(t *testing.T) {
	saltFile := filepath.Join(t.TempDir(), "test.salt")

	t.Setenv(passphraseEnv, "")
	_, _, err := execute(t, "secret\n", "vault", "encrypt", "api_token", "--salt-file", saltFile)
	assert.ErrorContains(t, err, passphraseEnv)

	t.Setenv(passphraseEnv, "passphrase")
	_, _, err = execute(t, "secret\n", "vault", "encrypt", "ssh_key", "--salt-file", saltFile)
	assert.ErrorContains(t, err, "unknown credential kind")

	_, _, err = execute(t, "\n", "vault", "encrypt", "api_token", "--salt-file", saltFile)
	assert.ErrorContains(t, err, "empty secret")
}

func TestToken(t *testing.T) {
	baseEnv(t)
	t.Setenv("MAILFORGE_JWT_SECRET", testSecret)

	out, _, err := execute(t, "", "token", "--subject", "ci", "--role", "viewer")
	require.NoError(t, err)

	var token jwtpkg.Token
	require.NoError(t, json.Unmarshal([]byte(out), &token))
	claims, err := jwtpkg.NewManager(testSecret, "mailforge", 0).ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, jwtpkg.RoleViewer, claims.Role)
	assert.Equal(t, "ci", claims.Subject)

	_, _, err = execute(t, "", "token", "--role", "admin")
	assert.ErrorContains(t, err, "unknown role")
}

func TestTokenRejectsWeakSecret(t *testing.T) {
	baseEnv(t)
	t.Setenv("MAILFORGE_JWT_SECRET", "short")

	_, _, err := execute(t, "", "token")
	assert.ErrorContains(t, err, "at least 32 characters")
}

func TestBatch(t *testing.T) {
	baseEnv(t)

	out, stderr, err := execute(t, "", "batch", "--count", "5", "--strategy", "random_string")
	require.NoError(t, err)

	var job domain.BatchJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.True(t, job.Finished)
	assert.Len(t, job.Completed, 5)
	assert.Empty(t, job.Failed)
	for _, unit := range job.Completed {
		assert.True(t, strings.HasSuffix(unit.Identity.Address, "@example.com"))
	}
	assert.Contains(t, stderr, "[5/5]")
	assert.Contains(t, stderr, "completed=5 failed=0")
}

func TestBatchRejectsInvalidRequest(t *testing.T) {
	baseEnv(t)

	_, _, err := execute(t, "", "batch", "--count", "2", "--tag", "ghost")
	assert.Error(t, err)
}
