package vault

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

var testSalt = []byte("0123456789abcdef")

func TestSessionRoundTrip(t *testing.T) {
	s, err := Open([]byte("correct horse"), testSalt)
	require.NoError(t, err)
	defer s.Close()

	cred, err := s.Encrypt(domain.CredentialIMAPPassword, []byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(cred.Ciphertext), "hunter2")

	plain, err := s.Decrypt(cred)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key := DeriveKey([]byte("pw"), testSalt)
	a, err := Encrypt(domain.CredentialAPIToken, []byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt(domain.CredentialAPIToken, []byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptFailures(t *testing.T) {
	key := DeriveKey([]byte("pw"), testSalt)
	cred, err := Encrypt(domain.CredentialPOPPassword, []byte("secret"), key)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := Decrypt(cred, DeriveKey([]byte("other"), testSalt))
		assert.ErrorIs(t, err, domain.ErrDecryption)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := *cred
		bad.Ciphertext = append([]byte(nil), cred.Ciphertext...)
		bad.Ciphertext[0] ^= 0xff
		_, err := Decrypt(&bad, key)
		assert.ErrorIs(t, err, domain.ErrDecryption)
	})

	t.Run("kind swapped", func(t *testing.T) {
		bad := *cred
		bad.Kind = domain.CredentialAPIToken
		_, err := Decrypt(&bad, key)
		assert.ErrorIs(t, err, domain.ErrDecryption)
	})

	t.Run("short nonce", func(t *testing.T) {
		bad := *cred
		bad.Nonce = bad.Nonce[:4]
		_, err := Decrypt(&bad, key)
		assert.ErrorIs(t, err, domain.ErrDecryption)
	})

	t.Run("nil credential", func(t *testing.T) {
		_, err := Decrypt(nil, key)
		assert.ErrorIs(t, err, domain.ErrDecryption)
	})
}

func TestEncryptRejectsUnknownKind(t *testing.T) {
	_, err := Encrypt(domain.CredentialKind("ssh_key"), []byte("x"), DeriveKey([]byte("pw"), testSalt))
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(nil, testSalt)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
	_, err = Open([]byte("pw"), []byte("short"))
	assert.Error(t, err)
}

func TestSessionClose(t *testing.T) {
	s, err := Open([]byte("pw"), testSalt)
	require.NoError(t, err)
	cred, err := s.Encrypt(domain.CredentialAPIToken, []byte("tok"))
	require.NoError(t, err)

	key := s.key
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Open())
	assert.Equal(t, make([]byte, KeyLen), key, "key bytes must be zeroed")

	_, err = s.Encrypt(domain.CredentialAPIToken, []byte("tok"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Decrypt(cred)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestReveal(t *testing.T) {
	s, err := Open([]byte("pw"), testSalt)
	require.NoError(t, err)
	defer s.Close()

	cred, err := s.Encrypt(domain.CredentialIMAPPassword, []byte("mailbox-pass"))
	require.NoError(t, err)

	var seen []byte
	err = s.Reveal(cred, func(p []byte) error {
		assert.Equal(t, "mailbox-pass", string(p))
		seen = p
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len("mailbox-pass")), seen, "plaintext must be wiped after use")
}

func TestConcurrentUse(t *testing.T) {
	s, err := Open([]byte("pw"), testSalt)
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := s.Encrypt(domain.CredentialAPIToken, []byte("tok"))
			if !assert.NoError(t, err) {
				return
			}
			plain, err := s.Decrypt(cred)
			assert.NoError(t, err)
			assert.Equal(t, "tok", string(plain))
		}()
	}
	wg.Wait()
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vault.salt")

	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, first, SaltLen)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 同一口令和盐文件得到同一密钥，可以解密先前的密文
	a, err := OpenFile([]byte("pw"), path)
	require.NoError(t, err)
	cred, err := a.Encrypt(domain.CredentialPOPPassword, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := OpenFile([]byte("pw"), path)
	require.NoError(t, err)
	plain, err := b.Decrypt(cred)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))
}

func TestLoadOrCreateSaltConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.salt")

	const n = 8
	salts := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			salts[i], errs[i] = LoadOrCreateSalt(path)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, salts[0], salts[i])
	}

	// 临时文件不会留在目录中
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "vault.salt", entries[0].Name())

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, salts[0], onDisk)
}

func TestLoadOrCreateSaltUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	path := filepath.Join(dir, "vault.salt")
	_, err := LoadOrCreateSalt(path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, fs.ErrNotExist, "a failed create leaves no partial salt file")
}

func TestLoadOrCreateSaltTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.salt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	_, err := LoadOrCreateSalt(path)
	assert.Error(t, err)
}
