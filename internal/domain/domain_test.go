package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"invalid prefix", &InvalidPrefixError{Prefix: "a b", Reason: "space"}, ErrInvalidPrefix},
		{"exhausted retries", &ExhaustedRetriesError{Strategy: StrategyCustom, Attempts: 5}, ErrExhaustedRetries},
		{"transient", Transient("http 502", cause), ErrTransient},
		{"connect failure", ConnectFailure("dial", cause), ErrTransient},
		{"fatal", Fatal("auth", cause), ErrFatal},
		{"decryption", &DecryptionError{Kind: CredentialAPIToken, Err: cause}, ErrDecryption},
		{"persistence", &PersistenceError{Op: "reserve", Err: cause}, ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("unit 3: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}

	// 底层错误可以透过包装被识别
	assert.ErrorIs(t, &PersistenceError{Op: "save", Err: ErrAddressTaken}, ErrAddressTaken)
	assert.NotErrorIs(t, Transient("x", nil), ErrFatal)
	assert.True(t, ConnectFailure("tls", nil).Connect)
}

func TestCredentialEnvelope(t *testing.T) {
	cred := &Credential{Kind: CredentialIMAPPassword, Nonce: []byte{1, 2, 3}, Ciphertext: []byte("cipher")}
	text := cred.String()
	assert.True(t, IsCredentialEnvelope(text))
	assert.False(t, IsCredentialEnvelope("plain-password"))

	parsed, err := ParseCredential(text)
	require.NoError(t, err)
	assert.Equal(t, cred, parsed)

	_, err = ParseCredential("v2:imap_password:AQ:AQ")
	assert.ErrorIs(t, err, ErrMalformedCredential)
	_, err = ParseCredential("v1:ssh_key:AQ:AQ")
	assert.ErrorIs(t, err, ErrMalformedCredential)
	_, err = ParseCredential("v1:api_token:!!:AQ")
	assert.ErrorIs(t, err, ErrMalformedCredential)
}

func TestParseStrategyAndBackend(t *testing.T) {
	s, err := ParseStrategy("RandomName")
	require.NoError(t, err)
	assert.Equal(t, StrategyRandomName, s)
	s, err = ParseStrategy("random-string")
	require.NoError(t, err)
	assert.Equal(t, StrategyRandomString, s)
	_, err = ParseStrategy("pet-names")
	assert.Error(t, err)

	k, err := ParseBackendKind("IMAP")
	require.NoError(t, err)
	assert.Equal(t, BackendIMAP, k)
	_, err = ParseBackendKind("exchange")
	assert.Error(t, err)
}

func TestIdentityUpdateAndFilter(t *testing.T) {
	identity := &EmailIdentity{Address: "a@b.com", Status: StatusActive, Tags: []string{"Promo"}}
	archived := StatusArchived
	notes := "used for shop"
	require.NoError(t, IdentityUpdate{Status: &archived, Notes: &notes}.Apply(identity))
	assert.Equal(t, StatusArchived, identity.Status)
	assert.Equal(t, "used for shop", identity.Notes)

	bad := IdentityStatus("deleted")
	assert.Error(t, IdentityUpdate{Status: &bad}.Apply(identity))

	assert.True(t, IdentityFilter{Tag: "promo"}.Match(identity))
	assert.False(t, IdentityFilter{Status: StatusActive}.Match(identity))

	clone := identity.Clone()
	clone.Tags[0] = "changed"
	assert.Equal(t, "Promo", identity.Tags[0])
}

func TestBatchJobSnapshot(t *testing.T) {
	now := time.Now()
	job := &BatchJob{ID: "job", Requested: 2, FinishedAt: &now}
	job.Completed = append(job.Completed, CompletedUnit{Index: 1})
	job.Failed = append(job.Failed, FailedUnit{Index: 0, Reason: "x"})

	snap := job.Snapshot()
	job.Completed = append(job.Completed, CompletedUnit{Index: 2})
	assert.Equal(t, 2, snap.Done())
	assert.Equal(t, 3, job.Done())
}

func TestVerificationRequestHasCode(t *testing.T) {
	req := NewVerificationRequest("a@b.com", BackendIMAP, time.Now(), time.Now().Add(time.Second))
	assert.Equal(t, StateIdle, req.State)
	req.Record(PollAttempt{Outcome: OutcomeNoMessage})
	req.Record(PollAttempt{Outcome: OutcomeCodeFound, MessageID: "m1", Code: "123456"})
	assert.True(t, req.HasCode("m1"))
	assert.False(t, req.HasCode("m2"))

	// 同一封邮件重复出现不追加新的验证码记录
	req.Record(PollAttempt{Outcome: OutcomeCodeFound, MessageID: "m1", Code: "123456"})
	assert.Len(t, req.Attempts, 2)

	req.State = StateCodeFound
	req.Record(PollAttempt{Outcome: OutcomeNoMessage})
	assert.Len(t, req.Attempts, 2, "terminal requests are frozen")
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StatePolling.Terminal())
}
