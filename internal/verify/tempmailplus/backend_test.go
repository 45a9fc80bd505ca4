package tempmailplus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/vault"
	"mailforge/backend/internal/verify"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func fastPoller(b *Backend, pattern string) *verify.Poller {
	return verify.NewPoller(b, verify.MustExtractor(pattern), verify.PollerConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	})
}

func TestPollReturnsCodeFromBody(t *testing.T) {
	var gotAuth, gotEmail string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEmail = r.URL.Query().Get("email")
		assert.Equal(t, "/api/mails", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"body":"Your code is 482913","receivedAt":"` +
			time.Now().UTC().Format(time.RFC3339) + `","spam_score":0.1}],"extra":{"x":1}}`))
	})

	b, err := New(Config{APIBase: srv.URL, Token: "plain-token", RatePerSecond: 100})
	require.NoError(t, err)

	res, err := fastPoller(b, `\b\d{6}\b`).Poll(context.Background(), "alice@example.com", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "482913", res.Code)
	assert.Equal(t, "Bearer plain-token", gotAuth)
	assert.Equal(t, "alice@example.com", gotEmail)
	assert.Equal(t, domain.BackendTempMailPlus, res.Request.BackendKind)
}

func TestPollToleratesNullFields(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":1,"subject":null,"body":"Your code is 482913"},` +
			`{"id":2,"subject":{"text":"x"},"body":["weird"]}]}`))
	})
	b, err := New(Config{APIBase: srv.URL, RatePerSecond: 100})
	require.NoError(t, err)

	msgs, err := b.Fetch(context.Background(), "a@example.com", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].Subject)
	assert.Empty(t, msgs[1].Body)

	res, err := fastPoller(b, `\b\d{6}\b`).Poll(context.Background(), "a@example.com", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "482913", res.Code)
	assert.Equal(t, "1", res.MessageID)
}

func TestFetchClassifiesResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		count    int
	}{
		{"server error", http.StatusBadGateway, `oops`, domain.ErrTransient, 0},
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrTransient, 0},
		{"malformed json", http.StatusOK, `{"messages":[{"body":`, domain.ErrTransient, 0},
		{"html instead of json", http.StatusOK, `<html>maintenance</html>`, domain.ErrTransient, 0},
		{"messages not array", http.StatusOK, `{"messages":"none"}`, domain.ErrTransient, 0},
		{"empty object", http.StatusOK, `{}`, nil, 0},
		{"null messages", http.StatusOK, `{"messages":null}`, nil, 0},
		{"two messages", http.StatusOK, `{"messages":[{"id":1,"body":"a"},{"id":"b","subject":"s"}]}`, nil, 2},
		{"null and numeric fields", http.StatusOK, `{"messages":[{"id":1,"subject":null,"body":"a"},{"id":2,"subject":42,"body":null},"junk"]}`, nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			b, err := New(Config{APIBase: srv.URL, RatePerSecond: 100})
			require.NoError(t, err)

			msgs, err := b.Fetch(context.Background(), "a@example.com", time.Time{})
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
				return
			}
			require.NoError(t, err)
			assert.Len(t, msgs, tt.count)
		})
	}
}

func TestRepeatedAuthFailureIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	b, err := New(Config{APIBase: srv.URL, Token: "expired", RatePerSecond: 100, AuthFailureLimit: 2})
	require.NoError(t, err)

	_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
	assert.ErrorIs(t, err, domain.ErrTransient)
	_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
	assert.ErrorIs(t, err, domain.ErrFatal)

	// 通过轮询器时，致命错误立即终止
	b.resetAuthFailures()
	hits.Store(0)
	res, err := fastPoller(b, `\d{6}`).Poll(context.Background(), "a@example.com", time.Now().Add(2*time.Second))
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.Equal(t, domain.StateFatal, res.Request.State)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAuthFailureCounterResetsOnSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})
	b, err := New(Config{APIBase: srv.URL, RatePerSecond: 100})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
		assert.ErrorIs(t, err, domain.ErrTransient)
		_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
		assert.NoError(t, err)
	}
}

func TestCustomSchemaAndDetail(t *testing.T) {
	now := time.Now()
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/mails":
			assert.Equal(t, "tok", r.Header.Get("X-Api-Key"))
			_, _ = w.Write([]byte(`{"result":true,"data":{"mail_list":[
				{"mail_id":101,"subject":"Welcome","time":` + itoa(now.Add(-time.Hour).Unix()) + `},
				{"mail_id":102,"subject":"Verify your account","time":` + itoa(now.UnixMilli()) + `}
			]}}`))
		case "/api/mails/102":
			_, _ = w.Write([]byte(`{"text":"Use code 771248 to continue"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	b, err := New(Config{
		APIBase:       srv.URL,
		DetailPath:    "/api/mails/{id}",
		DetailBody:    "text",
		Token:         "tok",
		AuthHeader:    "X-Api-Key",
		RatePerSecond: 100,
		Schema: Schema{
			Messages:   "data.mail_list",
			ID:         "mail_id",
			Subject:    "subject",
			Body:       "html",
			ReceivedAt: "time",
		},
	})
	require.NoError(t, err)

	msgs, err := b.Fetch(context.Background(), "a@example.com", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, msgs, 1, "message older than since is dropped")
	assert.Equal(t, "102", msgs[0].ID)
	assert.Equal(t, "Use code 771248 to continue", msgs[0].Body)
	assert.WithinDuration(t, now, msgs[0].ReceivedAt, time.Second)
}

func TestEncryptedToken(t *testing.T) {
	session, err := vault.Open([]byte("master"), []byte("0123456789abcdef"))
	require.NoError(t, err)
	defer session.Close()

	cred, err := session.Encrypt(domain.CredentialAPIToken, []byte("secret-token"))
	require.NoError(t, err)

	var gotAuth string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})

	_, err = New(Config{APIBase: srv.URL, Token: cred.String()})
	assert.Error(t, err, "envelope without vault session")

	b, err := New(Config{APIBase: srv.URL, Token: cred.String(), RatePerSecond: 100}, WithVault(session))
	require.NoError(t, err)
	_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)

	require.NoError(t, session.Close())
	_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
	assert.ErrorIs(t, err, domain.ErrFatal)
}

func TestNewValidatesAPIBase(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{APIBase: "not a url"})
	assert.Error(t, err)
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	b, err := New(Config{APIBase: base, RatePerSecond: 100})
	require.NoError(t, err)
	_, err = b.Fetch(context.Background(), "a@example.com", time.Time{})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
