package mailbox

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

// startIMAPServer 启动进程内 IMAP 服务器，返回邮箱用户与端口
func startIMAPServer(t *testing.T) (*imapmemserver.User, int) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("bob", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return user, ln.Addr().(*net.TCPAddr).Port
}

func appendMessage(t *testing.T, user *imapmemserver.User, to, body string) {
	t.Helper()
	raw := "From: noreply@shop.test\r\n" +
		"To: " + to + "\r\n" +
		"Subject: Welcome\r\n" +
		"Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body + "\r\n"
	_, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{})
	require.NoError(t, err)
}

func unseenCount(t *testing.T, user *imapmemserver.User) uint32 {
	t.Helper()
	data, err := user.Status("INBOX", &imap.StatusOptions{NumUnseen: true})
	require.NoError(t, err)
	require.NotNil(t, data.NumUnseen)
	return *data.NumUnseen
}

func newIMAPBackend(t *testing.T, port int) *Backend {
	t.Helper()
	b, err := New(Config{
		Protocol:    domain.BackendIMAP,
		Host:        "127.0.0.1",
		Port:        port,
		Username:    "bob",
		Password:    "secret",
		PoolSize:    1,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestIMAPPollMarksMessageSeen(t *testing.T) {
	user, port := startIMAPServer(t)
	appendMessage(t, user, "other@example.com", "Your code is 111111")
	appendMessage(t, user, "bob@example.com", "Your code is 482913")
	require.Equal(t, uint32(2), unseenCount(t, user))

	b := newIMAPBackend(t, port)
	res, err := fastPoller(b).Poll(context.Background(), "bob@example.com", time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "482913", res.Code)
	assert.Equal(t, "2", res.MessageID)
	assert.Equal(t, uint32(1), unseenCount(t, user), "only the matched message is flagged \\Seen")

	// 重复标记不报错，也不影响其他邮件
	require.NoError(t, b.Ack(context.Background(), "bob@example.com", []string{"2"}))
	assert.Equal(t, uint32(1), unseenCount(t, user))

	// 新后端没有本地已读记录，只能依赖服务器上的 \Seen
	fresh := newIMAPBackend(t, port)
	msgs, err := fresh.Fetch(context.Background(), "bob@example.com", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = fastPoller(fresh).Poll(context.Background(), "bob@example.com", time.Now().Add(200*time.Millisecond))
	assert.ErrorIs(t, err, domain.ErrTimedOut)
}

func TestIMAPFetchFiltersRecipient(t *testing.T) {
	user, port := startIMAPServer(t)
	appendMessage(t, user, "other@example.com", "Your code is 111111")
	appendMessage(t, user, "Bob <bob@example.com>", "Your code is 482913")

	b := newIMAPBackend(t, port)
	msgs, err := b.Fetch(context.Background(), "bob@example.com", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].ID)
	assert.Equal(t, "Welcome", msgs[0].Subject)
	assert.Contains(t, msgs[0].Body, "482913")

	// 拉取使用 BODY.PEEK，不改变已读状态
	assert.Equal(t, uint32(2), unseenCount(t, user))
}

func TestIMAPWrongPasswordIsConnectFailure(t *testing.T) {
	_, port := startIMAPServer(t)
	b, err := New(Config{
		Protocol:    domain.BackendIMAP,
		Host:        "127.0.0.1",
		Port:        port,
		Username:    "bob",
		Password:    "wrong",
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Fetch(context.Background(), "bob@example.com", time.Time{})
	var te *domain.TransientError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Connect)
}
