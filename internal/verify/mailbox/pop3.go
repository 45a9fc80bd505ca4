package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/go-pop3"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/verify"
)

// pop3Session 一次事务的 POP3 连接。
//
// POP3 在登录时锁定邮箱快照，所以会话不能跨尝试复用；已读状态由 Backend 按 UIDL 记录。
// go-pop3 不支持 context：超时只是放弃等待，被放弃的操作仍占用连接，
// 之后的命令（包括 QUIT）必须等它返回。
type pop3Session struct {
	conn *pop3.Conn
	// pending 非 nil 表示有被放弃的操作仍在连接上运行
	pending <-chan error
}

var errPOP3Busy = errors.New("pop3 connection busy with an abandoned operation")

func dialPOP3(cfg Config, password func(fn func(string) error) error) Dialer {
	client := pop3.New(pop3.Opt{
		Host:          cfg.Host,
		Port:          cfg.Port,
		TLSEnabled:    cfg.TLS,
		TLSSkipVerify: cfg.InsecureSkipVerify,
		DialTimeout:   cfg.DialTimeout,
	})

	return func(ctx context.Context) (Session, error) {
		var conn *pop3.Conn
		pending, err := withContext(ctx, func() error {
			var err error
			conn, err = client.NewConn()
			return err
		})
		if pending != nil {
			// 拨号最终成功时关闭这条没人要的连接
			go func() {
				if <-pending == nil {
					_ = conn.Quit()
				}
			}()
		}
		if err != nil {
			return nil, domain.ConnectFailure("dial pop3", err)
		}

		s := &pop3Session{conn: conn}
		err = s.run(ctx, func() error {
			return password(func(pass string) error {
				return conn.Auth(cfg.Username, pass)
			})
		})
		if err != nil {
			_ = s.Close()
			return nil, domain.ConnectFailure("pop3 auth", err)
		}
		return s, nil
	}
}

// run 在连接上执行一个操作；ctx 结束时放弃等待并记下仍在运行的操作
func (s *pop3Session) run(ctx context.Context, fn func() error) error {
	if s.pending != nil {
		return errPOP3Busy
	}
	pending, err := withContext(ctx, fn)
	if pending != nil {
		s.pending = pending
	}
	return err
}

func (s *pop3Session) Fetch(ctx context.Context, q Query) ([]verify.Message, error) {
	var ids []pop3.MessageID
	if err := s.run(ctx, func() error {
		var err error
		ids, err = s.conn.Uidl(0)
		return err
	}); err != nil {
		return nil, domain.Transient("pop3 uidl", err)
	}

	var messages []verify.Message
	checked := 0
	// 编号越大越新
	for i := len(ids) - 1; i >= 0; i-- {
		if q.Limit > 0 && checked >= q.Limit {
			break
		}
		id := ids[i]
		if q.seen(id.UID) {
			continue
		}
		checked++

		var raw []byte
		if err := s.run(ctx, func() error {
			buf, err := s.conn.RetrRaw(id.ID)
			if err != nil {
				return err
			}
			raw = buf.Bytes()
			return nil
		}); err != nil {
			return nil, domain.Transient("pop3 retr", err)
		}

		if msg, ok := toMessage(id.UID, raw, time.Time{}, q); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// MarkRead POP3 没有已读标记，由 Backend 记录 UIDL
func (s *pop3Session) MarkRead(context.Context, []string) error {
	return nil
}

// Close 发送 QUIT。有被放弃的操作时，QUIT 推迟到该操作返回后在后台执行
func (s *pop3Session) Close() error {
	if s.pending == nil {
		return s.conn.Quit()
	}
	pending := s.pending
	go func() {
		<-pending
		_ = s.conn.Quit()
	}()
	return nil
}

// withContext 在独立协程中执行 fn。ctx 先结束时返回非 nil 的 pending，fn 的结果稍后从中送达
func withContext(ctx context.Context, fn func() error) (<-chan error, error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
		return done, errors.Join(errors.New("pop3 operation abandoned"), ctx.Err())
	}
}
