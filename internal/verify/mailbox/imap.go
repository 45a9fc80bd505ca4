package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/verify"
)

type imapSession struct {
	conn   net.Conn
	client *imapclient.Client
	folder string
}

func dialIMAP(cfg Config, password func(fn func(string) error) error) Dialer {
	return func(ctx context.Context) (Session, error) {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		options := &imapclient.Options{
			TLSConfig: &tls.Config{
				ServerName:         cfg.Host,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		}

		var conn net.Conn
		var err error
		if cfg.TLS {
			options.TLSConfig.NextProtos = []string{"imap"}
			conn, err = (&tls.Dialer{NetDialer: dialer, Config: options.TLSConfig}).DialContext(ctx, "tcp", cfg.address())
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", cfg.address())
		}
		if err != nil {
			return nil, domain.ConnectFailure("dial imap", err)
		}
		_ = conn.SetDeadline(deadlineFrom(ctx, cfg.DialTimeout))

		client := imapclient.New(conn, options)
		err = password(func(pass string) error {
			return client.Login(cfg.Username, pass).Wait()
		})
		if err != nil {
			_ = client.Close()
			return nil, domain.ConnectFailure("imap login", err)
		}
		return &imapSession{conn: conn, client: client, folder: cfg.Folder}, nil
	}
}

// searchCriteria 未读、收件人匹配（To 或 Delivered-To）、不早于 since
func searchCriteria(q Query) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Or: [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{{Key: "To", Value: q.Address}}},
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Delivered-To", Value: q.Address}}},
		}},
	}
	if !q.Since.IsZero() {
		// SINCE 只比较日期，精确过滤交给 toMessage
		criteria.Since = q.Since
	}
	return criteria
}

func (s *imapSession) Fetch(ctx context.Context, q Query) ([]verify.Message, error) {
	_ = s.conn.SetDeadline(deadlineFrom(ctx, time.Minute))

	if _, err := s.client.Select(s.folder, nil).Wait(); err != nil {
		return nil, domain.Transient("imap select "+s.folder, err)
	}

	data, err := s.client.UIDSearch(searchCriteria(q), nil).Wait()
	if err != nil {
		return nil, domain.Transient("imap search", err)
	}

	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	var wanted []imap.UID
	for _, uid := range uids {
		if q.Limit > 0 && len(wanted) >= q.Limit {
			break
		}
		if !q.seen(uidString(uid)) {
			wanted = append(wanted, uid)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(wanted...), fetchOptions).Collect()
	if err != nil {
		return nil, domain.Transient("imap fetch", err)
	}

	messages := make([]verify.Message, 0, len(buffers))
	for _, buf := range buffers {
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		if msg, ok := toMessage(uidString(buf.UID), raw, buf.InternalDate, q); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// MarkRead 设置 \Seen 标记，重复设置无副作用
func (s *imapSession) MarkRead(ctx context.Context, ids []string) error {
	_ = s.conn.SetDeadline(deadlineFrom(ctx, time.Minute))

	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid imap uid %q", id)
		}
		uids = append(uids, imap.UID(n))
	}
	if len(uids) == 0 {
		return nil
	}

	if _, err := s.client.Select(s.folder, nil).Wait(); err != nil {
		return domain.Transient("imap select "+s.folder, err)
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}
	if err := s.client.Store(imap.UIDSetNum(uids...), storeFlags, nil).Close(); err != nil {
		return domain.Transient("imap store", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

func uidString(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}
