package smtp

import (
	"context"
	"sync"
	"time"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/verify"
)

// 收件箱默认容量
const (
	DefaultMaxPerAddress = 20
	DefaultMaxAddresses  = 10000
	DefaultRetention     = time.Hour
)

// Inbox 按地址保存最近收到的邮件，实现 verify.Fetcher 与 verify.Acker。
//
// 每个地址最多保留 maxPerAddress 封，超出时丢弃最旧的；整个地址在 retention 内无新邮件后过期。
type Inbox struct {
	mu            sync.Mutex // 保护同一地址的读改写
	entries       *cache.LocalCache
	maxPerAddress int
	retention     time.Duration
}

type mailboxEntry struct {
	messages []verify.Message
	read     map[string]struct{}
}

// NewInbox 创建收件箱。参数小于等于 0 时使用默认值。
func NewInbox(maxAddresses, maxPerAddress int, retention time.Duration) *Inbox {
	if maxAddresses <= 0 {
		maxAddresses = DefaultMaxAddresses
	}
	if maxPerAddress <= 0 {
		maxPerAddress = DefaultMaxPerAddress
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Inbox{
		entries:       cache.NewLocalCache(maxAddresses, retention, retention/2),
		maxPerAddress: maxPerAddress,
		retention:     retention,
	}
}

// Deliver 保存一封邮件
func (i *Inbox) Deliver(address string, msg verify.Message) {
	address = domain.NormalizeAddress(address)

	i.mu.Lock()
	defer i.mu.Unlock()

	entry := i.load(address)
	entry.messages = append(entry.messages, msg)
	if over := len(entry.messages) - i.maxPerAddress; over > 0 {
		for _, dropped := range entry.messages[:over] {
			delete(entry.read, dropped.ID)
		}
		entry.messages = append([]verify.Message(nil), entry.messages[over:]...)
	}
	i.entries.Set(address, entry, i.retention)
}

// Kind 后端类型
func (i *Inbox) Kind() domain.BackendKind {
	return domain.BackendSMTPSink
}

// Fetch 返回 since 之后收到且未确认的邮件
func (i *Inbox) Fetch(_ context.Context, address string, since time.Time) ([]verify.Message, error) {
	address = domain.NormalizeAddress(address)

	i.mu.Lock()
	defer i.mu.Unlock()

	value, ok := i.entries.Get(address)
	if !ok {
		return nil, nil
	}
	entry := value.(*mailboxEntry)

	var out []verify.Message
	for _, msg := range entry.messages {
		if _, read := entry.read[msg.ID]; read {
			continue
		}
		if !since.IsZero() && msg.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ack 标记邮件已读
func (i *Inbox) Ack(_ context.Context, address string, ids []string) error {
	address = domain.NormalizeAddress(address)

	i.mu.Lock()
	defer i.mu.Unlock()

	value, ok := i.entries.Get(address)
	if !ok {
		return nil
	}
	entry := value.(*mailboxEntry)
	for _, id := range ids {
		entry.read[id] = struct{}{}
	}
	return nil
}

// Len 当前保存的地址数量
func (i *Inbox) Len() int {
	return i.entries.Len()
}

// Close 停止过期清理
func (i *Inbox) Close() {
	i.entries.Close()
}

func (i *Inbox) load(address string) *mailboxEntry {
	if value, ok := i.entries.Get(address); ok {
		return value.(*mailboxEntry)
	}
	return &mailboxEntry{read: make(map[string]struct{})}
}
