package cache

import (
	"sync"
	"time"
)

// LocalCache 进程内 TTL 缓存
//
// 用途：
//   - 轮询器的幂等记录（地址 → 已找到的验证码）
//   - POP3 已读 UIDL 集合
//
// 超过 maxSize 时淘汰最早过期的条目。
type LocalCache struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry
	maxSize int
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
//   - cleanupInterval: 后台清理间隔，<=0 表示不启动后台清理
func NewLocalCache(maxSize int, ttl, cleanupInterval time.Duration) *LocalCache {
	c := &LocalCache{
		data:    make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LocalCache) getLocked(key string) (any, bool) {
	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// SetIfAbsent 键不存在（或已过期）时写入并返回 true；否则返回已有值和 false
func (c *LocalCache) SetIfAbsent(key string, value any, ttl time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.getLocked(key); ok {
		return existing, false
	}
	c.setLocked(key, value, ttl)
	return value, true
}

func (c *LocalCache) setLocked(key string, value any, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = &cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// evictLocked 先清理过期条目，仍然满时淘汰最早过期的一个
func (c *LocalCache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len 当前条目数（包含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
