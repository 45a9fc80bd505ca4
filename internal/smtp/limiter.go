package smtp

import (
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器
type ConnectionLimiter struct {
	conns *semaphore.Weighted
	rate  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	return &ConnectionLimiter{
		conns: semaphore.NewWeighted(int64(maxConns)),
		rate:  rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire() bool {
	if !l.conns.TryAcquire(1) {
		return false
	}
	if !l.rate.Allow() {
		l.conns.Release(1)
		return false
	}
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.conns.Release(1)
}

// Listener 超出限制的连接收到 421 后立即关闭
func (l *ConnectionLimiter) Listener(inner net.Listener) net.Listener {
	return &limitedListener{Listener: inner, limiter: l}
}

type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
}

func (ln *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := ln.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if ln.limiter.Acquire() {
			return &limitedConn{Conn: conn, release: ln.limiter.Release}, nil
		}
		_, _ = conn.Write([]byte("421 4.7.0 Too many connections, try again later\r\n"))
		_ = conn.Close()
	}
}

type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}
