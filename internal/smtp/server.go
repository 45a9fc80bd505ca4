package smtp

import (
	"errors"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

const (
	DefaultMaxConnections = 100
	DefaultConnsPerSecond = 20
	DefaultMaxRecipients  = 50
)

// ServerConfig SMTP 收件服务配置
type ServerConfig struct {
	BindAddr       string
	Domain         string
	MaxConnections int
	ConnsPerSecond int
	MaxRecipients  int
}

// Server 只收不发的 SMTP 服务
type Server struct {
	srv     *gosmtp.Server
	limiter *ConnectionLimiter
}

// NewServer 创建 SMTP 服务。
func NewServer(cfg ServerConfig, backend *Backend) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.ConnsPerSecond <= 0 {
		cfg.ConnsPerSecond = DefaultConnsPerSecond
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}

	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.BindAddr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = backend.maxBytes
	srv.MaxRecipients = cfg.MaxRecipients

	return &Server{
		srv:     srv,
		limiter: NewConnectionLimiter(cfg.MaxConnections, cfg.ConnsPerSecond),
	}
}

// ListenAndServe 监听 BindAddr 直到 Close
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 在给定监听器上服务，正常关闭时返回 nil
func (s *Server) Serve(ln net.Listener) error {
	err := s.srv.Serve(s.limiter.Listener(ln))
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Close 关闭服务
func (s *Server) Close() error {
	return s.srv.Close()
}
