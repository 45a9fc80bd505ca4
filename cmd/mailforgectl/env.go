package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"mailforge/backend/internal/bootstrap"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/vault"
)

// environment 一次命令执行所需的组件
type environment struct {
	cfg      *config.Config
	log      *zap.Logger
	store    storage.Store
	session  *vault.Session
	verifier *bootstrap.Verifier

	smtpErr chan error
}

// setup 加载配置并打开存储；withVerifier 为 true 时同时组装验证后端，
// smtp_sink 后端会在后台启动收件服务。
func setup(ctx context.Context, withVerifier bool) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// 命令行的标准输出留给结果
	cfg.Log.Output = os.Stderr
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	env := &environment{cfg: cfg, log: log}
	env.store, err = bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if !withVerifier {
		return env, nil
	}

	env.session, err = bootstrap.OpenVault(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.verifier, err = bootstrap.NewVerifier(cfg, env.store, env.session, nil, log)
	if err != nil {
		env.Close()
		return nil, err
	}
	if env.verifier.SMTP != nil {
		env.smtpErr = make(chan error, 1)
		go func() { env.smtpErr <- env.verifier.SMTP.ListenAndServe() }()
		log.Info("SMTP sink listening", zap.String("address", cfg.SMTP.BindAddr))
	}
	return env, nil
}

// Close 按打开的相反顺序释放资源
func (e *environment) Close() {
	if e.verifier != nil {
		if e.verifier.SMTP != nil {
			_ = e.verifier.SMTP.Close()
		}
		e.verifier.Close()
	}
	if e.session != nil {
		_ = e.session.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = e.log.Sync()
}

// smtpFailure SMTP 收件服务启动失败时返回错误，其余情况返回 nil
func (e *environment) smtpFailure() error {
	if e.smtpErr == nil {
		return nil
	}
	select {
	case err := <-e.smtpErr:
		if err != nil {
			return fmt.Errorf("smtp sink: %w", err)
		}
		return errors.New("smtp sink stopped")
	default:
		return nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
