// Package service 组合生成器、持久层与验证后端，供 HTTP 与命令行入口使用。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/batch"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/verify"
)

// MaxVerifyTimeout 单次验证请求允许的最长等待
const MaxVerifyTimeout = 10 * time.Minute

var (
	// ErrVerifyUnavailable 未配置验证后端
	ErrVerifyUnavailable = errors.New("verification backend not configured")
	// ErrInvalidInput 请求参数非法
	ErrInvalidInput = errors.New("invalid input")
)

// IdentityOptions 身份服务的默认值
type IdentityOptions struct {
	DefaultStrategy domain.Strategy
	PollTimeout     time.Duration
}

// IdentityService 身份服务
type IdentityService struct {
	generator batch.Proposer
	store     storage.Store
	backend   verify.Backend
	opts      IdentityOptions
	logger    *zap.Logger
	now       func() time.Time
}

// NewIdentityService 创建身份服务，backend 可以为 nil（此时验证不可用）
func NewIdentityService(gen batch.Proposer, store storage.Store, backend verify.Backend, opts IdentityOptions, log *zap.Logger) *IdentityService {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = domain.StrategyRandomName
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = batch.DefaultPollTimeout
	}
	return &IdentityService{
		generator: gen,
		store:     store,
		backend:   backend,
		opts:      opts,
		logger:    logger.OrNop(log),
		now:       time.Now,
	}
}


// CreateIdentityInput 生成单个身份的输入
type CreateIdentityInput struct {
	Strategy domain.Strategy `json:"strategy" binding:"omitempty,oneof=random_name random_string custom"`
	Prefix   string          `json:"prefix" binding:"omitempty,max=64"`
	Domain   string          `json:"domain" binding:"omitempty,max=253"`
	Tags     []string        `json:"tags" binding:"omitempty,max=20,dive,min=1,max=100"`
	Notes    string          `json:"notes" binding:"omitempty,max=1000"`
}

// CreateIdentity 生成、预留并保存一个身份
//
// 参数:
//   - ctx: 上下文
//   - input: 生成参数，Strategy 为空时使用默认策略
//
// 返回值:
//   - *domain.EmailIdentity: 新身份
//   - error: 参数非法时为 domain.ErrInvalidPrefix 或 domain.ErrTagNotFound，
//     重试耗尽为 domain.ErrExhaustedRetries，保存失败为 domain.ErrPersistence
func (s *IdentityService) CreateIdentity(ctx context.Context, input CreateIdentityInput) (*domain.EmailIdentity, error) {
	if input.Strategy == "" {
		input.Strategy = s.opts.DefaultStrategy
	}
	if err := s.checkTags(ctx, input.Tags); err != nil {
		return nil, err
	}
	if input.Domain != "" {
		input.Domain = strings.ToLower(strings.TrimSpace(input.Domain))
		if err := domain.ValidateDomain(input.Domain); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	address, err := s.generator.Propose(ctx, input.Strategy, input.Domain, input.Prefix)
	if err != nil {
		return nil, err
	}

	localPart, domainName, _ := domain.SplitAddress(address)
	identity := &domain.EmailIdentity{
		ID:        uuid.New().String(),
		Address:   address,
		LocalPart: localPart,
		Domain:    domainName,
		Strategy:  input.Strategy,
		Status:    domain.StatusActive,
		Tags:      append([]string{}, input.Tags...),
		Notes:     input.Notes,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveIdentity(ctx, identity); err != nil {
		if rerr := s.store.ReleaseAddress(context.WithoutCancel(ctx), address); rerr != nil {
			s.logger.Warn("release reservation failed", zap.String("address", address), zap.Error(rerr))
		}
		return nil, &domain.PersistenceError{Op: "save identity", Err: err}
	}

	s.logger.Info("identity created",
		zap.String("id", identity.ID),
		zap.String("address", identity.Address),
		zap.String("strategy", string(identity.Strategy)),
	)
	return identity, nil
}

// GetIdentity 获取身份
func (s *IdentityService) GetIdentity(ctx context.Context, id string) (*domain.EmailIdentity, error) {
	return s.store.GetIdentity(ctx, id)
}

// GetIdentityByAddress 按地址获取身份
func (s *IdentityService) GetIdentityByAddress(ctx context.Context, address string) (*domain.EmailIdentity, error) {
	return s.store.GetIdentityByAddress(ctx, domain.NormalizeAddress(address))
}

// ListIdentities 按条件列出身份
func (s *IdentityService) ListIdentities(ctx context.Context, filter domain.IdentityFilter) ([]*domain.EmailIdentity, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, filter.Status)
	}
	return s.store.ListIdentities(ctx, filter)
}

// UpdateIdentity 修改状态、备注或标签
//
// 新标签必须已存在。
func (s *IdentityService) UpdateIdentity(ctx context.Context, id string, update domain.IdentityUpdate) (*domain.EmailIdentity, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *update.Status)
	}
	if err := s.checkTags(ctx, update.Tags); err != nil {
		return nil, err
	}
	identity, err := s.store.UpdateIdentity(ctx, id, update)
	if err != nil {
		return nil, err
	}
	s.logger.Info("identity updated", zap.String("id", id), zap.String("status", string(identity.Status)))
	return identity, nil
}

// DeleteIdentity 删除身份，地址随之释放
func (s *IdentityService) DeleteIdentity(ctx context.Context, id string) error {
	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		return err
	}
	s.logger.Info("identity deleted", zap.String("id", id))
	return nil
}

// VerifyIdentity 为已保存的身份轮询一次验证码
func (s *IdentityService) VerifyIdentity(ctx context.Context, id string, timeout time.Duration) (*verify.Result, error) {
	identity, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.VerifyAddress(ctx, identity.Address, timeout)
}

// VerifyAddress 为任意地址轮询一次验证码
//
// timeout 为 0 时使用配置的默认值，超过 MaxVerifyTimeout 时截断。
// 返回的 Result 总是携带请求快照，即使 error 非空。
func (s *IdentityService) VerifyAddress(ctx context.Context, address string, timeout time.Duration) (*verify.Result, error) {
	if s.backend == nil {
		return nil, ErrVerifyUnavailable
	}
	address = domain.NormalizeAddress(address)
	// 外部提供商的地址不一定满足本地生成规则，只检查结构与域名
	_, domainName, ok := domain.SplitAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, domain.ErrInvalidEmail)
	}
	if err := domain.ValidateDomain(domainName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	switch {
	case timeout <= 0:
		timeout = s.opts.PollTimeout
	case timeout > MaxVerifyTimeout:
		timeout = MaxVerifyTimeout
	}
	return s.backend.Poll(ctx, address, s.now().Add(timeout))
}


func (s *IdentityService) checkTags(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.store.GetTagByName(ctx, name); err != nil {
			if errors.Is(err, domain.ErrTagNotFound) {
				return fmt.Errorf("tag %q: %w", name, err)
			}
			return &domain.PersistenceError{Op: "get tag", Err: err}
		}
	}
	return nil
}
