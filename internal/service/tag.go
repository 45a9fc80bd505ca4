package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/storage"
)

// DefaultTagColor 未指定颜色时使用
const DefaultTagColor = "#6b7280"

// TagService 标签服务
type TagService struct {
	store  storage.TagRepository
	logger *zap.Logger
}

// NewTagService 创建标签服务
func NewTagService(store storage.TagRepository, log *zap.Logger) *TagService {
	return &TagService{
		store:  store,
		logger: logger.OrNop(log),
	}
}

// CreateTagInput 创建标签输入
type CreateTagInput struct {
	Name  string `json:"name" binding:"required,min=1,max=100"`
	Color string `json:"color" binding:"omitempty"`
}

// CreateTag 创建标签
//
// 参数:
//   - ctx: 上下文
//   - input: 创建标签输入，名称不区分大小写全局唯一
//
// 返回值:
//   - *domain.Tag: 创建的标签
//   - error: 名称或颜色非法时包装 ErrInvalidInput，重名时为 domain.ErrTagExists
func (s *TagService) CreateTag(ctx context.Context, input CreateTagInput) (*domain.Tag, error) {
	name := strings.TrimSpace(input.Name)
	if err := domain.ValidateTagName(name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	color := strings.TrimSpace(input.Color)
	if color == "" {
		color = DefaultTagColor
	}
	if err := domain.ValidateColorCode(color); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	tag := &domain.Tag{
		ID:        uuid.New().String(),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return nil, err
	}

	s.logger.Info("tag created", zap.String("id", tag.ID), zap.String("name", tag.Name))
	return tag, nil
}

// GetTag 按名称获取标签
func (s *TagService) GetTag(ctx context.Context, name string) (*domain.Tag, error) {
	return s.store.GetTagByName(ctx, strings.TrimSpace(name))
}

// ListTags 列出所有标签，按名称排序
func (s *TagService) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	return s.store.ListTags(ctx)
}
