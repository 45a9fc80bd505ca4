package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"mailforge/backend/internal/domain"
)

// CreateTag 创建标签，名称大小写不敏感唯一
func (s *Store) CreateTag(_ context.Context, tag *domain.Tag) error {
	key := strings.ToLower(tag.Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tags[key]; exists {
		return domain.ErrTagExists
	}
	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = s.now()
	}
	cp := *tag
	s.tags[key] = &cp
	return nil
}

// GetTagByName 根据名称获取标签
func (s *Store) GetTagByName(_ context.Context, name string) (*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrTagNotFound
	}
	cp := *tag
	return &cp, nil
}

// ListTags 按名称排序列出所有标签
func (s *Store) ListTags(context.Context) ([]*domain.Tag, error) {
	s.mu.RLock()
	result := make([]*domain.Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		cp := *tag
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}
