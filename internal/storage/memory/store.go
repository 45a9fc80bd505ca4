package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailforge/backend/internal/domain"
)

// Store 使用内存保存身份与标签数据，主要用于开发验证和测试。
//
// 所有写操作在同一把锁内完成，地址预留因此天然是原子的。
type Store struct {
	mu         sync.RWMutex
	reserved   map[string]struct{}             // 已预留地址（小写）
	identities map[string]*domain.EmailIdentity // identityID -> identity
	byAddress  map[string]string                // address -> identityID
	tags       map[string]*domain.Tag           // 小写名称 -> tag

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		reserved:   make(map[string]struct{}),
		identities: make(map[string]*domain.EmailIdentity),
		byAddress:  make(map[string]string),
		tags:       make(map[string]*domain.Tag),
		now:        time.Now,
	}
}

// ReserveAddress 地址未被预留时记录并返回 true。
func (s *Store) ReserveAddress(_ context.Context, address string) (bool, error) {
	address = domain.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[address]; ok {
		return false, nil
	}
	s.reserved[address] = struct{}{}
	return true, nil
}

// ReleaseAddress 释放未被身份占用的预留。
func (s *Store) ReleaseAddress(_ context.Context, address string) error {
	address = domain.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.byAddress[address]; used {
		return nil
	}
	delete(s.reserved, address)
	return nil
}

// SaveIdentity 保存新身份。地址已属于其他身份时返回 domain.ErrAddressTaken。
func (s *Store) SaveIdentity(_ context.Context, identity *domain.EmailIdentity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	identity.Address = domain.NormalizeAddress(identity.Address)
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = s.now()
	}
	if identity.Status == "" {
		identity.Status = domain.StatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byAddress[identity.Address]; ok && owner != identity.ID {
		return domain.ErrAddressTaken
	}
	if old, ok := s.identities[identity.ID]; ok && old.Address != identity.Address {
		delete(s.byAddress, old.Address)
		delete(s.reserved, old.Address)
	}
	s.reserved[identity.Address] = struct{}{}
	s.byAddress[identity.Address] = identity.ID
	s.identities[identity.ID] = identity.Clone()
	return nil
}

// GetIdentity 根据 ID 获取身份。
func (s *Store) GetIdentity(_ context.Context, id string) (*domain.EmailIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	return identity.Clone(), nil
}

// GetIdentityByAddress 根据地址获取身份（大小写不敏感）。
func (s *Store) GetIdentityByAddress(_ context.Context, address string) (*domain.EmailIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	return s.identities[id].Clone(), nil
}

// ListIdentities 按创建时间排序列出身份。
func (s *Store) ListIdentities(_ context.Context, filter domain.IdentityFilter) ([]*domain.EmailIdentity, error) {
	s.mu.RLock()
	result := make([]*domain.EmailIdentity, 0, len(s.identities))
	for _, identity := range s.identities {
		if filter.Match(identity) {
			result = append(result, identity.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Address < result[j].Address
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*domain.EmailIdentity{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateIdentity 修改状态、备注或标签。
func (s *Store) UpdateIdentity(_ context.Context, id string, update domain.IdentityUpdate) (*domain.EmailIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	updated := identity.Clone()
	if err := update.Apply(updated); err != nil {
		return nil, err
	}
	s.identities[id] = updated
	return updated.Clone(), nil
}

// DeleteIdentity 删除身份并释放地址。
func (s *Store) DeleteIdentity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return domain.ErrIdentityNotFound
	}
	delete(s.identities, id)
	delete(s.byAddress, identity.Address)
	delete(s.reserved, identity.Address)
	return nil
}

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 无需释放资源。
func (s *Store) Close() error {
	return nil
}
