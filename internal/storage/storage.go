package storage

import (
	"context"

	"mailforge/backend/internal/domain"
)

// ReservationRepository 地址预留。
//
// ReserveAddress 必须是原子的"不存在则插入"：并发调用同一地址时只有一个返回 true。
type ReservationRepository interface {
	ReserveAddress(ctx context.Context, address string) (bool, error)
	ReleaseAddress(ctx context.Context, address string) error
}

// IdentityRepository 定义身份数据存取操作。
type IdentityRepository interface {
	SaveIdentity(ctx context.Context, identity *domain.EmailIdentity) error
	GetIdentity(ctx context.Context, id string) (*domain.EmailIdentity, error)
	GetIdentityByAddress(ctx context.Context, address string) (*domain.EmailIdentity, error)
	ListIdentities(ctx context.Context, filter domain.IdentityFilter) ([]*domain.EmailIdentity, error)
	UpdateIdentity(ctx context.Context, id string, update domain.IdentityUpdate) (*domain.EmailIdentity, error)
	// DeleteIdentity 删除身份并释放其地址
	DeleteIdentity(ctx context.Context, id string) error
}

// TagRepository 定义标签数据存取操作。
type TagRepository interface {
	CreateTag(ctx context.Context, tag *domain.Tag) error
	GetTagByName(ctx context.Context, name string) (*domain.Tag, error)
	ListTags(ctx context.Context) ([]*domain.Tag, error)
}

// Store 聚合所有存储接口。
type Store interface {
	ReservationRepository
	IdentityRepository
	TagRepository
	Health(ctx context.Context) error
	Close() error
}
