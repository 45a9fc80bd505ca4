package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/storage"
)

const keyPrefix = "mailforge:reserve:"

// ReservationStore 在持久化存储之前用 SETNX 做一次预留，
// 多个进程共用同一个数据库时可以在进入事务前就挡住重复地址。
type ReservationStore struct {
	storage.Store
	rdb Commands
	ttl time.Duration
	log *zap.Logger
}

// NewReservationStore 包装持久化存储
func NewReservationStore(inner storage.Store, rdb Commands, ttl time.Duration, log *zap.Logger) *ReservationStore {
	return &ReservationStore{Store: inner, rdb: rdb, ttl: ttl, log: logger.OrNop(log)}
}

func reservationKey(address string) string {
	return keyPrefix + domain.NormalizeAddress(address)
}

// ReserveAddress 先 SETNX，成功后再交给底层存储确认
func (s *ReservationStore) ReserveAddress(ctx context.Context, address string) (bool, error) {
	key := reservationKey(address)
	ok, err := s.rdb.SetNX(ctx, key, time.Now().UTC().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	if !ok {
		return false, nil
	}

	reserved, err := s.Store.ReserveAddress(ctx, address)
	if err != nil {
		s.forget(ctx, key)
		return false, err
	}
	// 底层已有记录时保留键，后续调用直接在 Redis 层被拒绝
	return reserved, nil
}

// ReleaseAddress 释放底层预留；地址仍属于某个身份时保留 Redis 键
func (s *ReservationStore) ReleaseAddress(ctx context.Context, address string) error {
	if err := s.Store.ReleaseAddress(ctx, address); err != nil {
		return err
	}
	_, err := s.Store.GetIdentityByAddress(ctx, address)
	switch {
	case errors.Is(err, domain.ErrIdentityNotFound):
		s.forget(ctx, reservationKey(address))
		return nil
	case err != nil:
		return err
	}
	return nil
}

// DeleteIdentity 删除身份后同步清理 Redis 键
func (s *ReservationStore) DeleteIdentity(ctx context.Context, id string) error {
	identity, err := s.Store.GetIdentity(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteIdentity(ctx, id); err != nil {
		return err
	}
	s.forget(ctx, reservationKey(identity.Address))
	return nil
}

// Health 同时检查 Redis 与底层存储
func (s *ReservationStore) Health(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return s.Store.Health(ctx)
}

// Close 关闭 Redis 连接和底层存储
func (s *ReservationStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		s.log.Error("failed to close Redis connection", zap.Error(err))
	}
	return s.Store.Close()
}

func (s *ReservationStore) forget(ctx context.Context, key string) {
	if err := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		s.log.Warn("failed to delete reservation key", zap.String("key", key), zap.Error(err))
	}
}
