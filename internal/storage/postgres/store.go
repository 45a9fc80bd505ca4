package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mailforge/backend/internal/domain"
)

// Store PostgreSQL 存储实现
type Store struct {
	*Client
}

// NewStore 基于客户端创建存储
func NewStore(c *Client) *Store {
	return &Store{Client: c}
}

const identityColumns = `id, address, local_part, domain, strategy, status, tags, notes, created_at`

// ReserveAddress 依赖主键冲突实现原子预留
func (s *Store) ReserveAddress(ctx context.Context, address string) (bool, error) {
	const q = `INSERT INTO address_reservations (address) VALUES ($1) ON CONFLICT DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, domain.NormalizeAddress(address))
	if err != nil {
		return false, fmt.Errorf("reserve address: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseAddress 释放未被身份占用的预留
func (s *Store) ReleaseAddress(ctx context.Context, address string) error {
	const q = `
DELETE FROM address_reservations
WHERE address = $1 AND NOT EXISTS (SELECT 1 FROM identities WHERE address = $1)`
	if _, err := s.pool.Exec(ctx, q, domain.NormalizeAddress(address)); err != nil {
		return fmt.Errorf("release address: %w", err)
	}
	return nil
}

// SaveIdentity 插入身份，同时确保地址处于预留状态
func (s *Store) SaveIdentity(ctx context.Context, identity *domain.EmailIdentity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	identity.Address = domain.NormalizeAddress(identity.Address)
	if identity.Status == "" {
		identity.Status = domain.StatusActive
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	tags := identity.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const reserve = `INSERT INTO address_reservations (address) VALUES ($1) ON CONFLICT DO NOTHING`
	if _, err := tx.Exec(ctx, reserve, identity.Address); err != nil {
		return fmt.Errorf("reserve address: %w", err)
	}

	const insert = `
INSERT INTO identities (id, address, local_part, domain, strategy, status, tags, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.Exec(ctx, insert,
		identity.ID, identity.Address, identity.LocalPart, identity.Domain,
		string(identity.Strategy), string(identity.Status), tags, identity.Notes, identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAddressTaken
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return tx.Commit(ctx)
}

// GetIdentity 根据 ID 获取身份
func (s *Store) GetIdentity(ctx context.Context, id string) (*domain.EmailIdentity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return scanIdentity(s.pool.QueryRow(ctx, q, id))
}

// GetIdentityByAddress 根据地址获取身份
func (s *Store) GetIdentityByAddress(ctx context.Context, address string) (*domain.EmailIdentity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities WHERE address = $1`
	return scanIdentity(s.pool.QueryRow(ctx, q, domain.NormalizeAddress(address)))
}

// ListIdentities 按创建时间列出身份
func (s *Store) ListIdentities(ctx context.Context, filter domain.IdentityFilter) ([]*domain.EmailIdentity, error) {
	q, args := listQuery(filter)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.EmailIdentity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, identity)
	}
	return result, rows.Err()
}

func listQuery(filter domain.IdentityFilter) (string, []any) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE lower(t) = lower($%d))", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + identityColumns + ` FROM identities`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, address")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// UpdateIdentity 在事务中读取、修改并写回
func (s *Store) UpdateIdentity(ctx context.Context, id string, update domain.IdentityUpdate) (*domain.EmailIdentity, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1 FOR UPDATE`
	identity, err := scanIdentity(tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, err
	}
	if err := update.Apply(identity); err != nil {
		return nil, err
	}

	const upd = `UPDATE identities SET status = $2, notes = $3, tags = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, upd, id, string(identity.Status), identity.Notes, identity.Tags); err != nil {
		return nil, fmt.Errorf("update identity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return identity, nil
}

// DeleteIdentity 删除身份并释放地址
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	var address string
	err := s.pool.QueryRow(ctx, `DELETE FROM identities WHERE id = $1 RETURNING address`, id).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrIdentityNotFound
	}
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM address_reservations WHERE address = $1`, address); err != nil {
		return fmt.Errorf("release address: %w", err)
	}
	return nil
}

// CreateTag 创建标签
func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}
	const q = `INSERT INTO tags (id, name, color) VALUES ($1, $2, $3) RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, tag.ID, tag.Name, tag.Color).Scan(&tag.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrTagExists
		}
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// GetTagByName 根据名称获取标签（大小写不敏感）
func (s *Store) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	const q = `SELECT id, name, color, created_at FROM tags WHERE lower(name) = lower($1)`
	var tag domain.Tag
	err := s.pool.QueryRow(ctx, q, name).Scan(&tag.ID, &tag.Name, &tag.Color, &tag.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// ListTags 按名称列出标签
func (s *Store) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, color, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Tag, 0)
	for rows.Next() {
		var tag domain.Tag
		if err := rows.Scan(&tag.ID, &tag.Name, &tag.Color, &tag.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &tag)
	}
	return result, rows.Err()
}

// Health 检查数据库连通性
func (s *Store) Health(ctx context.Context) error {
	return s.Ping(ctx)
}

// Close 关闭连接池
func (s *Store) Close() error {
	s.Client.Close()
	return nil
}

func scanIdentity(row pgx.Row) (*domain.EmailIdentity, error) {
	var identity domain.EmailIdentity
	var strategy, status string
	err := row.Scan(
		&identity.ID, &identity.Address, &identity.LocalPart, &identity.Domain,
		&strategy, &status, &identity.Tags, &identity.Notes, &identity.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	identity.Strategy = domain.Strategy(strategy)
	identity.Status = domain.IdentityStatus(status)
	return &identity, nil
}
