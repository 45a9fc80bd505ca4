package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
)

// Config SQL 存储配置
type Config struct {
	Driver          string // "mysql" or "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// addressReservation 地址预留表，主键冲突保证原子性
type addressReservation struct {
	Address    string    `gorm:"primaryKey;type:varchar(255)"`
	ReservedAt time.Time `gorm:"not null"`
}

func (addressReservation) TableName() string { return "address_reservations" }

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db     *sql.DB
	gormDB *gorm.DB
	log    *zap.Logger
}

// NewStore 打开数据库连接并执行自动迁移
func NewStore(cfg Config, log *zap.Logger) (*Store, error) {
	// 验证驱动类型
	if cfg.Driver != "mysql" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewWithDB(cfg.Driver, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB 在已有连接上初始化 GORM，不执行迁移
func NewWithDB(driver string, db *sql.DB, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true})
	case "postgres":
		dialector = postgres.New(postgres.Config{Conn: db})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return &Store{db: db, gormDB: gormDB, log: logger.OrNop(log)}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.PingContext(ctx)
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&addressReservation{},
		&domain.EmailIdentity{},
		&domain.Tag{},
	)
}

// ReserveAddress 插入预留记录，主键冲突时返回 false
func (s *Store) ReserveAddress(ctx context.Context, address string) (bool, error) {
	row := addressReservation{Address: domain.NormalizeAddress(address), ReservedAt: time.Now().UTC()}
	result := s.gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("reserve address: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseAddress 释放未被身份占用的预留
func (s *Store) ReleaseAddress(ctx context.Context, address string) error {
	address = domain.NormalizeAddress(address)
	owned := s.gormDB.Model(&domain.EmailIdentity{}).Select("1").Where("address = ?", address)
	err := s.gormDB.WithContext(ctx).
		Where("address = ? AND NOT EXISTS (?)", address, owned).
		Delete(&addressReservation{}).Error
	if err != nil {
		return fmt.Errorf("release address: %w", err)
	}
	return nil
}

// SaveIdentity 在事务中确保预留并插入身份
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
	if identity.Tags == nil {
		identity.Tags = []string{}
	}

	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation := addressReservation{Address: identity.Address, ReservedAt: identity.CreatedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation).Error; err != nil {
			return fmt.Errorf("reserve address: %w", err)
		}
		return tx.Create(identity).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return domain.ErrAddressTaken
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetIdentity 根据 ID 获取身份
func (s *Store) GetIdentity(ctx context.Context, id string) (*domain.EmailIdentity, error) {
	return s.firstIdentity(ctx, "id = ?", id)
}

// GetIdentityByAddress 根据地址获取身份
func (s *Store) GetIdentityByAddress(ctx context.Context, address string) (*domain.EmailIdentity, error) {
	return s.firstIdentity(ctx, "address = ?", domain.NormalizeAddress(address))
}

func (s *Store) firstIdentity(ctx context.Context, query string, arg any) (*domain.EmailIdentity, error) {
	var identity domain.EmailIdentity
	err := s.gormDB.WithContext(ctx).Where(query, arg).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &identity, nil
}

// ListIdentities 按创建时间列出身份
//
// 标签以 JSON 序列化存储，标签过滤在内存中完成，因此有标签条件时分页也在内存中进行。
func (s *Store) ListIdentities(ctx context.Context, filter domain.IdentityFilter) ([]*domain.EmailIdentity, error) {
	q := s.gormDB.WithContext(ctx).Model(&domain.EmailIdentity{}).Order("created_at, address")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Tag == "" {
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}

	var rows []*domain.EmailIdentity
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	if filter.Tag == "" {
		return rows, nil
	}

	result := make([]*domain.EmailIdentity, 0, len(rows))
	skipped := 0
	for _, identity := range rows {
		if !filter.Match(identity) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, identity)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// UpdateIdentity 读取、修改并写回可变字段
func (s *Store) UpdateIdentity(ctx context.Context, id string, update domain.IdentityUpdate) (*domain.EmailIdentity, error) {
	var updated *domain.EmailIdentity
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity domain.EmailIdentity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrIdentityNotFound
		}
		if err != nil {
			return err
		}
		if err := update.Apply(&identity); err != nil {
			return err
		}
		err = tx.Model(&identity).Select("status", "notes", "tags").Updates(&identity).Error
		if err != nil {
			return fmt.Errorf("update identity: %w", err)
		}
		updated = &identity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteIdentity 删除身份并释放地址
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity domain.EmailIdentity
		err := tx.Select("id", "address").Where("id = ?", id).Take(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrIdentityNotFound
		}
		if err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
		if err := tx.Delete(&domain.EmailIdentity{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
		if err := tx.Delete(&addressReservation{}, "address = ?", identity.Address).Error; err != nil {
			return fmt.Errorf("release address: %w", err)
		}
		return nil
	})
}

// CreateTag 创建标签，名称大小写不敏感唯一
func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	if _, err := s.GetTagByName(ctx, tag.Name); err == nil {
		return domain.ErrTagExists
	} else if !errors.Is(err, domain.ErrTagNotFound) {
		return err
	}

	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}
	if err := s.gormDB.WithContext(ctx).Create(tag).Error; err != nil {
		if isDuplicate(err) {
			return domain.ErrTagExists
		}
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// GetTagByName 根据名称获取标签
func (s *Store) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	var tag domain.Tag
	err := s.gormDB.WithContext(ctx).Where("LOWER(name) = ?", strings.ToLower(name)).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// ListTags 按名称列出标签
func (s *Store) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	var tags []*domain.Tag
	if err := s.gormDB.WithContext(ctx).Order("name").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// isDuplicate 识别两种驱动的唯一约束冲突
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
