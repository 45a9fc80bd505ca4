// Package generator 生成无冲突的邮箱地址。
//
// 候选地址的唯一性由持久层的原子预留保证（插入即占用），
// 这里只负责按策略产生候选，并在冲突时有限次重试。
package generator

import (
	"context"
	"crypto/rand"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
)

const (
	DefaultMinLength   = 8
	DefaultMaxLength   = 10
	DefaultMaxAttempts = 5
	DefaultSeparator   = "."

	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	digits     = "0123456789"
)

var (
	//go:embed corpus/first_names.txt
	firstNamesRaw string
	//go:embed corpus/last_names.txt
	lastNamesRaw string
)

// Reserver 原子预留地址：地址此前未被占用时占用并返回 true
type Reserver interface {
	ReserveAddress(ctx context.Context, address string) (bool, error)
}

// Config 生成器配置
type Config struct {
	Domain      string
	MinLength   int
	MaxLength   int
	Separator   string
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinLength
	}
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.Separator == "" {
		c.Separator = DefaultSeparator
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

func (c Config) validate() error {
	if c.MinLength < domain.MinLocalPartLength || c.MaxLength > domain.MaxLocalPartLength || c.MinLength > c.MaxLength {
		return fmt.Errorf("invalid random string length range %d..%d", c.MinLength, c.MaxLength)
	}
	switch c.Separator {
	case ".", "_", "-":
	default:
		return fmt.Errorf("invalid separator %q", c.Separator)
	}
	if c.Domain != "" {
		if err := domain.ValidateDomain(strings.ToLower(c.Domain)); err != nil {
			return fmt.Errorf("invalid domain %q: %w", c.Domain, err)
		}
	}
	return nil
}

// Generator 地址生成器
type Generator struct {
	cfg      Config
	reserver Reserver
	first    []string
	last     []string
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// Option 生成器选项
type Option func(*Generator)

// WithMetrics 注入监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = logger.OrNop(l) }
}

// WithCorpus 替换内置姓名语料
func WithCorpus(first, last []string) Option {
	return func(g *Generator) {
		g.first = normalizeCorpus(first)
		g.last = normalizeCorpus(last)
	}
}

// New 创建地址生成器
func New(cfg Config, reserver Reserver, opts ...Option) (*Generator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:      cfg,
		reserver: reserver,
		first:    normalizeCorpus(strings.Split(firstNamesRaw, "\n")),
		last:     normalizeCorpus(strings.Split(lastNamesRaw, "\n")),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.first) == 0 || len(g.last) == 0 {
		return nil, errors.New("name corpus is empty")
	}
	return g, nil
}

// Domain 默认域名
func (g *Generator) Domain() string {
	return strings.ToLower(g.cfg.Domain)
}

// Candidate 按策略生成一个候选地址，不访问持久层。
//
// attempt 从 0 开始；attempt > 0 表示之前的候选已冲突，需要追加区分后缀。
func (g *Generator) Candidate(strategy domain.Strategy, domainName, prefix string, attempt int) (string, error) {
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	if domainName == "" {
		domainName = g.Domain()
	}
	if err := domain.ValidateDomain(domainName); err != nil {
		return "", err
	}

	var local string
	var err error
	switch strategy {
	case domain.StrategyRandomName:
		local, err = g.randomName(attempt)
	case domain.StrategyRandomString:
		local, err = g.randomString()
	case domain.StrategyCustom:
		local, err = g.custom(prefix, attempt)
	default:
		return "", fmt.Errorf("unknown strategy %q", strategy)
	}
	if err != nil {
		return "", err
	}

	if err := domain.ValidateLocalPart(local); err != nil {
		if strategy == domain.StrategyCustom {
			return "", &domain.InvalidPrefixError{Prefix: prefix, Reason: err.Error()}
		}
		return "", fmt.Errorf("generated local part %q: %w", local, err)
	}
	return domain.JoinAddress(local, domainName), nil
}

// Propose 生成并原子预留一个地址，冲突时最多重试 MaxAttempts 次。
func (g *Generator) Propose(ctx context.Context, strategy domain.Strategy, domainName, prefix string) (string, error) {
	if g.reserver == nil {
		return "", errors.New("generator has no reserver")
	}
	if strategy == domain.StrategyCustom {
		if err := ValidatePrefix(prefix); err != nil {
			return "", err
		}
	}

	var last string
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate, err := g.Candidate(strategy, domainName, prefix, attempt)
		if err != nil {
			return "", err
		}
		last = candidate

		ok, err := g.reserver.ReserveAddress(ctx, candidate)
		if err != nil {
			var pe *domain.PersistenceError
			if errors.As(err, &pe) {
				return "", err
			}
			return "", &domain.PersistenceError{Op: "reserve", Err: err}
		}
		if ok {
			g.metrics.RecordGenerated(string(strategy))
			return candidate, nil
		}

		g.metrics.RecordCollision(string(strategy))
		g.logger.Debug("address collision",
			zap.String("candidate", candidate),
			zap.String("strategy", string(strategy)),
			zap.Int("attempt", attempt+1),
		)
	}

	g.metrics.RecordExhausted(string(strategy))
	return "", &domain.ExhaustedRetriesError{Strategy: strategy, Attempts: g.cfg.MaxAttempts, Last: last}
}

// ValidatePrefix 校验自定义前缀
func ValidatePrefix(prefix string) error {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return &domain.InvalidPrefixError{Prefix: prefix, Reason: "prefix is empty"}
	}
	if err := domain.ValidateLocalPart(strings.ToLower(p)); err != nil {
		return &domain.InvalidPrefixError{Prefix: prefix, Reason: err.Error()}
	}
	return nil
}

func (g *Generator) randomName(attempt int) (string, error) {
	first, err := pick(g.first)
	if err != nil {
		return "", err
	}
	last, err := pick(g.last)
	if err != nil {
		return "", err
	}
	local := first + g.cfg.Separator + last
	if attempt > 0 {
		suffix, err := randomSuffix(lowerAlnum)
		if err != nil {
			return "", err
		}
		local = withSuffix(local, g.cfg.Separator, suffix)
	}
	return local, nil
}

func (g *Generator) randomString() (string, error) {
	n := g.cfg.MinLength
	if span := g.cfg.MaxLength - g.cfg.MinLength; span > 0 {
		extra, err := randInt(span + 1)
		if err != nil {
			return "", err
		}
		n += extra
	}
	return randomFrom(lowerAlnum, n)
}

func (g *Generator) custom(prefix string, attempt int) (string, error) {
	local := strings.ToLower(strings.TrimSpace(prefix))
	if local == "" {
		return "", &domain.InvalidPrefixError{Prefix: prefix, Reason: "prefix is empty"}
	}
	if attempt > 0 {
		suffix, err := randomSuffix(digits)
		if err != nil {
			return "", err
		}
		local = withSuffix(local, g.cfg.Separator, suffix)
	}
	return local, nil
}

// withSuffix 追加区分后缀。总长超过本地部分上限时截短 base，并去掉截断处留下的分隔符
func withSuffix(base, sep, suffix string) string {
	room := domain.MaxLocalPartLength - len(sep) - len(suffix)
	if len(base) > room {
		base = strings.TrimRight(base[:room], "._-")
	}
	return base + sep + suffix
}

// randomSuffix 2 到 4 位随机后缀
func randomSuffix(alphabet string) (string, error) {
	extra, err := randInt(3)
	if err != nil {
		return "", err
	}
	return randomFrom(alphabet, 2+extra)
}

func randomFrom(alphabet string, n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := randInt(len(alphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx])
	}
	return b.String(), nil
}

func pick(list []string) (string, error) {
	idx, err := randInt(len(list))
	if err != nil {
		return "", err
	}
	return list[idx], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}

// normalizeCorpus 去空行、转小写，并丢弃含有非 [a-z] 字符的条目
func normalizeCorpus(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		name := strings.ToLower(strings.TrimSpace(line))
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		valid := true
		for _, r := range name {
			if r < 'a' || r > 'z' {
				valid = false
				break
			}
		}
		if valid {
			out = append(out, name)
		}
	}
	return out
}
