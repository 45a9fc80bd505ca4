package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
)

// 退避默认值
const (
	DefaultInitialInterval    = 3 * time.Second
	DefaultMultiplier         = 1.5
	DefaultMaxInterval        = 15 * time.Second
	DefaultMaxConnectFailures = 3
	DefaultLookback           = 15 * time.Minute
	DefaultMemoTTL            = time.Hour
)

// PollerConfig 轮询退避配置
type PollerConfig struct {
	InitialInterval    time.Duration
	Multiplier         float64
	MaxInterval        time.Duration
	MaxConnectFailures int
	// Lookback 接受早于轮询开始这么久的邮件（注册请求往往先于轮询发出）
	Lookback time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.MaxConnectFailures <= 0 {
		c.MaxConnectFailures = DefaultMaxConnectFailures
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
}

// Poller 在 Fetcher 之上实现 Backend 的状态机：
// Idle -> Polling -> {CodeFound | TimedOut | Cancelled | FatalError}。
//
// 取消只在等待边界生效：进行中的拉取使用脱离取消的 context（仍受截止时间约束），
// 不会在 I/O 中途被打断。
type Poller struct {
	fetcher   Fetcher
	extractor *Extractor
	cfg       PollerConfig
	memo      *cache.LocalCache
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// PollerOption 轮询器选项
type PollerOption func(*Poller)

// WithMemo 共享幂等缓存（同一地址、同一邮件始终返回同一个验证码）
func WithMemo(memo *cache.LocalCache) PollerOption {
	return func(p *Poller) { p.memo = memo }
}

// WithPollerMetrics 注入监控指标
func WithPollerMetrics(m *monitoring.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithPollerLogger 注入日志
func WithPollerLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger.OrNop(l) }
}

// NewPoller 创建轮询器
func NewPoller(fetcher Fetcher, extractor *Extractor, cfg PollerConfig, opts ...PollerOption) *Poller {
	cfg.applyDefaults()
	if extractor == nil {
		extractor = MustExtractor(DefaultCodePattern)
	}
	p := &Poller{
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.memo == nil {
		p.memo = cache.NewLocalCache(10000, DefaultMemoTTL, 0)
	}
	return p
}

// Kind 后端类型
func (p *Poller) Kind() domain.BackendKind {
	return p.fetcher.Kind()
}

// Poll 轮询直到拿到验证码、超时、被取消或遇到致命错误。
//
// 成功时返回 nil 错误且 Result.Code 非空；失败时 Result 只含请求快照，
// 错误为 domain.ErrTimedOut、domain.ErrCancelled 或 *domain.FatalError。
func (p *Poller) Poll(ctx context.Context, address string, deadline time.Time) (*Result, error) {
	address = domain.NormalizeAddress(address)
	start := p.now()
	req := domain.NewVerificationRequest(address, p.Kind(), start, deadline)
	req.State = domain.StatePolling
	since := start.Add(-p.cfg.Lookback)

	log := p.logger.With(zap.String("address", address), zap.String("backend", string(p.Kind())))
	log.Debug("poll started", zap.Time("deadline", deadline))

	finish := func(state domain.PollState, res *Result, err error) (*Result, error) {
		req.State = state
		res.Request = req.Snapshot()
		p.metrics.RecordPollResult(string(p.Kind()), string(state), p.now().Sub(start))
		log.Info("poll finished",
			zap.String("state", string(state)),
			zap.Int("attempts", len(req.Attempts)),
			zap.Error(err),
		)
		return res, err
	}

	interval := p.cfg.InitialInterval
	connectFailures := 0

	for {
		if ctx.Err() != nil {
			return finish(domain.StateCancelled, &Result{}, domain.ErrCancelled)
		}
		if !p.now().Before(deadline) {
			return finish(domain.StateTimedOut, &Result{}, domain.ErrTimedOut)
		}

		attempt, code, ackIDs, err := p.attempt(ctx, address, since, deadline)
		req.Record(attempt)
		p.metrics.RecordPollAttempt(string(p.Kind()), string(attempt.Outcome))

		switch attempt.Outcome {
		case domain.OutcomeCodeFound:
			p.ack(ctx, address, ackIDs, log)
			return finish(domain.StateCodeFound, &Result{Code: code, MessageID: attempt.MessageID}, nil)

		case domain.OutcomeFatalError:
			return finish(domain.StateFatal, &Result{}, err)

		case domain.OutcomeTransientError:
			var te *domain.TransientError
			if errors.As(err, &te) && te.Connect {
				connectFailures++
				if connectFailures >= p.cfg.MaxConnectFailures {
					fatal := domain.Fatal(fmt.Sprintf("connection failed %d times in a row", connectFailures), err)
					return finish(domain.StateFatal, &Result{}, fatal)
				}
			} else {
				connectFailures = 0
			}
			log.Debug("transient poll error", zap.Error(err))

		default:
			connectFailures = 0
		}

		// 等待边界：截止时间或取消先到则结束
		wait := interval
		if remaining := deadline.Sub(p.now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return finish(domain.StateCancelled, &Result{}, domain.ErrCancelled)
			case <-timer.C:
			}
		}

		interval = time.Duration(float64(interval) * p.cfg.Multiplier)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

// attempt 执行一次拉取并分类结果
func (p *Poller) attempt(ctx context.Context, address string, since, deadline time.Time) (domain.PollAttempt, string, []string, error) {
	attemptCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	messages, err := p.fetcher.Fetch(attemptCtx, address, since)
	rec := domain.PollAttempt{Timestamp: p.now()}
	if err != nil {
		var fe *domain.FatalError
		if errors.As(err, &fe) {
			rec.Outcome = domain.OutcomeFatalError
			rec.Reason = fe.Reason
			return rec, "", nil, err
		}
		var te *domain.TransientError
		if !errors.As(err, &te) {
			te = domain.Transient("fetch failed", err)
			err = te
		}
		rec.Outcome = domain.OutcomeTransientError
		rec.Reason = te.Error()
		return rec, "", nil, err
	}

	msg, code, matched := p.selectMostRecent(messages)
	if msg == nil {
		rec.Outcome = domain.OutcomeNoMessage
		return rec, "", nil, nil
	}

	// 同一地址同一邮件只认第一次提取出的验证码
	if msg.ID != "" {
		if v, _ := p.memo.SetIfAbsent(address+"\x00"+msg.ID, code, 0); v != nil {
			code = v.(string)
		}
	}

	rec.Outcome = domain.OutcomeCodeFound
	rec.Code = code
	rec.MessageID = msg.ID
	return rec, code, matched, nil
}

// selectMostRecent 在含验证码的邮件中选出最新一封；返回所有匹配邮件 ID 供标记已读
func (p *Poller) selectMostRecent(messages []Message) (*Message, string, []string) {
	if len(messages) == 0 {
		return nil, "", nil
	}
	sorted := append([]Message(nil), messages...)
	// 按接收时间倒序，相同时间保持原顺序中靠后的优先
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})

	var best *Message
	var bestCode string
	var matched []string
	for i := range sorted {
		code, ok := p.extractor.Extract(sorted[i].Subject, sorted[i].Body)
		if !ok {
			continue
		}
		if best == nil {
			best = &sorted[i]
			bestCode = code
		}
		if sorted[i].ID != "" {
			matched = append(matched, sorted[i].ID)
		}
	}
	return best, bestCode, matched
}

func (p *Poller) ack(ctx context.Context, address string, ids []string, log *zap.Logger) {
	acker, ok := p.fetcher.(Acker)
	if !ok || len(ids) == 0 {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := acker.Ack(ackCtx, address, ids); err != nil {
		log.Warn("mark messages read failed", zap.Strings("ids", ids), zap.Error(err))
	}
}
