// Package batch 并发生成（并可选验证）一批身份，单个失败不影响整批。
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/generator"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/pool"
	"mailforge/backend/internal/verify"
)

const (
	DefaultMaxConcurrency = 10
	DefaultPollTimeout    = 2 * time.Minute
)

// ErrInvalidRequest 请求在开始前校验失败，整批不执行
var ErrInvalidRequest = errors.New("invalid batch request")

// Proposer 生成并预留地址
type Proposer interface {
	Domain() string
	Propose(ctx context.Context, strategy domain.Strategy, domainName, prefix string) (string, error)
}

// Store 编排器需要的持久层操作
type Store interface {
	ReleaseAddress(ctx context.Context, address string) error
	SaveIdentity(ctx context.Context, identity *domain.EmailIdentity) error
	GetTagByName(ctx context.Context, name string) (*domain.Tag, error)
}

// Request 一次批量请求
type Request struct {
	// JobID 为空时自动生成
	JobID        string
	Count        int
	Strategy     domain.Strategy
	CustomPrefix string
	// Domain 为空时使用生成器的默认域名
	Domain      string
	Tags        []string
	Notes       string
	Concurrency int
	Verify      bool
	PollTimeout time.Duration
}

// ProgressFunc 每处理完一个单元调用一次，调用时持有聚合锁，计数单调递增
type ProgressFunc func(domain.BatchProgress)

// Orchestrator 批量编排器
type Orchestrator struct {
	generator      Proposer
	store          Store
	backend        verify.Backend
	maxConcurrency int
	pollTimeout    time.Duration
	metrics        *monitoring.Metrics
	logger         *zap.Logger
	now            func() time.Time
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithBackend 设置验证后端，Verify 请求需要
func WithBackend(b verify.Backend) Option {
	return func(o *Orchestrator) { o.backend = b }
}

// WithMaxConcurrency 并发上限（对应 batch.max_concurrency）
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithPollTimeout 请求未指定时使用的轮询超时
func WithPollTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithMetrics 注入指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New 创建编排器
func New(gen Proposer, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		generator:      gen,
		store:          store,
		maxConcurrency: DefaultMaxConcurrency,
		pollTimeout:    DefaultPollTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logger.OrNop(o.logger)
	return o
}

// Validate 在不做任何工作的前提下检查请求
func (o *Orchestrator) Validate(ctx context.Context, req Request) error {
	if req.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidRequest, req.Count)
	}
	switch req.Strategy {
	case domain.StrategyRandomName, domain.StrategyRandomString:
	case domain.StrategyCustom:
		if err := generator.ValidatePrefix(req.CustomPrefix); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	if req.Domain != "" {
		if err := domain.ValidateDomain(strings.ToLower(req.Domain)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if req.Verify && o.backend == nil {
		return fmt.Errorf("%w: verification requested but no backend is configured", ErrInvalidRequest)
	}
	for _, name := range req.Tags {
		if _, err := o.store.GetTagByName(ctx, name); err != nil {
			if errors.Is(err, domain.ErrTagNotFound) {
				return fmt.Errorf("%w: tag %q: %w", ErrInvalidRequest, name, err)
			}
			return &domain.PersistenceError{Op: "get tag", Err: err}
		}
	}
	return nil
}

// Run 执行批量请求，返回最终快照。
//
// 校验失败时不执行任何单元并返回错误。ctx 取消后停止派发新单元，已派发的单元在轮询等待点结束，
// 未派发的单元不记录，job.Cancelled 为 true。已保存的身份不会回滚。
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (*domain.BatchJob, error) {
	if err := o.Validate(ctx, req); err != nil {
		return nil, err
	}

	workers := req.Concurrency
	if workers <= 0 || workers > o.maxConcurrency {
		workers = o.maxConcurrency
	}
	if workers > req.Count {
		workers = req.Count
	}
	if req.PollTimeout <= 0 {
		req.PollTimeout = o.pollTimeout
	}
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	agg := &aggregator{
		job: &domain.BatchJob{
			ID:        req.JobID,
			Requested: req.Count,
			StartedAt: o.now(),
		},
		progress: progress,
		metrics:  o.metrics,
	}

	log := o.logger.With(zap.String("job_id", req.JobID))
	log.Info("batch started",
		zap.Int("count", req.Count),
		zap.String("strategy", string(req.Strategy)),
		zap.Int("workers", workers),
		zap.Bool("verify", req.Verify),
	)
	o.metrics.BatchStarted()
	defer o.metrics.BatchFinished()

	wp := pool.NewWorkerPool(workers, 0, log)
	wp.PanicHandler = func(any) { o.metrics.RecordPanic() }
	wp.Start(ctx)

	dispatched := 0
	for i := 0; i < req.Count; i++ {
		index := i
		if err := wp.Submit(ctx, func(ctx context.Context) { o.runUnit(ctx, req, index, agg, log) }); err != nil {
			break
		}
		dispatched++
	}
	wp.Stop()

	job := agg.finish(o.now(), ctx.Err() != nil && agg.done() < req.Count)
	log.Info("batch finished",
		zap.Int("dispatched", dispatched),
		zap.Int("completed", len(job.Completed)),
		zap.Int("failed", len(job.Failed)),
		zap.Bool("cancelled", job.Cancelled),
	)
	return job, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, req Request, index int, agg *aggregator, log *zap.Logger) {
	var address string
	defer func() {
		if r := recover(); r != nil {
			o.metrics.RecordPanic()
			log.Error("batch unit panicked", zap.Int("index", index), zap.Any("panic", r))
			agg.fail(index, address, fmt.Errorf("panic: %v", r))
		}
	}()

	// 领取时已取消视为未派发
	if ctx.Err() != nil {
		return
	}

	address, err := o.generator.Propose(ctx, req.Strategy, req.Domain, req.CustomPrefix)
	if err != nil {
		agg.fail(index, "", err)
		return
	}

	localPart, domainName, _ := domain.SplitAddress(address)
	identity := &domain.EmailIdentity{
		ID:        uuid.New().String(),
		Address:   address,
		LocalPart: localPart,
		Domain:    domainName,
		Strategy:  req.Strategy,
		Status:    domain.StatusActive,
		Tags:      append([]string(nil), req.Tags...),
		Notes:     req.Notes,
		CreatedAt: o.now(),
	}
	if err := o.store.SaveIdentity(ctx, identity); err != nil {
		if rerr := o.store.ReleaseAddress(context.WithoutCancel(ctx), address); rerr != nil {
			log.Warn("release reservation failed", zap.String("address", address), zap.Error(rerr))
		}
		agg.fail(index, address, &domain.PersistenceError{Op: "save identity", Err: err})
		return
	}

	var code string
	if req.Verify {
		res, err := o.backend.Poll(ctx, address, o.now().Add(req.PollTimeout))
		if err != nil {
			// 身份保留，只记录验证失败
			agg.fail(index, address, err)
			return
		}
		code = res.Code
	}
	agg.complete(index, identity, code)
}

// aggregator 唯一修改 BatchJob 的地方
type aggregator struct {
	mu       sync.Mutex
	job      *domain.BatchJob
	progress ProgressFunc
	metrics  *monitoring.Metrics
}

func (a *aggregator) complete(index int, identity *domain.EmailIdentity, code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.job.Completed = append(a.job.Completed, domain.CompletedUnit{Index: index, Identity: *identity, Code: code})
	a.metrics.RecordBatchUnit("completed")

	msg := "generated " + identity.Address
	if code != "" {
		msg += " (code " + code + ")"
	}
	a.notifyLocked(msg)
}

func (a *aggregator) fail(index int, address string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.job.Failed = append(a.job.Failed, domain.FailedUnit{Index: index, Address: address, Reason: err.Error(), Err: err})
	a.metrics.RecordBatchUnit("failed")
	a.notifyLocked(fmt.Sprintf("unit %d failed: %v", index, err))
}

func (a *aggregator) notifyLocked(msg string) {
	if a.progress == nil {
		return
	}
	a.progress(domain.BatchProgress{
		JobID:     a.job.ID,
		Completed: a.job.Done(),
		Total:     a.job.Requested,
		Message:   msg,
	})
}

func (a *aggregator) done() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job.Done()
}

func (a *aggregator) finish(at time.Time, cancelled bool) *domain.BatchJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.job.Cancelled = cancelled
	a.job.Finished = true
	a.job.FinishedAt = &at
	return a.job.Snapshot()
}
