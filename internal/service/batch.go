package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/batch"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/logger"
)

// DefaultRetainedJobs 保留的已结束任务数量上限
const DefaultRetainedJobs = 100

var (
	// ErrJobNotFound 任务不存在或已被淘汰
	ErrJobNotFound = errors.New("batch job not found")
	// ErrShuttingDown 服务正在关闭，不再接受新任务
	ErrShuttingDown = errors.New("batch service is shutting down")
)

// BatchRunner 批量执行器，由 batch.Orchestrator 实现
type BatchRunner interface {
	Validate(ctx context.Context, req batch.Request) error
	Run(ctx context.Context, req batch.Request, progress batch.ProgressFunc) (*domain.BatchJob, error)
}

// ProgressPublisher 进度推送，由 websocket.Hub 实现。两个方法都不能阻塞。
type ProgressPublisher interface {
	PublishProgress(p domain.BatchProgress)
	PublishFinished(job *domain.BatchJob)
}

// StartBatchInput 启动批量任务的输入
type StartBatchInput struct {
	Count              int             `json:"count" binding:"required,min=1,max=1000"`
	Strategy           domain.Strategy `json:"strategy" binding:"omitempty,oneof=random_name random_string custom"`
	Prefix             string          `json:"prefix" binding:"omitempty,max=64"`
	Domain             string          `json:"domain" binding:"omitempty,max=253"`
	Tags               []string        `json:"tags" binding:"omitempty,max=20,dive,min=1,max=100"`
	Notes              string          `json:"notes" binding:"omitempty,max=1000"`
	Concurrency        int             `json:"concurrency" binding:"omitempty,min=1"`
	Verify             bool            `json:"verify"`
	PollTimeoutSeconds int             `json:"pollTimeoutSeconds" binding:"omitempty,min=1,max=600"`
}

// JobStatus 任务状态视图
//
// 运行中时 Completed/Failed 为空，进度体现在 Processed；结束后为最终快照。
type JobStatus struct {
	*domain.BatchJob
	Processed   int    `json:"processed"`
	LastMessage string `json:"lastMessage,omitempty"`
	Error       string `json:"error,omitempty"`
}

type jobEntry struct {
	job         *domain.BatchJob
	processed   int
	lastMessage string
	err         error
	cancel      context.CancelFunc
	done        chan struct{}
}

func (e *jobEntry) status() *JobStatus {
	st := &JobStatus{
		BatchJob:    e.job.Snapshot(),
		Processed:   e.processed,
		LastMessage: e.lastMessage,
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	return st
}

// BatchService 异步批量任务注册表
//
// 每个任务在独立的 goroutine 中运行，进度同时写入注册表并推送给订阅者。
type BatchService struct {
	runner          BatchRunner
	publisher       ProgressPublisher
	defaultStrategy domain.Strategy
	maxRetained     int
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	order []string
	// closed 与 wg.Add 在同一把锁下检查，Shutdown 之后不会再有新任务登记
	closed bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewBatchService 创建批量任务服务，publisher 可以为 nil
func NewBatchService(runner BatchRunner, publisher ProgressPublisher, defaultStrategy domain.Strategy, log *zap.Logger) *BatchService {
	if defaultStrategy == "" {
		defaultStrategy = domain.StrategyRandomName
	}
	ctx, stop := context.WithCancel(context.Background())
	return &BatchService{
		runner:          runner,
		publisher:       publisher,
		defaultStrategy: defaultStrategy,
		maxRetained:     DefaultRetainedJobs,
		logger:          logger.OrNop(log),
		now:             time.Now,
		jobs:            make(map[string]*jobEntry),
		baseCtx:         ctx,
		stop:            stop,
	}
}

// StartBatch 校验请求并在后台启动任务
//
// 参数:
//   - ctx: 仅用于校验，任务本身不受请求上下文影响
//   - input: 批量参数
//
// 返回值:
//   - *JobStatus: 初始快照
//   - error: 校验失败时包装 batch.ErrInvalidRequest，整批不执行
func (s *BatchService) StartBatch(ctx context.Context, input StartBatchInput) (*JobStatus, error) {
	if s.isClosed() {
		return nil, ErrShuttingDown
	}

	req := batch.Request{
		JobID:        uuid.New().String(),
		Count:        input.Count,
		Strategy:     input.Strategy,
		CustomPrefix: input.Prefix,
		Domain:       input.Domain,
		Tags:         input.Tags,
		Notes:        input.Notes,
		Concurrency:  input.Concurrency,
		Verify:       input.Verify,
		PollTimeout:  time.Duration(input.PollTimeoutSeconds) * time.Second,
	}
	if req.Strategy == "" {
		req.Strategy = s.defaultStrategy
	}
	if err := s.runner.Validate(ctx, req); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	entry := &jobEntry{
		job: &domain.BatchJob{
			ID:        req.JobID,
			Requested: req.Count,
			StartedAt: s.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	s.jobs[req.JobID] = entry
	s.order = append(s.order, req.JobID)
	s.evictLocked()
	st := entry.status()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, entry, req)

	s.logger.Info("batch job accepted", zap.String("job_id", req.JobID), zap.Int("count", req.Count))
	return st, nil
}

func (s *BatchService) run(ctx context.Context, entry *jobEntry, req batch.Request) {
	defer s.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	job, err := s.runner.Run(ctx, req, func(p domain.BatchProgress) {
		s.mu.Lock()
		entry.processed = p.Completed
		entry.lastMessage = p.Message
		s.mu.Unlock()
		if s.publisher != nil {
			s.publisher.PublishProgress(p)
		}
	})

	s.mu.Lock()
	if err != nil {
		// 启动后才失败（例如标签在校验后被删除），没有单元被执行
		at := s.now()
		job = entry.job.Snapshot()
		job.Finished = true
		job.FinishedAt = &at
		entry.err = err
		s.logger.Warn("batch job failed to run", zap.String("job_id", req.JobID), zap.Error(err))
	}
	entry.job = job
	entry.processed = job.Done()
	final := job.Snapshot()
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.PublishFinished(final)
	}
}

// GetJob 获取任务状态
func (s *BatchService) GetJob(id string) (*JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return entry.status(), nil
}

// LookupJob 供 WebSocket 订阅使用的任务快照
func (s *BatchService) LookupJob(id string) (*domain.BatchJob, error) {
	st, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	return st.BatchJob, nil
}

// ListJobs 列出保留中的任务，最新的在前
func (s *BatchService) ListJobs() []*JobStatus {
	s.mu.RLock()
	result := make([]*JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		result = append(result, entry.status())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}

// CancelJob 取消任务。已结束的任务取消是空操作。
//
// 已派发的单元在下一个轮询等待点结束，未派发的单元不再执行。
func (s *BatchService) CancelJob(id string) error {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	entry.cancel()
	s.logger.Info("batch job cancel requested", zap.String("job_id", id))
	return nil
}

// WaitJob 阻塞直到任务结束或 ctx 结束
func (s *BatchService) WaitJob(ctx context.Context, id string) (*JobStatus, error) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.GetJob(id)
}

func (s *BatchService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Shutdown 拒绝新任务，取消所有运行中的任务并等待它们结束
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch jobs: %w", ctx.Err())
	}
}

// evictLocked 超出保留上限时淘汰最早结束的任务，运行中的任务从不淘汰
func (s *BatchService) evictLocked() {
	if len(s.jobs) <= s.maxRetained {
		return
	}
	kept := s.order[:0]
	excess := len(s.jobs) - s.maxRetained
	for _, id := range s.order {
		entry := s.jobs[id]
		if excess > 0 && entry.job.Finished {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
