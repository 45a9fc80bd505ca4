package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于限制批量任务的并发数量。任务 panic 时会被恢复并交给 PanicHandler，
// 不会拖垮整个批次。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func(ctx context.Context)
	wg         sync.WaitGroup
	logger     *zap.Logger

	// PanicHandler 任务 panic 时回调，可为空
	PanicHandler func(recovered any)

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数，<1 时按 1 处理
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(ctx context.Context), queueSize),
		logger:     logger,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Submit 提交任务
//
// 队列已满时阻塞，ctx 取消时放弃提交并返回 ctx 的错误
func (p *WorkerPool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 关闭队列并等待已提交任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.taskQueue) })
	p.wg.Wait()
}

// worker 工作协程
//
// ctx 取消后不再领取新任务，已领取的任务仍会收到同一个 ctx 自行结束。
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// 排空队列，保证 Submit 方不会永久阻塞
			for range p.taskQueue {
			}
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.String("panic", fmt.Sprint(r)))
			if p.PanicHandler != nil {
				p.PanicHandler(r)
			}
		}
	}()
	task(ctx)
}
