// Package workers provides the worker pool owned by the runner process. It is
// created once in main and handed to every component that needs to run work
// off the caller's goroutine; Shutdown cancels and waits for all of it.
package workers

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed 工作池已关闭
var ErrPoolClosed = errors.New("worker pool is shut down")

// Pool 工作池
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	limit  int
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool 创建工作池；limit 限制单个 Group 的并发数，0 表示不限制
func NewPool(limit int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		limit:  limit,
		logger: logger.With(zap.String("component", "worker-pool")),
	}
}

// Go 在池中运行长期任务（例如构建会话）；fn 收到的 ctx 在 Shutdown 时取消
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Debug("Worker started", zap.String("worker", name))
		fn(p.ctx)
		p.logger.Debug("Worker finished", zap.String("worker", name))
	}()
	return nil
}

// Group 一组并发任务，第一个错误取消其余任务
type Group struct {
	pool    *Pool
	group   *errgroup.Group
	ctx     context.Context
	release func()
}

// Group 创建任务组；返回的 ctx 在第一个任务失败、父 ctx 取消或池关闭时取消
func (p *Pool) Group(parent context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(p.ctx, cancel)

	group, groupCtx := errgroup.WithContext(ctx)
	if p.limit > 0 {
		group.SetLimit(p.limit)
	}

	return &Group{
		pool:  p,
		group: group,
		ctx:   groupCtx,
		release: func() {
			stop()
			cancel()
		},
	}, groupCtx
}

// Go 在组内运行任务；达到并发上限时阻塞
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.pool.mu.Lock()
	closed := g.pool.closed
	if !closed {
		g.pool.wg.Add(1)
	}
	g.pool.mu.Unlock()

	if closed {
		g.group.Go(func() error { return ErrPoolClosed })
		return
	}

	g.group.Go(func() error {
		defer g.pool.wg.Done()
		return fn(g.ctx)
	})
}

// Wait 等待组内全部任务结束，返回第一个错误
func (g *Group) Wait() error {
	defer g.release()
	return g.group.Wait()
}

// Shutdown 取消全部任务并等待结束
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
