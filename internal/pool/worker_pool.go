// Package pool provides a worker pool for controlled fan-out concurrency.
// This package is internal and should not be imported by external projects.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed 池已关闭
	ErrPoolClosed = errors.New("pool is closed")
	// ErrTaskPanicked 任务 panic 被捕获
	ErrTaskPanicked = errors.New("task panicked")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPool 固定大小的工作池。检索融合的单意图扇出经此提交，
// 限制对检索 / 重排后端的并发压力。
type WorkerPool struct {
	workers int
	tasks   chan taskWrapper
	closed  atomic.Bool
	wg      sync.WaitGroup

	// 统计
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	panicHandler func(any)
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// Config configures the pool.
type Config struct {
	Workers      int       `json:"workers" yaml:"workers"`
	QueueSize    int       `json:"queue_size" yaml:"queue_size"`
	PanicHandler func(any) `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   16,
		QueueSize: 256,
	}
}

// New creates a worker pool and starts its workers.
func New(config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	p := &WorkerPool{
		workers:      config.Workers,
		tasks:        make(chan taskWrapper, config.QueueSize),
		panicHandler: config.PanicHandler,
	}

	p.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go p.worker()
	}

	return p
}

// SubmitWait 提交任务并等待完成。提交阻塞到队列有空位或 ctx 取消；
// 返回任务自身的错误。
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.tasks <- wrapper:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回提交 / 完成 / 失败计数。
func (p *WorkerPool) Stats() (submitted, completed, failed int64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}

// Close 停止接收新任务并等待在途任务结束。
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for wrapper := range p.tasks {
		err := p.run(wrapper)

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}

		wrapper.result <- err
		close(wrapper.result)
	}
}

func (p *WorkerPool) run(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = ErrTaskPanicked
		}
	}()

	if wrapper.ctx.Err() != nil {
		return wrapper.ctx.Err()
	}
	return wrapper.task(wrapper.ctx)
}
