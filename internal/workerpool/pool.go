// Package workerpool runs blocking chat commands off the NATS callback goroutine.
package workerpool

import (
	"log/slog"
	"sync"

	"sudooom.im.client/internal/metrics"
)

// Task 任务函数
type Task func()

// Pool 固定数量 worker 的任务池
type Pool struct {
	name      string
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	stopped   bool
	logger    *slog.Logger
}

// New 创建任务池
// workers<=0 时使用 1，queueSize<0 时使用 0
func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		name:      name,
		taskQueue: make(chan Task, queueSize),
		logger:    slog.Default(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		"pool", name,
		"workers", workers,
		"queue_size", queueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		metrics.PoolQueued.WithLabelValues(p.name).Dec()
		p.run(id, task)
	}
}

// run 执行任务，panic 不会带走 worker
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"pool", p.name,
				"worker_id", id,
				"panic", r)
		}
	}()
	task()
}

// TrySubmit 提交任务，队列已满或已关闭时立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		metrics.PoolQueued.WithLabelValues(p.name).Inc()
		return true
	default:
		metrics.PoolRejected.WithLabelValues(p.name).Inc()
		return false
	}
}

// Shutdown 停止接收新任务并等待已排队任务执行完
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed", "pool", p.name)
}
