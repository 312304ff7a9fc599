// Package workers provides a bounded goroutine pool for CPU-bound evaluations.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a fixed set of worker goroutines fed from a bounded queue
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	mu        sync.RWMutex
	taskQueue chan Task
	wg        sync.WaitGroup
	running   atomic.Bool

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	ShutdownTimeout time.Duration // Timeout for draining on Stop; zero waits for every task
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns one worker per CPU and a queue of the same size,
// so submitters block instead of buffering a whole search space.
func DefaultPoolConfig(name string) *PoolConfig {
	numCPU := runtime.NumCPU()
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numCPU,
		QueueSize:       numCPU,
		ShutdownTimeout: time.Minute,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	mu sync.RWMutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	PanicRecovered int64

	// ring buffer of task latencies
	latencies   []int64
	latencyIdx  int
	latencySize int
	filled      int

	startTime time.Time
}

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies:   make([]int64, 10000),
		latencySize: 10000,
		startTime:   time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = ns
	m.latencyIdx = (m.latencyIdx + 1) % m.latencySize
	if m.filled < m.latencySize {
		m.filled++
	}
}

// GetP99Latency returns the 99th percentile latency
func (m *PoolMetrics) GetP99Latency() time.Duration {
	m.mu.RLock()
	sorted := make([]int64, m.filled)
	copy(sorted, m.latencies[:m.filled])
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// GetThroughput returns tasks per second since the pool was created
func (m *PoolMetrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TasksCompleted)) / elapsed
}

// GetStats returns current metrics
func (m *PoolMetrics) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		P99Latency:     m.GetP99Latency(),
		Throughput:     m.GetThroughput(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Throughput     float64       `json:"throughput"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		metrics:   NewPoolMetrics(),
	}
}

// Start starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

// run is the worker's main loop; it exits once the queue is closed and drained
func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.executeTask(logger, task)
	}
}

func (p *Pool) executeTask(logger *zap.Logger, task Task) {
	startTime := time.Now()

	err := p.call(logger, task)

	p.metrics.RecordLatency(time.Since(startTime).Nanoseconds())
	if err != nil {
		atomic.AddInt64(&p.metrics.TasksFailed, 1)
		logger.Debug("task failed", zap.Error(err))
		return
	}
	atomic.AddInt64(&p.metrics.TasksCompleted, 1)
}

func (p *Pool) call(logger *zap.Logger, task Task) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.PanicRecovered, 1)
				logger.Error("worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return task.Execute()
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitContext blocks until the task is queued or ctx is done
func (p *Pool) SubmitContext(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop stops accepting tasks and waits for queued and running tasks to finish
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running.Swap(false) {
		p.mu.Unlock()
		return nil
	}
	close(p.taskQueue)
	p.mu.Unlock()

	if p.config.ShutdownTimeout <= 0 {
		p.wg.Wait()
		p.logger.Debug("worker pool stopped",
			zap.String("name", p.config.Name),
			zap.Int64("completed", atomic.LoadInt64(&p.metrics.TasksCompleted)),
		)
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool stopped",
			zap.String("name", p.config.Name),
			zap.Int64("completed", atomic.LoadInt64(&p.metrics.TasksCompleted)),
		)
		return nil

	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.GetStats()
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
