package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/hyperopt"
	"github.com/atlas-desktop/strategy-optimizer/internal/metrics"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotRunning = errors.New("job not running")
	ErrTooManyJobs   = errors.New("too many running jobs")
)

// JobStatus is the lifecycle state of a search job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// progressEvery throttles progress events between improvements
const progressEvery = 25

// Progress is the live state of a running search
type Progress struct {
	Evaluations int            `json:"evaluations"`
	Failed      int            `json:"failed"`
	Budget      int            `json:"budget"`
	BestScore   float64        `json:"bestScore"`
	BestParams  types.ParamSet `json:"bestParams,omitempty"`
	BestTrades  int            `json:"bestTrades"`
}

// Job is one background search
type Job struct {
	ID       string           `json:"id"`
	Request  hyperopt.Request `json:"request"`
	Status   JobStatus        `json:"status"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Progress Progress         `json:"progress"`
	Error    string           `json:"error,omitempty"`
	Report   *hyperopt.Report `json:"report,omitempty"`

	cancel context.CancelFunc
}

// JobManager runs searches in the background and tracks their state
type JobManager struct {
	logger    *zap.Logger
	service   *hyperopt.Service
	hub       *Hub
	collector *metrics.Collector
	maxJobs   int

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	jobs    map[string]*Job
	active  int
}

// NewJobManager creates a manager allowing maxJobs concurrent searches.
// collector may be nil.
func NewJobManager(logger *zap.Logger, service *hyperopt.Service, hub *Hub, collector *metrics.Collector, maxJobs int) *JobManager {
	if maxJobs < 1 {
		maxJobs = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		logger:    logger,
		service:   service,
		hub:       hub,
		collector: collector,
		maxJobs:   maxJobs,
		baseCtx:   ctx,
		stop:      stop,
		jobs:      make(map[string]*Job),
	}
}

// Start validates req and launches the search
func (m *JobManager) Start(req hyperopt.Request) (Job, error) {
	if err := m.service.Check(&req); err != nil {
		return Job{}, err
	}

	m.mu.Lock()
	if m.active >= m.maxJobs {
		m.mu.Unlock()
		return Job{}, ErrTooManyJobs
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	job := &Job{
		ID:       uuid.New().String(),
		Request:  req,
		Status:   JobRunning,
		Started:  time.Now(),
		cancel:   cancel,
	}
	m.jobs[job.ID] = job
	m.active++
	snapshot := job.snapshot()
	m.mu.Unlock()

	m.hub.PublishJob(job.ID, MsgTypeJobStarted, snapshot)
	m.logger.Info("Hyperopt job started",
		zap.String("id", job.ID),
		zap.String("strategy", req.Strategy),
		zap.String("symbol", req.Symbol),
	)

	m.wg.Add(1)
	go m.run(ctx, job.ID, req)

	return snapshot, nil
}

func (m *JobManager) run(ctx context.Context, id string, req hyperopt.Request) {
	defer m.wg.Done()

	observers := optimization.Observers{&jobObserver{manager: m, id: id}}
	if m.collector != nil {
		observers = append(observers, m.collector.ForRun(req.Strategy))
	}

	report, err := m.service.Optimize(ctx, &req, observers)

	m.mu.Lock()
	job := m.jobs[id]
	job.Finished = time.Now()
	switch {
	case err != nil:
		job.Status = JobFailed
		job.Error = err.Error()
	case report.Result.Cancelled:
		job.Status = JobCancelled
		job.Report = report
	default:
		job.Status = JobCompleted
		job.Report = report
	}
	job.cancel()
	m.active--
	snapshot := job.snapshot()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Hyperopt job failed", zap.String("id", id), zap.Error(err))
	} else {
		m.logger.Info("Hyperopt job finished",
			zap.String("id", id),
			zap.String("status", string(snapshot.Status)),
			zap.Int("evaluations", report.Result.Evaluations),
			zap.Float64("bestScore", report.Result.BestScore),
		)
	}
	m.hub.PublishJob(id, MsgTypeJobComplete, snapshot)
}

// Get returns a copy of a job
func (m *JobManager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// List returns copies of every job without their reports
func (m *JobManager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snap := job.snapshot()
		snap.Report = nil
		out = append(out, snap)
	}
	return out
}

// Active returns the number of running jobs
func (m *JobManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Cancel stops a running job. Evaluations in flight finish and the job ends
// with the best result found so far.
func (m *JobManager) Cancel(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobRunning {
		return ErrJobNotRunning
	}
	job.cancel()
	return nil
}

// Shutdown cancels every job and waits for them to finish or ctx to expire
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) snapshot() Job {
	snap := *j
	snap.cancel = nil
	return snap
}

// jobObserver mirrors search progress into the job and the hub
type jobObserver struct {
	manager *JobManager
	id      string
}

func (o *jobObserver) OnStart(_ optimization.OptimizationMethod, budget int) {
	o.manager.mu.Lock()
	o.manager.jobs[o.id].Progress.Budget = budget
	o.manager.mu.Unlock()
}

func (o *jobObserver) OnResult(result *optimization.SearchResult, best optimization.SearchResult, improved bool) {
	o.manager.mu.Lock()
	p := &o.manager.jobs[o.id].Progress
	p.Evaluations++
	if result.Failed() {
		p.Failed++
	}
	if improved {
		p.BestScore = best.Score
		p.BestParams = best.Params
		p.BestTrades = best.NumTrades
	}
	progress := *p
	o.manager.mu.Unlock()

	if improved || progress.Evaluations%progressEvery == 0 {
		o.manager.hub.PublishJob(o.id, MsgTypeJobProgress, map[string]interface{}{
			"id":       o.id,
			"progress": progress,
		})
	}
}

func (o *jobObserver) OnFinish(*optimization.OptimizationResult) {}
