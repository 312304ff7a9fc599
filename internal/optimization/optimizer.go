// Package optimization searches a parameter space for the best-scoring strategy
// configuration. Methods: grid search, random search and a genetic algorithm.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/internal/workers"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"go.uber.org/zap"
)

// OptimizationMethod represents optimization algorithm
type OptimizationMethod string

const (
	MethodGridSearch   OptimizationMethod = "grid"
	MethodRandomSearch OptimizationMethod = "random"
	MethodGeneticAlgo  OptimizationMethod = "genetic"
)

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	Method          OptimizationMethod `mapstructure:"method" json:"method"`
	MaxEvaluations  int                `mapstructure:"max_evaluations" json:"maxEvaluations"`
	Timeout         time.Duration      `mapstructure:"timeout" json:"timeout"`
	ParallelWorkers int                `mapstructure:"workers" json:"workers"`
	Seed            int64              `mapstructure:"seed" json:"seed"`
	KeepHistory     bool               `mapstructure:"keep_history" json:"keepHistory"`

	// Grid search
	GridResolution int `mapstructure:"grid_resolution" json:"gridResolution"`

	// Genetic algorithm
	PopulationSize int     `mapstructure:"population_size" json:"populationSize"`
	MutationRate   float64 `mapstructure:"mutation_rate" json:"mutationRate"`
	CrossoverRate  float64 `mapstructure:"crossover_rate" json:"crossoverRate"`
	EliteCount     int     `mapstructure:"elite_count" json:"eliteCount"`
	Generations    int     `mapstructure:"generations" json:"generations"`

	// Walk-forward
	InSamplePct float64 `mapstructure:"in_sample_pct" json:"inSamplePct"`
	NumFolds    int     `mapstructure:"folds" json:"folds"`
	AnchoredWF  bool    `mapstructure:"anchored" json:"anchored"`
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Method:          MethodRandomSearch,
		MaxEvaluations:  1000,
		Timeout:         10 * time.Minute,
		ParallelWorkers: 8,
		GridResolution:  10,
		PopulationSize:  50,
		MutationRate:    0.1,
		CrossoverRate:   0.7,
		EliteCount:      5,
		Generations:     20,
		InSamplePct:     0.7,
		NumFolds:        5,
	}
}

// Validate rejects configurations that could not terminate or make no sense
func (c *OptimizerConfig) Validate() error {
	switch c.Method {
	case MethodGridSearch, MethodRandomSearch, MethodGeneticAlgo:
	default:
		return fmt.Errorf("unknown optimization method %q", c.Method)
	}
	if c.MaxEvaluations < 0 {
		return fmt.Errorf("max evaluations must not be negative")
	}
	if c.Method == MethodGeneticAlgo {
		if c.PopulationSize < 2 {
			return fmt.Errorf("population size must be at least 2")
		}
		if c.EliteCount < 0 || c.EliteCount >= c.PopulationSize {
			return fmt.Errorf("elite count must be in [0, population size)")
		}
	}
	return nil
}

// EvaluateFunc runs one parameter set through signal evaluation and
// simulation and returns the resulting ledger.
type EvaluateFunc func(ctx context.Context, params types.ParamSet) ([]types.Trade, error)

// SearchResult is one evaluated parameter set
type SearchResult struct {
	Index     int            `json:"index"`
	Params    types.ParamSet `json:"params"`
	Score     float64        `json:"score"`
	Trades    []types.Trade  `json:"-"`
	NumTrades int            `json:"numTrades"`
	NoTrades  bool           `json:"noTrades"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Failed reports whether the evaluation errored or panicked
func (r *SearchResult) Failed() bool {
	return r.Error != ""
}

// better orders results by score, then by the earliest evaluation
func (r *SearchResult) better(other *SearchResult) bool {
	if other == nil {
		return true
	}
	if r.Score != other.Score {
		return r.Score > other.Score
	}
	return r.Index < other.Index
}

// OptimizationResult contains optimization results
type OptimizationResult struct {
	Best            *SearchResult      `json:"best"`
	BestParams      types.ParamSet     `json:"bestParams"`
	BestScore       float64            `json:"bestScore"`
	History         []SearchResult     `json:"history,omitempty"`
	ConvergenceHist []float64          `json:"convergenceHistory"`
	Evaluations     int                `json:"evaluations"`
	Failed          int                `json:"failed"`
	Duration        time.Duration      `json:"duration"`
	Method          OptimizationMethod `json:"method"`
	Objective       string             `json:"objective"`
	Cancelled       bool               `json:"cancelled"`
	NoTradesFound   bool               `json:"noTradesFound"`
}

// Optimizer performs strategy parameter optimization
type Optimizer struct {
	logger   *zap.Logger
	config   *OptimizerConfig
	scorer   objective.Scorer
	observer Observer
}

// NewOptimizer creates a new optimizer. A nil scorer uses objective.Default.
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig, scorer objective.Scorer) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if scorer == nil {
		scorer = objective.Default()
	}
	return &Optimizer{
		logger:   logger,
		config:   config,
		scorer:   scorer,
		observer: NopObserver{},
	}
}

// SetObserver installs a hook notified of every evaluation
func (o *Optimizer) SetObserver(obs Observer) {
	if obs == nil {
		obs = NopObserver{}
	}
	o.observer = obs
}

// Config returns the optimizer configuration
func (o *Optimizer) Config() *OptimizerConfig {
	return o.config
}

// Optimize searches the space. Cancellation of ctx or the configured timeout
// stops new evaluations, waits for running ones and returns the best result so
// far with Cancelled set and a nil error. Errors are returned only for invalid
// configuration.
func (o *Optimizer) Optimize(ctx context.Context, space Space, evaluate EvaluateFunc) (*OptimizationResult, error) {
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if o.config.Method == MethodRandomSearch && o.config.MaxEvaluations == 0 && o.config.Timeout == 0 && space.Cardinality() < 0 {
		return nil, errors.New("random search over an unbounded space needs max evaluations or a timeout")
	}

	startTime := time.Now()
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	seed := o.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	run := &searchRun{
		optimizer: o,
		evaluate:  evaluate,
		launchCtx: ctx,
		evalCtx:   context.WithoutCancel(ctx),
		tracker:   newTracker(o.config.KeepHistory),
	}

	total := o.config.MaxEvaluations
	if o.config.Method == MethodGridSearch {
		it := newGridIterator(space, o.config.GridResolution)
		if total == 0 || it.Size() < total {
			total = it.Size()
		}
	}
	o.observer.OnStart(o.config.Method, total)

	o.logger.Info("starting optimization",
		zap.String("method", string(o.config.Method)),
		zap.String("objective", o.scorer.Name()),
		zap.Strings("dimensions", space.Names()),
		zap.Int("budget", total),
		zap.Int64("seed", seed),
	)

	var err error
	switch o.config.Method {
	case MethodGridSearch:
		err = run.drain(newGridIterator(space, o.config.GridResolution))
	case MethodRandomSearch:
		err = run.drain(newRandomSource(space, rng))
	case MethodGeneticAlgo:
		err = run.genetic(space, rng)
	}
	if err != nil {
		o.observer.OnFinish(&OptimizationResult{Method: o.config.Method, Objective: o.scorer.Name(), Cancelled: true})
		return nil, err
	}

	result := run.tracker.result()
	result.Duration = time.Since(startTime)
	result.Method = o.config.Method
	result.Objective = o.scorer.Name()
	result.Cancelled = run.cancelled

	o.observer.OnFinish(result)

	o.logger.Info("optimization complete",
		zap.Int("evaluations", result.Evaluations),
		zap.Int("failed", result.Failed),
		zap.Float64("bestScore", result.BestScore),
		zap.Bool("cancelled", result.Cancelled),
		zap.Bool("noTradesFound", result.NoTradesFound),
		zap.Duration("duration", result.Duration),
	)

	return result, nil
}

// source proposes parameter sets until exhausted
type source interface {
	Next() (types.ParamSet, bool)
}

// searchRun is the state of one Optimize call
type searchRun struct {
	optimizer *Optimizer
	evaluate  EvaluateFunc
	// launchCtx gates new evaluations; evalCtx is handed to running ones so
	// they complete after cancellation
	launchCtx context.Context
	evalCtx   context.Context
	tracker   *tracker
	launched  int
	skipped   atomic.Int64
	cancelled bool
}

func (r *searchRun) budgetLeft() bool {
	max := r.optimizer.config.MaxEvaluations
	return max == 0 || r.launched < max
}

// searchPoolConfig is the base configuration of every search pool
var searchPoolConfig = workers.DefaultPoolConfig

// newPool never bounds shutdown: in-flight evaluations always complete and
// are tracked before Optimize returns.
func (r *searchRun) newPool() *workers.Pool {
	cfg := searchPoolConfig("hyperopt")
	cfg.ShutdownTimeout = 0
	if n := r.optimizer.config.ParallelWorkers; n > 0 {
		cfg.NumWorkers = n
		cfg.QueueSize = n
	}
	pool := workers.NewPool(r.optimizer.logger, cfg)
	pool.Start()
	return pool
}

// drain evaluates everything src proposes within budget
func (r *searchRun) drain(src source) error {
	pool := r.newPool()

	for r.budgetLeft() {
		if r.launchCtx.Err() != nil {
			r.cancelled = true
			break
		}
		params, ok := src.Next()
		if !ok {
			break
		}
		if err := r.submit(pool, params, nil); err != nil {
			if r.launchCtx.Err() != nil {
				r.cancelled = true
				break
			}
			pool.Stop()
			return err
		}
	}

	if err := pool.Stop(); err != nil {
		return fmt.Errorf("waiting for evaluations: %w", err)
	}
	if r.skipped.Load() > 0 {
		r.cancelled = true
	}
	return nil
}

// submit queues one evaluation. done, if set, receives the score.
func (r *searchRun) submit(pool *workers.Pool, params types.ParamSet, done func(float64)) error {
	idx := r.launched
	r.launched++

	return pool.SubmitContext(r.launchCtx, workers.TaskFunc(func() error {
		if r.launchCtx.Err() != nil {
			r.skipped.Add(1)
			if done != nil {
				done(objective.FailedScore)
			}
			return nil
		}
		res := r.evaluateOne(idx, params)
		best, improved := r.tracker.record(res)
		r.optimizer.observer.OnResult(res, best, improved)
		if done != nil {
			done(res.Score)
		}
		return nil
	}))
}

// evaluateOne runs the evaluation and converts errors and panics into the failed sentinel
func (r *searchRun) evaluateOne(idx int, params types.ParamSet) (res *SearchResult) {
	start := time.Now()
	res = &SearchResult{Index: idx, Params: params}

	defer func() {
		if p := recover(); p != nil {
			res.Score = objective.FailedScore
			res.Trades = nil
			res.NumTrades = 0
			res.Error = fmt.Sprintf("panic: %v", p)
			r.optimizer.logger.Error("evaluation panicked",
				zap.Int("index", idx),
				zap.String("params", params.Key()),
				zap.Any("panic", p),
			)
		}
		res.Duration = time.Since(start)
	}()

	trades, err := r.evaluate(r.evalCtx, params)
	if err != nil {
		res.Score = objective.FailedScore
		res.Error = err.Error()
		r.optimizer.logger.Debug("evaluation failed",
			zap.Int("index", idx),
			zap.String("params", params.Key()),
			zap.Error(err),
		)
		return res
	}

	res.Trades = trades
	res.NumTrades = len(trades)
	res.NoTrades = len(trades) == 0
	res.Score = r.optimizer.scorer.Score(trades)
	return res
}

// genetic runs generations on the pool, one generation at a time
func (r *searchRun) genetic(space Space, rng *rand.Rand) error {
	cfg := r.optimizer.config
	population := make([]types.ParamSet, cfg.PopulationSize)
	for i := range population {
		population[i] = space.SampleSet(rng)
	}

	pool := r.newPool()
	defer pool.Stop()

	cache := make(map[string]float64)
	for gen := 0; gen < cfg.Generations; gen++ {
		scores := make([]float64, len(population))
		var mu sync.Mutex
		var wg sync.WaitGroup

		// duplicates inside one generation share the first copy's score
		first := make(map[string]int)
		dups := make(map[int]int)

		for i, individual := range population {
			key := individual.Key()
			if s, ok := cache[key]; ok {
				scores[i] = s
				continue
			}
			if j, ok := first[key]; ok {
				dups[i] = j
				continue
			}
			first[key] = i
			if !r.budgetLeft() || r.launchCtx.Err() != nil {
				scores[i] = objective.FailedScore
				continue
			}
			i := i
			wg.Add(1)
			err := r.submit(pool, individual, func(s float64) {
				mu.Lock()
				scores[i] = s
				mu.Unlock()
				wg.Done()
			})
			if err != nil {
				wg.Done()
				scores[i] = objective.FailedScore
				if r.launchCtx.Err() == nil {
					wg.Wait()
					return err
				}
			}
		}
		wg.Wait()
		for i, j := range dups {
			scores[i] = scores[j]
		}

		for i, individual := range population {
			if scores[i] > objective.FailedScore {
				cache[individual.Key()] = scores[i]
			}
		}

		if r.launchCtx.Err() != nil || r.skipped.Load() > 0 {
			r.cancelled = true
			break
		}
		if !r.budgetLeft() {
			break
		}

		r.optimizer.logger.Debug("generation complete",
			zap.Int("generation", gen),
			zap.Float64("best", r.tracker.bestScore()),
		)
		population = r.evolvePopulation(space, population, scores, rng)
	}

	return nil
}

// evolvePopulation creates next generation
func (r *searchRun) evolvePopulation(space Space, population []types.ParamSet, scores []float64, rng *rand.Rand) []types.ParamSet {
	cfg := r.optimizer.config

	indices := make([]int, len(population))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return scores[indices[i]] > scores[indices[j]]
	})

	next := make([]types.ParamSet, cfg.PopulationSize)

	// Elite: keep top performers
	for i := 0; i < cfg.EliteCount && i < len(indices); i++ {
		next[i] = population[indices[i]].Clone()
	}

	for i := cfg.EliteCount; i < cfg.PopulationSize; i++ {
		parent1 := tournamentSelect(population, scores, rng)
		parent2 := tournamentSelect(population, scores, rng)

		var child types.ParamSet
		if rng.Float64() < cfg.CrossoverRate {
			child = crossover(space, parent1, parent2, rng)
		} else {
			child = parent1.Clone()
		}

		for _, d := range space {
			if rng.Float64() < cfg.MutationRate {
				child[d.Name] = d.mutate(child[d.Name], rng)
			}
		}
		next[i] = child
	}

	return next
}

// tournamentSelect picks the best of three random individuals
func tournamentSelect(population []types.ParamSet, scores []float64, rng *rand.Rand) types.ParamSet {
	const tournamentSize = 3
	bestIdx := rng.Intn(len(population))

	for i := 1; i < tournamentSize; i++ {
		idx := rng.Intn(len(population))
		if scores[idx] > scores[bestIdx] {
			bestIdx = idx
		}
	}

	return population[bestIdx]
}

// crossover performs uniform crossover
func crossover(space Space, parent1, parent2 types.ParamSet, rng *rand.Rand) types.ParamSet {
	child := make(types.ParamSet, len(space))
	for _, d := range space {
		if rng.Float64() < 0.5 {
			child[d.Name] = parent1[d.Name]
		} else {
			child[d.Name] = parent2[d.Name]
		}
	}
	return child
}
