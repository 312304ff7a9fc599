package optimization

import (
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
)

// tracker is the single synchronization point shared by all evaluations
type tracker struct {
	mu          sync.Mutex
	best        *SearchResult
	keepHistory bool
	history     []SearchResult
	convergence []float64
	evaluations int
	failed      int
}

func newTracker(keepHistory bool) *tracker {
	return &tracker{keepHistory: keepHistory}
}

// record stores a finished evaluation and reports the best result after it
func (t *tracker) record(res *SearchResult) (SearchResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evaluations++
	if res.Failed() {
		t.failed++
	}
	if t.keepHistory {
		t.history = append(t.history, *res)
	}

	improved := res.better(t.best)
	if improved {
		t.best = res
	}
	t.convergence = append(t.convergence, t.best.Score)

	return *t.best, improved
}

func (t *tracker) bestScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best == nil {
		return objective.FailedScore
	}
	return t.best.Score
}

// result snapshots the tracker once every evaluation has finished
func (t *tracker) result() *OptimizationResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := &OptimizationResult{
		ConvergenceHist: t.convergence,
		Evaluations:     t.evaluations,
		Failed:          t.failed,
		BestScore:       objective.FailedScore,
		NoTradesFound:   true,
	}
	if t.best != nil {
		best := *t.best
		res.Best = &best
		res.BestParams = best.Params
		res.BestScore = best.Score
		res.NoTradesFound = best.Failed() || best.NoTrades
	}
	if t.keepHistory {
		sort.Slice(t.history, func(i, j int) bool { return t.history[i].Index < t.history[j].Index })
		res.History = t.history
	}
	return res
}
