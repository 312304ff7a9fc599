package optimization

// Observer is notified while a search runs. OnResult is called concurrently
// from worker goroutines, so implementations must be safe for concurrent use.
type Observer interface {
	OnStart(method OptimizationMethod, budget int)
	OnResult(result *SearchResult, best SearchResult, improved bool)
	OnFinish(result *OptimizationResult)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) OnStart(OptimizationMethod, int) {}
func (NopObserver) OnResult(*SearchResult, SearchResult, bool) {}
func (NopObserver) OnFinish(*OptimizationResult) {}

// Observers fans events out to several observers in order
type Observers []Observer

func (o Observers) OnStart(method OptimizationMethod, budget int) {
	for _, obs := range o {
		obs.OnStart(method, budget)
	}
}

func (o Observers) OnResult(result *SearchResult, best SearchResult, improved bool) {
	for _, obs := range o {
		obs.OnResult(result, best, improved)
	}
}

func (o Observers) OnFinish(result *OptimizationResult) {
	for _, obs := range o {
		obs.OnFinish(result)
	}
}
