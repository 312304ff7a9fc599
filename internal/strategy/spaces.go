package strategy

import "github.com/atlas-desktop/strategy-optimizer/internal/optimization"

// DefaultROISpace drives the four-step generated ROI table
func DefaultROISpace() optimization.Space {
	return optimization.Space{
		{Name: "roi_t1", Kind: optimization.KindInteger, Low: 10, High: 120},
		{Name: "roi_t2", Kind: optimization.KindInteger, Low: 10, High: 60},
		{Name: "roi_t3", Kind: optimization.KindInteger, Low: 10, High: 40},
		{Name: "roi_p1", Kind: optimization.KindReal, Low: 0.01, High: 0.04, Decimals: 3},
		{Name: "roi_p2", Kind: optimization.KindReal, Low: 0.01, High: 0.07, Decimals: 3},
		{Name: "roi_p3", Kind: optimization.KindReal, Low: 0.01, High: 0.20, Decimals: 3},
	}
}

// DefaultStoplossSpace searches the stoploss fraction
func DefaultStoplossSpace() optimization.Space {
	return optimization.Space{
		{Name: ParamStoploss, Kind: optimization.KindReal, Low: -0.35, High: -0.02, Decimals: 3},
	}
}

// DefaultTrailingSpace always enables the trailing stop; the offset is
// searched as a distance above the trailing positive.
func DefaultTrailingSpace() optimization.Space {
	return optimization.Space{
		{Name: ParamTrailingStop, Kind: optimization.KindBoolean, Choices: []any{true}},
		{Name: ParamTrailingPositive, Kind: optimization.KindReal, Low: 0.01, High: 0.35, Decimals: 3},
		{Name: ParamTrailingOffsetP1, Kind: optimization.KindReal, Low: 0.001, High: 0.1, Decimals: 3},
		{Name: ParamTrailingOnlyOffset, Kind: optimization.KindBoolean},
	}
}

func defaultSpace(name string) optimization.Space {
	switch name {
	case "roi":
		return DefaultROISpace()
	case "stoploss":
		return DefaultStoplossSpace()
	case "trailing":
		return DefaultTrailingSpace()
	}
	return nil
}
