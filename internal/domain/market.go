package domain

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// MarketPrice is a best-bid/offer snapshot.
type MarketPrice struct {
	Bid float64
	Ask float64
	Mid float64
}

// PivotLevels holds the computed entry levels for one symbol.
// Resistance levels are short-entry candidates, support levels long-entry
// candidates, both ordered nearest-first.
type PivotLevels struct {
	Resistance []float64
	Support    []float64
}

// Empty reports whether no levels were produced (insufficient history).
func (p PivotLevels) Empty() bool {
	return len(p.Resistance) == 0 && len(p.Support) == 0
}

type Instrument struct {
	Symbol   string
	TickSize float64
	Status   string
}
