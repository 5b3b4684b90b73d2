package orderbook

import (
	"encoding/json"
	"fmt"
)

// PriceLevel is one aggregated price level of a book side.
// Price and size stay as the decimal strings the indexer sends.
type PriceLevel struct {
	Price  string `json:"px"`
	Size   string `json:"sz"`
	Orders int    `json:"n"`
}

// Snapshot is a full two-sided book for one symbol at one instant.
// Bids are sorted best (highest) first, asks best (lowest) first.
// A snapshot always replaces the previous one; there are no deltas.
type Snapshot struct {
	Symbol string
	Time   int64 // Unix ms
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// wireSnapshot is the indexer envelope: levels is a two-element array
// holding bids then asks.
type wireSnapshot struct {
	Symbol string         `json:"symbol"`
	Time   int64          `json:"time"`
	Levels [][]PriceLevel `json:"levels"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	bids, asks := s.Bids, s.Asks
	if bids == nil {
		bids = []PriceLevel{}
	}
	if asks == nil {
		asks = []PriceLevel{}
	}
	return json.Marshal(wireSnapshot{
		Symbol: s.Symbol,
		Time:   s.Time,
		Levels: [][]PriceLevel{bids, asks},
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Levels) > 2 {
		return fmt.Errorf("orderbook: levels has %d sides, want 2", len(w.Levels))
	}
	*s = Snapshot{Symbol: w.Symbol, Time: w.Time}
	if len(w.Levels) > 0 {
		s.Bids = w.Levels[0]
	}
	if len(w.Levels) > 1 {
		s.Asks = w.Levels[1]
	}
	return nil
}
