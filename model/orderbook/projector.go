package orderbook

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// minMaxSize keeps heatmap scaling away from a zero denominator.
const minMaxSize = 0.01

// Entry is one display row of a projected book side.
type Entry struct {
	Price   string  `json:"price"`
	Size    string  `json:"size"`
	Total   string  `json:"total"` // cumulative notional from the best level outward
	SizeNum float64 `json:"sizeNum"`
}

// View is the display-ready projection of a Snapshot.
// Asks are in display order: worst ask first, best ask last, next to the
// spread row. Bids are best first.
type View struct {
	Symbol        string  `json:"symbol"`
	Time          int64   `json:"time"`
	Asks          []Entry `json:"asks"`
	Bids          []Entry `json:"bids"`
	BestBid       float64 `json:"bestBid"`
	BestAsk       float64 `json:"bestAsk"`
	Spread        string  `json:"spread"`
	SpreadPercent string  `json:"spreadPercent"`
	MaxSize       float64 `json:"maxSize"`
}

// Intensity is the entry's size relative to the largest level on the book,
// in [0, 1]. It only drives presentation emphasis.
func (v View) Intensity(e Entry) float64 {
	if v.MaxSize <= 0 {
		return 0
	}
	return e.SizeNum / v.MaxSize
}

// Project computes the view of a snapshot. It never fails: levels whose
// price or size cannot be parsed count as zero, and a missing best bid or
// best ask is treated as zero.
func Project(s Snapshot) View {
	bids := cumulate(s.Bids)

	asks := cumulate(s.Asks)
	for i, j := 0, len(asks)-1; i < j; i, j = i+1, j-1 {
		asks[i], asks[j] = asks[j], asks[i]
	}

	maxSize := minMaxSize
	for _, e := range bids {
		if e.SizeNum > maxSize {
			maxSize = e.SizeNum
		}
	}
	for _, e := range asks {
		if e.SizeNum > maxSize {
			maxSize = e.SizeNum
		}
	}

	bestBid, bestAsk := decimal.Zero, decimal.Zero
	if len(s.Bids) > 0 {
		bestBid = parse(s.Bids[0].Price)
	}
	if len(s.Asks) > 0 {
		bestAsk = parse(s.Asks[0].Price)
	}
	spread := bestAsk.Sub(bestBid)

	spreadPercent := decimal.Zero
	if !bestBid.IsZero() {
		spreadPercent = spread.Div(bestBid).Mul(decimal.NewFromInt(100))
	}

	return View{
		Symbol:        s.Symbol,
		Time:          s.Time,
		Asks:          asks,
		Bids:          bids,
		BestBid:       bestBid.InexactFloat64(),
		BestAsk:       bestAsk.InexactFloat64(),
		Spread:        spread.StringFixed(2),
		SpreadPercent: spreadPercent.StringFixed(4),
		MaxSize:       maxSize,
	}
}

// cumulate annotates levels, best first, with the running sum of
// price*size.
func cumulate(levels []PriceLevel) []Entry {
	out := make([]Entry, 0, len(levels))
	total := decimal.Zero
	for _, l := range levels {
		size := parse(l.Size)
		total = total.Add(parse(l.Price).Mul(size))
		out = append(out, Entry{
			Price:   l.Price,
			Size:    l.Size,
			Total:   total.StringFixed(0),
			SizeNum: sizeNum(l.Size),
		})
	}
	return out
}

func parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func sizeNum(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
