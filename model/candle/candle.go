package candle

import (
	"fmt"
	"math"
	"strconv"
)

// Candle is one OHLCV bar of a reconciled series.
// Time is the bucket start in Unix seconds and is unique within a series.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume,omitempty"`
}

// Valid reports whether the bar satisfies low <= min(open, close) and
// max(open, close) <= high with a non-negative volume.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return c.Low <= math.Min(c.Open, c.Close) &&
		math.Max(c.Open, c.Close) <= c.High &&
		c.Volume >= 0
}

// Update is the indexer's wire representation of a candle, shared by the
// REST candles endpoint and the "candle" WebSocket frame.
// Prices and volume are decimal strings; times are Unix milliseconds.
type Update struct {
	EndTime    int64  `json:"T"`
	StartTime  int64  `json:"t"`
	Open       string `json:"o"`
	High       string `json:"h"`
	Low        string `json:"l"`
	Close      string `json:"c"`
	Volume     string `json:"v"`
	Interval   string `json:"i"`
	Symbol     string `json:"s"`
	TradeCount int64  `json:"n"`
}

// Candle converts the wire update into a bar keyed by its start time in
// seconds. An empty volume is read as zero.
func (u Update) Candle() (Candle, error) {
	o, err := parseField("open", u.Open)
	if err != nil {
		return Candle{}, err
	}
	h, err := parseField("high", u.High)
	if err != nil {
		return Candle{}, err
	}
	l, err := parseField("low", u.Low)
	if err != nil {
		return Candle{}, err
	}
	c, err := parseField("close", u.Close)
	if err != nil {
		return Candle{}, err
	}
	var v float64
	if u.Volume != "" {
		if v, err = parseField("volume", u.Volume); err != nil {
			return Candle{}, err
		}
	}

	out := Candle{
		Time:   u.StartTime / 1000,
		Open:   o,
		High:   h,
		Low:    l,
		Close:  c,
		Volume: v,
	}
	if !out.Valid() {
		return Candle{}, fmt.Errorf("candle %s/%s@%d: inconsistent ohlcv %+v", u.Symbol, u.Interval, u.StartTime, out)
	}
	return out, nil
}

func parseField(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, err)
	}
	return f, nil
}
