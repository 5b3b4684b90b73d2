package interval

import (
	"fmt"
	"time"
)

// Interval is a candle bucket width understood by the indexer, both on the
// REST candles endpoint and in the WebSocket timeframes filter.
type Interval struct {
	Name     string
	Duration time.Duration
}

// Supported intervals. 1M is treated as 30 days, the same width the indexer
// uses when it computes a candle's end time.
var (
	Interval1m  = Interval{Name: "1m", Duration: time.Minute}
	Interval5m  = Interval{Name: "5m", Duration: 5 * time.Minute}
	Interval15m = Interval{Name: "15m", Duration: 15 * time.Minute}
	Interval30m = Interval{Name: "30m", Duration: 30 * time.Minute}
	Interval1h  = Interval{Name: "1h", Duration: time.Hour}
	Interval4h  = Interval{Name: "4h", Duration: 4 * time.Hour}
	Interval1d  = Interval{Name: "1d", Duration: 24 * time.Hour}
	Interval1w  = Interval{Name: "1w", Duration: 7 * 24 * time.Hour}
	Interval1M  = Interval{Name: "1M", Duration: 30 * 24 * time.Hour}
)

// All lists every supported interval, shortest first.
var All = []Interval{
	Interval1m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval4h, Interval1d, Interval1w, Interval1M,
}

var registry = make(map[string]Interval, len(All))

// resolutions maps chart resolution codes onto interval names.
var resolutions = map[string]string{
	"1":   "1m",
	"5":   "5m",
	"15":  "15m",
	"30":  "30m",
	"60":  "1h",
	"240": "4h",
	"D":   "1d",
	"1D":  "1d",
	"W":   "1w",
	"1W":  "1w",
	"M":   "1M",
	"1M":  "1M",
}

func init() {
	for _, i := range All {
		registry[i.Name] = i
	}
}

// Get returns the interval registered under name.
func Get(name string) (Interval, error) {
	i, ok := registry[name]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval: %q", name)
	}
	return i, nil
}

// IsValid reports whether name is part of the interval vocabulary.
// Names are case sensitive: "1m" is a minute, "1M" is a month.
func IsValid(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the vocabulary in the same order as All.
func Names() []string {
	out := make([]string, 0, len(All))
	for _, i := range All {
		out = append(out, i.Name)
	}
	return out
}

// FromResolution converts a chart resolution ("1", "60", "D", ...) into an
// interval. Unknown resolutions fall back to 1m.
func FromResolution(res string) Interval {
	if name, ok := resolutions[res]; ok {
		return registry[name]
	}
	if i, ok := registry[res]; ok {
		return i
	}
	return Interval1m
}

// BucketStart truncates a Unix-seconds timestamp to the start of its bucket.
// Monthly buckets use the fixed 30-day width.
func (i Interval) BucketStart(sec int64) int64 {
	w := int64(i.Duration / time.Second)
	if w <= 0 {
		return sec
	}
	return sec - sec%w
}

func (i Interval) String() string { return i.Name }
