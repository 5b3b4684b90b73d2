package aggregator

import (
	"math"

	"github.com/yitech/marketfeed/model/candle"
)

// DefaultMaxLen bounds a series; the oldest bars are dropped beyond it.
const DefaultMaxLen = 100

// Phase is the lifecycle of one series.
type Phase int

const (
	// Empty: no backfill has landed yet. Live ticks are still applied and
	// kept aside for replay on top of the first backfill.
	Empty Phase = iota
	// Backfilled: the series holds a backfill and no tick since.
	Backfilled
	// Live: at least one tick was applied after the backfill.
	Live
)

func (p Phase) String() string {
	switch p {
	case Empty:
		return "empty"
	case Backfilled:
		return "backfilled"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// Series folds backfilled and live candles for one symbol/interval into a
// single series, strictly ascending by time and at most maxLen long.
//
// Ticks merge into the open bucket: high and low widen, close takes the
// latest value and volume accumulates. Ticks older than the open bucket are
// discarded. Series is not safe for concurrent use.
type Series struct {
	maxLen  int
	phase   Phase
	candles []candle.Candle

	// last tick merged into the open bucket, for duplicate delivery
	lastTick candle.Candle
	hasTick  bool
}

// NewSeries returns an empty series bounded to maxLen bars; maxLen <= 0
// means DefaultMaxLen.
func NewSeries(maxLen int) *Series {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Series{maxLen: maxLen}
}

func (s *Series) Phase() Phase { return s.phase }

// Snapshot returns a copy of the series.
func (s *Series) Snapshot() []candle.Candle {
	out := make([]candle.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Apply folds one live tick into the series and reports whether the series
// changed. Before the first backfill the ticks build bars of their own,
// which ApplyBackfill lays over the history.
func (s *Series) Apply(e candle.Candle) bool {
	if s.phase != Empty {
		s.phase = Live
	}
	return s.merge(e)
}

func (s *Series) merge(e candle.Candle) bool {
	n := len(s.candles)
	if n == 0 {
		s.candles = append(s.candles, e)
		s.rememberTick(e)
		return true
	}

	last := &s.candles[n-1]
	switch {
	case e.Time < last.Time:
		return false

	case e.Time == last.Time:
		if s.hasTick && s.lastTick == e {
			return false
		}
		fold(last, e)
		s.rememberTick(e)
		return true

	default:
		s.candles = append(s.candles, e)
		s.truncate()
		s.rememberTick(e)
		return true
	}
}

// fold merges e into the bar of the same bucket.
func fold(dst *candle.Candle, e candle.Candle) {
	dst.High = math.Max(dst.High, e.High)
	dst.Low = math.Min(dst.Low, e.Low)
	dst.Close = e.Close
	dst.Volume += e.Volume
}

func (s *Series) rememberTick(e candle.Candle) {
	s.lastTick = e
	s.hasTick = true
}

func (s *Series) truncate() {
	if over := len(s.candles) - s.maxLen; over > 0 {
		s.candles = append(s.candles[:0:0], s.candles[over:]...)
	}
}

// ApplyBackfill installs historical bars as the base of the series. bars
// must be ascending by time.
//
// Live bars strictly newer than the last historical bar are kept on top. On
// the first backfill, the live bar of the last historical bucket is also
// folded into it, since those ticks arrived while the fetch was in flight.
func (s *Series) ApplyBackfill(bars []candle.Candle) {
	base := make([]candle.Candle, 0, len(bars))
	for _, b := range bars {
		if n := len(base); n > 0 && b.Time <= base[n-1].Time {
			continue
		}
		base = append(base, b)
	}
	var cutoff int64 = math.MinInt64
	if n := len(base); n > 0 {
		cutoff = base[n-1].Time
	}

	wasEmpty := s.phase == Empty
	live := s.candles

	s.candles = base
	s.truncate()
	s.phase = Backfilled

	kept := false
	for _, c := range live {
		n := len(s.candles)
		switch {
		case c.Time > cutoff:
			s.candles = append(s.candles, c)
		case wasEmpty && n > 0 && c.Time == s.candles[n-1].Time:
			fold(&s.candles[n-1], c)
		default:
			continue
		}
		kept = true
	}
	s.truncate()

	if kept {
		s.phase = Live
	} else {
		s.hasTick = false
	}
}
