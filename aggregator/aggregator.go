package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yitech/marketfeed/adapter"
	"github.com/yitech/marketfeed/model/candle"
	"github.com/yitech/marketfeed/pkg/logger"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("aggregator closed")

// Frame is the state of one series after a change.
type Frame struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Phase    string          `json:"phase"`
	Candles  []candle.Candle `json:"candles"`
}

// FrameHandler receives a fresh copy of a series each time it changes.
type FrameHandler func(f Frame)

// Aggregator keeps one Series per "symbol:interval" key, fed by an
// adapter's live candles and backfills.
//
// The adapter subscription for a key is opened lazily on the first Track or
// Subscribe call. Handlers registered with Subscribe are called after every
// change, outside the state lock, one frame at a time and in the order the
// changes happened. A handler may read or unsubscribe but must not Subscribe
// or Backfill the same key.
type Aggregator struct {
	adapter adapter.Adapter
	maxLen  int
	log     *logger.Logger

	mu     sync.Mutex
	states map[string]*symState
	closed bool
}

// symState holds runtime data for one "symbol:interval" key.
type symState struct {
	symbol   string
	interval string

	// notify is held from a change until its handlers return; taken
	// before mu
	notify sync.Mutex

	mu    sync.Mutex
	setup bool
	token adapter.Token

	series *Series

	handlers map[uint64]FrameHandler
	nextID   uint64
}

// aggregatorToken cancels a single handler registration.
type aggregatorToken struct {
	id    uint64
	state *symState
}

func (t *aggregatorToken) Unsubscribe() {
	t.state.mu.Lock()
	delete(t.state.handlers, t.id)
	t.state.mu.Unlock()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxLen bounds every series.
func WithMaxLen(n int) Option {
	return func(a *Aggregator) { a.maxLen = n }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an Aggregator backed by ad.
func New(ad adapter.Adapter, opts ...Option) *Aggregator {
	a := &Aggregator{
		adapter: ad,
		maxLen:  DefaultMaxLen,
		log:     logger.NewNop(),
		states:  make(map[string]*symState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func key(symbol, interval string) string { return symbol + ":" + interval }

// Track makes sure live candles for symbol/interval are being folded into
// its series.
func (a *Aggregator) Track(symbol, interval string) error {
	state, err := a.getOrCreateState(symbol, interval)
	if err != nil {
		return err
	}
	return a.ensureSetup(state)
}

// Subscribe registers handler for changes of symbol/interval. The handler is
// called once right away with the current series.
func (a *Aggregator) Subscribe(symbol, interval string, handler FrameHandler) (adapter.Token, error) {
	state, err := a.getOrCreateState(symbol, interval)
	if err != nil {
		return nil, err
	}

	if err := a.ensureSetup(state); err != nil {
		return nil, err
	}

	// The initial frame goes out before any change made after registration.
	state.notify.Lock()
	defer state.notify.Unlock()
	state.mu.Lock()
	id := state.nextID
	state.nextID++
	state.handlers[id] = handler
	f := frame(state)
	state.mu.Unlock()
	handler(f)

	return &aggregatorToken{id: id, state: state}, nil
}

// Backfill fetches [start, end) for symbol/interval from the adapter and
// installs it as the base of the series. A result that arrives after Close
// is discarded.
func (a *Aggregator) Backfill(ctx context.Context, symbol, interval string, start, end int64) error {
	state, err := a.getOrCreateState(symbol, interval)
	if err != nil {
		return err
	}

	bars, err := a.adapter.Backfill(ctx, symbol, interval, start, end)
	if err != nil {
		return fmt.Errorf("aggregator backfill [%s]: %w", key(symbol, interval), err)
	}
	if a.isClosed() {
		a.log.Debug("discarded late backfill", logger.NewField("key", key(symbol, interval)))
		return nil
	}

	state.notify.Lock()
	defer state.notify.Unlock()
	state.mu.Lock()
	state.series.ApplyBackfill(bars)
	f := frame(state)
	hs := snapshotHandlers(state)
	state.mu.Unlock()

	a.log.Info("backfilled",
		logger.NewField("key", key(symbol, interval)),
		logger.NewField("bars", len(bars)))
	for _, h := range hs {
		h(f)
	}
	return nil
}

// Snapshot returns a copy of the series for symbol/interval.
func (a *Aggregator) Snapshot(symbol, interval string) (Frame, bool) {
	a.mu.Lock()
	state, ok := a.states[key(symbol, interval)]
	a.mu.Unlock()
	if !ok {
		return Frame{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return frame(state), true
}

// Keys lists the tracked "symbol:interval" keys in sorted order.
func (a *Aggregator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.states))
	for k := range a.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close cancels all adapter subscriptions managed by this aggregator. Later
// backfill results and live candles are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, state := range a.states {
		state.mu.Lock()
		if state.token != nil {
			state.token.Unsubscribe()
			state.token = nil
		}
		state.mu.Unlock()
	}
}

// ── internal ─────────────────────────────────────────────────────────────────

func (a *Aggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Aggregator) getOrCreateState(symbol, interval string) (*symState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	k := key(symbol, interval)
	if s, ok := a.states[k]; ok {
		return s, nil
	}
	s := &symState{
		symbol:   symbol,
		interval: interval,
		series:   NewSeries(a.maxLen),
		handlers: make(map[uint64]FrameHandler),
	}
	a.states[k] = s
	return s, nil
}

// ensureSetup opens the adapter subscription for state once. A failed
// attempt is retried by the next caller.
func (a *Aggregator) ensureSetup(state *symState) error {
	state.mu.Lock()
	if state.setup {
		state.mu.Unlock()
		return nil
	}
	state.setup = true // claim the setup slot
	state.mu.Unlock()

	tok, err := a.adapter.Subscribe(state.symbol, state.interval, func(u *candle.Update) {
		a.handleCandle(state, u)
	})

	state.mu.Lock()
	defer state.mu.Unlock()
	if err != nil {
		state.setup = false // allow a future retry
		return fmt.Errorf("aggregator [%s]: %w", key(state.symbol, state.interval), err)
	}
	state.token = tok
	return nil
}

// handleCandle is called by the adapter for every live candle of the key.
func (a *Aggregator) handleCandle(state *symState, u *candle.Update) {
	c, err := u.Candle()
	if err != nil {
		a.log.Warn("dropped candle", logger.NewField("error", err))
		return
	}
	if a.isClosed() {
		return
	}

	state.notify.Lock()
	defer state.notify.Unlock()
	state.mu.Lock()
	if !state.series.Apply(c) {
		state.mu.Unlock()
		return
	}
	f := frame(state)
	hs := snapshotHandlers(state)
	state.mu.Unlock()

	for _, h := range hs {
		h(f)
	}
}

// frame copies the series of state (called under lock).
func frame(state *symState) Frame {
	return Frame{
		Symbol:   state.symbol,
		Interval: state.interval,
		Phase:    state.series.Phase().String(),
		Candles:  state.series.Snapshot(),
	}
}

// snapshotHandlers returns a copy of the handlers in registration order
// (called under lock).
func snapshotHandlers(state *symState) []FrameHandler {
	ids := make([]uint64, 0, len(state.handlers))
	for id := range state.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]FrameHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, state.handlers[id])
	}
	return hs
}
