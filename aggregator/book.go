package aggregator

import (
	"fmt"
	"sync"

	"github.com/yitech/marketfeed/adapter"
	"github.com/yitech/marketfeed/model/orderbook"
	"github.com/yitech/marketfeed/pkg/logger"
)

// ViewHandler receives the projected book after every snapshot.
type ViewHandler func(v orderbook.View)

// Book holds the latest projected order book per symbol. Every raw
// snapshot that is not older than the current one replaces it in full.
type Book struct {
	adapter adapter.Adapter
	log     *logger.Logger

	mu     sync.Mutex
	books  map[string]*bookState
	nextID uint64
	closed bool
}

type bookState struct {
	// notify orders deliveries; taken before Book.mu
	notify   sync.Mutex
	view     orderbook.View
	hasView  bool
	token    adapter.Token
	handlers map[uint64]ViewHandler
}

type bookToken struct {
	once sync.Once
	fn   func()
}

func (t *bookToken) Unsubscribe() { t.once.Do(t.fn) }

// NewBook returns a Book fed by ad.
func NewBook(ad adapter.Adapter, l *logger.Logger) *Book {
	if l == nil {
		l = logger.NewNop()
	}
	return &Book{adapter: ad, log: l, books: make(map[string]*bookState)}
}

// Track subscribes to book snapshots of symbol once.
func (b *Book) Track(symbol string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	st := b.stateLocked(symbol)
	if st.token != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	tok, err := b.adapter.SubscribeOrderbook(symbol, b.Apply)
	if err != nil {
		return fmt.Errorf("book [%s]: %w", symbol, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st.token != nil || b.closed {
		tok.Unsubscribe()
		return nil
	}
	st.token = tok
	b.log.Debug("tracking orderbook", logger.NewField("symbol", symbol))
	return nil
}

// Apply projects s and publishes the view to the symbol's subscribers. A
// snapshot older than the current view is dropped.
func (b *Book) Apply(s *orderbook.Snapshot) {
	if s == nil {
		return
	}
	v := orderbook.Project(*s)

	b.mu.Lock()
	st := b.stateLocked(s.Symbol)
	b.mu.Unlock()

	st.notify.Lock()
	defer st.notify.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if st.hasView && s.Time < st.view.Time {
		current := st.view.Time
		b.mu.Unlock()
		b.log.Debug("dropped stale orderbook",
			logger.NewField("symbol", s.Symbol),
			logger.NewField("time", s.Time),
			logger.NewField("current", current))
		return
	}
	st.view = v
	st.hasView = true
	hs := make([]ViewHandler, 0, len(st.handlers))
	for _, h := range st.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(v)
	}
}

// View returns the latest view for symbol.
func (b *Book) View(symbol string) (orderbook.View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.books[symbol]
	if !ok || !st.hasView {
		return orderbook.View{}, false
	}
	return st.view, true
}

// Subscribe registers handler for views of symbol. When a view is already
// known, handler receives it right away.
func (b *Book) Subscribe(symbol string, handler ViewHandler) (adapter.Token, error) {
	if err := b.Track(symbol); err != nil {
		return nil, err
	}

	b.mu.Lock()
	st := b.stateLocked(symbol)
	b.mu.Unlock()

	st.notify.Lock()
	defer st.notify.Unlock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	st.handlers[id] = handler
	v, ok := st.view, st.hasView
	b.mu.Unlock()

	if ok {
		handler(v)
	}
	return &bookToken{fn: func() {
		b.mu.Lock()
		delete(st.handlers, id)
		b.mu.Unlock()
	}}, nil
}

// Close releases the adapter subscriptions. Later snapshots are dropped.
func (b *Book) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, st := range b.books {
		if st.token != nil {
			st.token.Unsubscribe()
			st.token = nil
		}
	}
}

func (b *Book) stateLocked(symbol string) *bookState {
	st, ok := b.books[symbol]
	if !ok {
		st = &bookState{handlers: make(map[uint64]ViewHandler)}
		b.books[symbol] = st
	}
	return st
}
