package indexer

import (
	"context"
	"sync"

	"github.com/yitech/marketfeed/adapter"
)

// MessageHandler receives every decoded frame that is forwarded by the
// stream. Status frames are not forwarded.
type MessageHandler func(m Message)

// anyKind keys handlers that want every forwarded message.
const anyKind Kind = "*"

type entry struct {
	id uint64
	fn MessageHandler
}

// registry keeps handlers per message kind in registration order.
type registry struct {
	mu       sync.Mutex
	handlers map[Kind][]entry
	nextID   uint64
}

func newRegistry() *registry {
	return &registry{handlers: make(map[Kind][]entry)}
}

// regToken removes one registration. Unsubscribe is idempotent.
type regToken struct {
	once sync.Once
	fn   func()
}

func (t *regToken) Unsubscribe() { t.once.Do(t.fn) }

func (r *registry) add(kind Kind, fn MessageHandler) adapter.Token {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[kind] = append(r.handlers[kind], entry{id: id, fn: fn})
	r.mu.Unlock()

	return &regToken{fn: func() { r.remove(kind, id) }}
}

func (r *registry) remove(kind Kind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	es := r.handlers[kind]
	for i, e := range es {
		if e.id == id {
			r.handlers[kind] = append(es[:i:i], es[i+1:]...)
			return
		}
	}
}

// snapshot returns the catch-all handlers followed by the ones for kind,
// copied so they can be called without holding the lock.
func (r *registry) snapshot(kind Kind) []MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	typed, all := r.handlers[kind], r.handlers[anyKind]
	hs := make([]MessageHandler, 0, len(typed)+len(all))
	for _, e := range all {
		hs = append(hs, e.fn)
	}
	for _, e := range typed {
		hs = append(hs, e.fn)
	}
	return hs
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, es := range r.handlers {
		n += len(es)
	}
	return n
}

// dispatch calls the handlers for m in order and stops early once ctx is
// done.
func (r *registry) dispatch(ctx context.Context, m Message) {
	for _, h := range r.snapshot(m.Kind) {
		if ctx.Err() != nil {
			return
		}
		h(m)
	}
}

// OnMessage registers fn for every forwarded frame regardless of kind.
func (s *Stream) OnMessage(fn MessageHandler) adapter.Token {
	return s.reg.add(anyKind, fn)
}

// OnOrderbook registers fn for order-book snapshots of any symbol.
func (s *Stream) OnOrderbook(fn adapter.OrderbookHandler) adapter.Token {
	return s.reg.add(KindOrderbook, func(m Message) { fn(m.Orderbook) })
}

// OnCandle registers fn for candle updates of any symbol and interval.
func (s *Stream) OnCandle(fn adapter.CandleHandler) adapter.Token {
	return s.reg.add(KindCandle, func(m Message) { fn(m.Candle) })
}

// OnCandleFor registers fn for candle updates of one symbol and interval.
func (s *Stream) OnCandleFor(symbol, interval string, fn adapter.CandleHandler) adapter.Token {
	return s.reg.add(KindCandle, func(m Message) {
		if m.Candle.Symbol == symbol && m.Candle.Interval == interval {
			fn(m.Candle)
		}
	})
}

// OnOrderbookFor registers fn for order-book snapshots of one symbol.
func (s *Stream) OnOrderbookFor(symbol string, fn adapter.OrderbookHandler) adapter.Token {
	return s.reg.add(KindOrderbook, func(m Message) {
		if m.Orderbook.Symbol == symbol {
			fn(m.Orderbook)
		}
	})
}
