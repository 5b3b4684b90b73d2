//go:generate mockgen -source=adapter.go -destination=mock/adapter.go -package=mock

package adapter

import (
	"context"

	"github.com/yitech/marketfeed/model/candle"
	"github.com/yitech/marketfeed/model/orderbook"
)

// CandleHandler receives live candle updates. Handlers are called from a
// single goroutine per connection, one at a time, in arrival order.
type CandleHandler func(c *candle.Update)

// OrderbookHandler receives full order-book snapshots.
type OrderbookHandler func(s *orderbook.Snapshot)

// Token cancels a single registration. Unsubscribe is safe to call more
// than once.
type Token interface {
	Unsubscribe()
}

// TokenFunc adapts a plain function to Token.
type TokenFunc func()

func (f TokenFunc) Unsubscribe() { f() }

// Adapter defines the contract for market-data sources feeding the
// aggregator.
type Adapter interface {
	// Subscribe registers handler for live candles of symbol/interval.
	// Candles for other symbols or intervals never reach handler.
	Subscribe(symbol, interval string, handler CandleHandler) (Token, error)

	// SubscribeOrderbook registers handler for book snapshots of symbol.
	SubscribeOrderbook(symbol string, handler OrderbookHandler) (Token, error)

	// Backfill fetches historical candles in [start, end) (Unix seconds),
	// ascending by time.
	Backfill(ctx context.Context, symbol, interval string, start, end int64) ([]candle.Candle, error)

	// Close shuts down the adapter and releases all resources.
	Close() error
}
