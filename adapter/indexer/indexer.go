// Package indexer is the market-data adapter for the indexer backend: REST
// backfill and order-book snapshots plus the reconnecting /ws/market
// stream.
package indexer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yitech/marketfeed/adapter"
	"github.com/yitech/marketfeed/model/candle"
)

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter joins a RestClient and a Stream behind adapter.Adapter.
type Adapter struct {
	rest   *RestClient
	stream *Stream
}

// New returns an Adapter over rest and stream. The stream is not connected
// until Connect is called.
func New(rest *RestClient, stream *Stream) *Adapter {
	return &Adapter{rest: rest, stream: stream}
}

// Rest exposes the REST side.
func (a *Adapter) Rest() *RestClient { return a.rest }

// Stream exposes the live side.
func (a *Adapter) Stream() *Stream { return a.stream }

// Subscribe registers handler for live candles of symbol/interval. The
// pair must be covered by the stream's subscription.
func (a *Adapter) Subscribe(symbol, interval string, handler adapter.CandleHandler) (adapter.Token, error) {
	if !a.stream.Subscription().CoversCandles(symbol, interval) {
		return nil, errors.Errorf("indexer: %s %s is not part of the stream subscription", symbol, interval)
	}
	return a.stream.OnCandleFor(symbol, interval, handler), nil
}

// SubscribeOrderbook registers handler for book snapshots of symbol.
func (a *Adapter) SubscribeOrderbook(symbol string, handler adapter.OrderbookHandler) (adapter.Token, error) {
	if !a.stream.Subscription().CoversOrderbook(symbol) {
		return nil, errors.Errorf("indexer: orderbook for %s is not part of the stream subscription", symbol)
	}
	return a.stream.OnOrderbookFor(symbol, handler), nil
}

// Backfill fetches [start, end) from the REST candles endpoint.
func (a *Adapter) Backfill(ctx context.Context, symbol, interval string, start, end int64) ([]candle.Candle, error) {
	return a.rest.FetchCandles(ctx, symbol, start, end, interval)
}

// Connect opens the live stream. See Stream.Connect.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.stream.Connect(ctx)
}

// Connected reports whether the live stream is open.
func (a *Adapter) Connected() bool { return a.stream.IsConnected() }

// Health probes the REST side.
func (a *Adapter) Health(ctx context.Context) bool { return a.rest.HealthCheck(ctx) }

// Close disconnects the stream.
func (a *Adapter) Close() error {
	a.stream.Disconnect()
	return nil
}
