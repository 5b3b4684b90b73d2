// Package feed wires the indexer adapter, the candle aggregator and the
// order book into one session with a single start and teardown path.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yitech/marketfeed/adapter/indexer"
	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/pkg/logger"
)

// DefaultBackfillWindow is how far back the initial fetch reaches.
const DefaultBackfillWindow = 24 * time.Hour

// Session owns the market-data pipeline for one subscription: the adapter
// it was built with, one series per subscribed interval and the projected
// order book.
type Session struct {
	id      string
	adapter *indexer.Adapter
	agg     *aggregator.Aggregator
	book    *aggregator.Book
	log     *logger.Logger

	window time.Duration
	maxLen int
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithBackfillWindow sets how far back Start fetches history.
func WithBackfillWindow(d time.Duration) Option {
	return func(s *Session) { s.window = d }
}

// WithMaxLen bounds every series.
func WithMaxLen(n int) Option {
	return func(s *Session) { s.maxLen = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New builds a Session over ad. Nothing is fetched or dialled until Start.
func New(ad *indexer.Adapter, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		adapter: ad,
		log:     logger.NewNop(),
		window:  DefaultBackfillWindow,
		maxLen:  aggregator.DefaultMaxLen,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(logger.NewField("session", s.id))
	s.agg = aggregator.New(ad, aggregator.WithMaxLen(s.maxLen), aggregator.WithLogger(s.log))
	s.book = aggregator.NewBook(ad, s.log)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Aggregator() *aggregator.Aggregator { return s.agg }

func (s *Session) Book() *aggregator.Book { return s.book }

// Subscription returns what the session's stream carries.
func (s *Session) Subscription() indexer.SubscriptionOptions {
	return s.adapter.Stream().Subscription()
}

// Connected reports whether the live stream is open.
func (s *Session) Connected() bool { return s.adapter.Connected() }

// Health probes the indexer's REST side.
func (s *Session) Health(ctx context.Context) bool { return s.adapter.Health(ctx) }

// Start registers the live handlers, then backfills every subscribed
// interval while the stream connects. It returns the first backfill error;
// the stream keeps running (and reconnecting) regardless, until Close or
// until ctx is done.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return aggregator.ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return indexer.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	sub := s.Subscription()
	if sub.OHLCV {
		for _, iv := range sub.Timeframes {
			if err := s.agg.Track(sub.Symbol, iv); err != nil {
				return err
			}
		}
	}
	if sub.Orderbook {
		if err := s.book.Track(sub.Symbol); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if sub.OHLCV {
		for _, iv := range sub.Timeframes {
			g.Go(func() error { return s.backfill(gctx, sub.Symbol, iv) })
		}
	}
	if sub.Orderbook {
		g.Go(func() error {
			s.seedBook(gctx)
			return nil
		})
	}
	g.Go(func() error {
		// the stream outlives the group, so it gets the session context
		if err := s.adapter.Connect(ctx); err != nil {
			s.log.Warn("initial connect failed, retrying in background", logger.NewField("error", err))
		}
		return nil
	})
	return g.Wait()
}

// Refresh re-fetches the backfill window of one interval. It is the retry
// path after a failed Start.
func (s *Session) Refresh(ctx context.Context, name string) error {
	return s.backfill(ctx, s.Subscription().Symbol, name)
}

// backfill fetches the window ending now. The start is moved back to its
// bucket boundary so the oldest bar is whole.
func (s *Session) backfill(ctx context.Context, symbol, name string) error {
	iv, err := interval.Get(name)
	if err == nil {
		end := s.now().Unix()
		start := iv.BucketStart(end - int64(s.window/time.Second))
		err = s.agg.Backfill(ctx, symbol, name, start, end)
	}
	if err != nil {
		s.log.Error(err, logger.NewField("symbol", symbol), logger.NewField("interval", name))
	}
	return err
}

// seedBook shows the current book before the first pushed snapshot. A
// response without a symbol is filed under the subscribed one.
func (s *Session) seedBook(ctx context.Context) {
	snap, err := s.adapter.Rest().FetchOrderbook(ctx)
	if err != nil {
		s.log.Warn("orderbook seed failed", logger.NewField("error", err))
		return
	}
	if s.isClosed() {
		return
	}
	if snap.Symbol == "" {
		snap.Symbol = s.Subscription().Symbol
	}
	if _, ok := s.book.View(snap.Symbol); ok {
		s.log.Debug("orderbook seed skipped, stream is ahead", logger.NewField("symbol", snap.Symbol))
		return
	}
	s.book.Apply(snap)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every subscription, disconnects the stream and cancels
// in-flight fetches. Results of fetches that still complete are dropped.
// Close is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.agg.Close()
	s.book.Close()
	err := s.adapter.Close()
	s.log.Info("session closed")
	return err
}
