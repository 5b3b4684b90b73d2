package indexer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yitech/marketfeed/model/candle"
	"github.com/yitech/marketfeed/model/orderbook"
	"github.com/yitech/marketfeed/pkg/logger"
)

const (
	frameStatus    = `{"type":"status","message":"Connected to market data stream"}`
	frameMalformed = `{"type":"candle","t":`
	frameBook      = `{"type":"orderbook","symbol":"ETH/USDC","time":1,"levels":[[{"px":"100","sz":"2","n":1}],[{"px":"101","sz":"1","n":1}]]}`
	frameCandle1m  = `{"type":"candle","T":120000,"t":60000,"o":"1","h":"2","l":"1","c":"2","v":"3","i":"1m","s":"ETH/USDC","n":1}`
	frameCandle5m  = `{"type":"candle","T":300000,"t":0,"o":"1","h":"2","l":"1","c":"2","v":"3","i":"5m","s":"ETH/USDC","n":1}`
)

var upgrader = websocket.Upgrader{}

// newWSServer starts a fake indexer. session is called with the zero-based
// connection index; returning from it closes the socket.
func newWSServer(t *testing.T, session func(n int, conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		assert.Equal(t, marketPath, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(n, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &hits
}

// newRefusingServer answers every handshake with 503.
func newRefusingServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &hits
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, frames ...string) {
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Logf("write: %v", err)
			return
		}
	}
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) wait(_ context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return true
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.items = append(r.items, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func TestNewStream_Validation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		base  string
		sub   func(o *SubscriptionOptions)
		opts  []StreamOption
		field string
	}{
		{name: "http scheme", base: "http://indexer:3000", field: "ws base url"},
		{name: "no host", base: "ws://", field: "ws base url"},
		{name: "empty symbol", base: "ws://indexer:3000", sub: func(o *SubscriptionOptions) { o.Symbol = " " }, field: "symbol"},
		{name: "comma in timeframe", base: "ws://indexer:3000", sub: func(o *SubscriptionOptions) { o.Timeframes = []string{"1m,5m"} }, field: "timeframes"},
		{name: "unknown timeframe", base: "ws://indexer:3000", sub: func(o *SubscriptionOptions) { o.Timeframes = []string{"2m"} }, field: "timeframes"},
		{name: "negative attempts", base: "ws://indexer:3000", opts: []StreamOption{WithMaxAttempts(-1)}, field: "max attempts"},
		{name: "zero base delay", base: "ws://indexer:3000", opts: []StreamOption{WithBaseDelay(0)}, field: "base delay"},
		{name: "zero ping interval", base: "ws://indexer:3000", opts: []StreamOption{WithPingInterval(0)}, field: "ping interval"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sub := DefaultSubscription()
			if tc.sub != nil {
				tc.sub(&sub)
			}
			_, err := NewStream(tc.base, sub, tc.opts...)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestNewStream_URL(t *testing.T) {
	t.Parallel()

	s, err := NewStream("wss://indexer.example/", DefaultSubscription())
	require.NoError(t, err)
	assert.Equal(t,
		"wss://indexer.example/ws/market?ohlcv=true&orderbook=true&symbol=ETH%2FUSDC&timeframes=1m%2C5m%2C15m%2C1h",
		s.URL())
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.IsConnected())
}

func TestSubscriptionOptions_Covers(t *testing.T) {
	t.Parallel()

	sub := DefaultSubscription()
	assert.True(t, sub.CoversCandles("ETH/USDC", "15m"))
	assert.False(t, sub.CoversCandles("ETH/USDC", "4h"))
	assert.False(t, sub.CoversCandles("BTC/USDC", "1m"))
	assert.True(t, sub.CoversOrderbook("ETH/USDC"))

	sub.Orderbook = false
	assert.False(t, sub.CoversOrderbook("ETH/USDC"))
}

func TestStream_Delay(t *testing.T) {
	t.Parallel()

	s, err := NewStream("ws://indexer:3000", DefaultSubscription(), WithBaseDelay(time.Second))
	require.NoError(t, err)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, s.delay(i+1), "attempt %d", i+1)
	}
}

func TestStream_DeliversFrames(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) {
		send(t, conn, frameStatus, frameMalformed, frameBook, frameCandle1m, frameCandle5m)
		holdOpen(conn)
	})

	core, logs := observer.New(zapcore.DebugLevel)
	s, err := NewStream(base, DefaultSubscription(), WithLogger(logger.New(zap.New(core))))
	require.NoError(t, err)

	var all, books, candles, filtered recorder
	s.OnMessage(func(m Message) { all.add(string(m.Kind)) })
	s.OnOrderbook(func(o *orderbook.Snapshot) { books.add(o.Symbol) })
	s.OnCandle(func(c *candle.Update) { candles.add(c.Interval) })
	s.OnCandleFor("ETH/USDC", "5m", func(c *candle.Update) { filtered.add(c.Interval) })

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)

	require.Eventually(t, func() bool { return len(all.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"orderbook", "candle", "candle"}, all.get())
	assert.Equal(t, []string{"ETH/USDC"}, books.get())
	assert.Equal(t, []string{"1m", "5m"}, candles.get())
	assert.Equal(t, []string{"5m"}, filtered.get())

	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, logs.FilterMessage("dropped malformed frame").Len())
	assert.Equal(t, 1, logs.FilterMessage("indexer status").Len())
}

func TestStream_Unsubscribe(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) {
		send(t, conn, frameBook)
		<-release
		send(t, conn, frameBook)
		holdOpen(conn)
	})

	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	var first, second recorder
	tok := s.OnOrderbook(func(o *orderbook.Snapshot) { first.add(o.Symbol) })
	s.OnOrderbook(func(o *orderbook.Snapshot) { second.add(o.Symbol) })

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)

	require.Eventually(t, func() bool { return len(second.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	tok.Unsubscribe()
	tok.Unsubscribe()
	close(release)

	require.Eventually(t, func() bool { return len(second.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, first.get(), 1)
	assert.Equal(t, 1, s.reg.size())
	_ = s.OnMessage(func(Message) {})
	assert.Equal(t, 2, s.reg.size())
}

func TestStream_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	base, hits := newRefusingServer(t)
	waits := &delayRecorder{}
	s, err := NewStream(base, DefaultSubscription(),
		WithBaseDelay(100*time.Millisecond),
		WithWait(waits.wait))
	require.NoError(t, err)

	err = s.Connect(context.Background())
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, 0, connErr.Attempt)

	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, waits.get())
	assert.EqualValues(t, 1+DefaultMaxAttempts, hits.Load())
	assert.Equal(t, DefaultMaxAttempts, s.Attempts())
	assert.False(t, s.IsConnected())

	s.Disconnect()
	s.Disconnect()
}

func TestStream_ReconnectResetsAttempts(t *testing.T) {
	t.Parallel()

	base, hits := newWSServer(t, func(n int, conn *websocket.Conn) {
		if n == 0 {
			return
		}
		send(t, conn, frameBook)
		holdOpen(conn)
	})

	waits := &delayRecorder{}
	s, err := NewStream(base, DefaultSubscription(), WithWait(waits.wait))
	require.NoError(t, err)

	var books recorder
	s.OnOrderbook(func(o *orderbook.Snapshot) { books.add(o.Symbol) })

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)

	require.Eventually(t, func() bool { return len(books.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, hits.Load())
	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, []time.Duration{DefaultBaseDelay}, waits.get())
}

func TestStream_ConnectTwice(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) { holdOpen(conn) })
	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()
}

func TestStream_NoCallbacksAfterDisconnect(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frameCandle1m)); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})

	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	var count atomic.Int64
	s.OnCandle(func(*candle.Update) { count.Add(1) })

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return count.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)

	s.Disconnect()
	seen := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, count.Load())
	assert.Equal(t, Disconnected, s.State())
}

func TestStream_DisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	base, hits := newRefusingServer(t)
	s, err := NewStream(base, DefaultSubscription(), WithBaseDelay(time.Hour))
	require.NoError(t, err)

	require.Error(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Reconnecting }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not cancel the reconnect wait")
	}
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, Disconnected, s.State())
}

func TestStream_DisconnectWaitsForRunningHandler(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) {
		send(t, conn, frameBook)
		holdOpen(conn)
	})

	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	s.OnOrderbook(func(*orderbook.Snapshot) {
		once.Do(func() { close(entered) })
		<-release
		finished.Store(true)
	})

	require.NoError(t, s.Connect(context.Background()))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	returned := make(chan struct{})
	go func() {
		s.Disconnect()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("Disconnect returned while a handler was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after the handler finished")
	}
	assert.True(t, finished.Load())
	assert.Equal(t, Disconnected, s.State())
}

func TestStream_StopFromHandler(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) {
		send(t, conn, frameBook, frameBook)
		holdOpen(conn)
	})

	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	var calls atomic.Int32
	s.OnOrderbook(func(*orderbook.Snapshot) {
		calls.Add(1)
		s.Stop()
	})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	// the run stopped from inside the handler is joined here
	s.Disconnect()
}

func TestStream_ContextCancelStops(t *testing.T) {
	t.Parallel()

	base, _ := newWSServer(t, func(_ int, conn *websocket.Conn) { holdOpen(conn) })
	s, err := NewStream(base, DefaultSubscription())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx))
	require.True(t, s.IsConnected())

	cancel()
	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	s.Disconnect()
}
