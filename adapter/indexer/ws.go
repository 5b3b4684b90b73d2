package indexer

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/pkg/logger"
)

const (
	marketPath = "/ws/market"

	// DefaultBaseDelay is the wait before the first reconnect attempt.
	DefaultBaseDelay = time.Second
	// DefaultMaxAttempts bounds consecutive failed reconnects.
	DefaultMaxAttempts = 5
	// DefaultPingInterval is how often a heartbeat ping is sent.
	DefaultPingInterval = 20 * time.Second

	writeWait = 5 * time.Second
)

// SubscriptionOptions selects what the indexer pushes on one connection.
// They are fixed for the lifetime of a Stream.
type SubscriptionOptions struct {
	Orderbook  bool
	OHLCV      bool
	Symbol     string
	Timeframes []string
}

// DefaultSubscription is the dashboard's default feed: both streams for
// ETH/USDC on the 1m, 5m, 15m and 1h buckets.
func DefaultSubscription() SubscriptionOptions {
	return SubscriptionOptions{
		Orderbook:  true,
		OHLCV:      true,
		Symbol:     "ETH/USDC",
		Timeframes: []string{"1m", "5m", "15m", "1h"},
	}
}

func (o SubscriptionOptions) validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return &ConfigError{Field: "symbol", Reason: "must not be empty"}
	}
	for _, tf := range o.Timeframes {
		if strings.Contains(tf, ",") {
			return &ConfigError{Field: "timeframes", Reason: strconv.Quote(tf) + " contains a comma"}
		}
		if !interval.IsValid(tf) {
			return &ConfigError{Field: "timeframes", Reason: "unsupported interval " + strconv.Quote(tf)}
		}
	}
	return nil
}

func (o SubscriptionOptions) query() url.Values {
	q := url.Values{}
	q.Set("orderbook", strconv.FormatBool(o.Orderbook))
	q.Set("ohlcv", strconv.FormatBool(o.OHLCV))
	q.Set("symbol", o.Symbol)
	if len(o.Timeframes) > 0 {
		q.Set("timeframes", strings.Join(o.Timeframes, ","))
	}
	return q
}

// CoversCandles reports whether candles for symbol/iv are part of this
// subscription.
func (o SubscriptionOptions) CoversCandles(symbol, iv string) bool {
	if !o.OHLCV || symbol != o.Symbol {
		return false
	}
	for _, tf := range o.Timeframes {
		if tf == iv {
			return true
		}
	}
	return false
}

// CoversOrderbook reports whether book snapshots for symbol are part of
// this subscription.
func (o SubscriptionOptions) CoversOrderbook(symbol string) bool {
	return o.Orderbook && symbol == o.Symbol
}

// Dialer opens WebSocket connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

func WithDialer(d Dialer) StreamOption {
	return func(s *Stream) { s.dialer = d }
}

func WithLogger(l *logger.Logger) StreamOption {
	return func(s *Stream) { s.log = l }
}

// WithBaseDelay sets the first reconnect delay; attempt N waits
// base*2^(N-1).
func WithBaseDelay(d time.Duration) StreamOption {
	return func(s *Stream) { s.baseDelay = d }
}

func WithMaxAttempts(n int) StreamOption {
	return func(s *Stream) { s.maxAttempts = n }
}

func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) { s.pingInterval = d }
}

// WithWait replaces the reconnect sleep. wait returns false when ctx ended
// first.
func WithWait(wait func(ctx context.Context, d time.Duration) bool) StreamOption {
	return func(s *Stream) { s.wait = wait }
}

// Stream is the reconnecting live feed from /ws/market.
//
// A single reader goroutine per connection decodes frames and calls the
// registered handlers one at a time, in arrival order. Unexpected closes
// and failed dials are retried with exponential backoff until the attempt
// budget is spent; a successful open resets the budget.
type Stream struct {
	url string
	sub SubscriptionOptions
	reg *registry
	log *logger.Logger

	dialer       Dialer
	baseDelay    time.Duration
	maxAttempts  int
	pingInterval time.Duration
	wait         func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	state    State
	attempts int
	run      *runHandle
	// last run cancelled by Stop or Disconnect, possibly still draining
	stopped *runHandle
}

// runHandle identifies one Connect..Disconnect lifetime.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream validates baseURL (ws or wss) and sub and returns a
// disconnected Stream.
func NewStream(baseURL string, sub SubscriptionOptions, opts ...StreamOption) (*Stream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ConfigError{Field: "ws base url", Reason: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &ConfigError{Field: "ws base url", Reason: "scheme must be ws or wss, got " + strconv.Quote(u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ConfigError{Field: "ws base url", Reason: "missing host"}
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}

	s := &Stream{
		url:          strings.TrimRight(baseURL, "/") + marketPath + "?" + sub.query().Encode(),
		sub:          sub,
		reg:          newRegistry(),
		log:          logger.NewNop(),
		dialer:       websocket.DefaultDialer,
		baseDelay:    DefaultBaseDelay,
		maxAttempts:  DefaultMaxAttempts,
		pingInterval: DefaultPingInterval,
		wait:         sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 0 {
		return nil, &ConfigError{Field: "max attempts", Reason: "must not be negative"}
	}
	if s.baseDelay <= 0 {
		return nil, &ConfigError{Field: "base delay", Reason: "must be positive"}
	}
	if s.pingInterval <= 0 {
		return nil, &ConfigError{Field: "ping interval", Reason: "must be positive"}
	}
	s.log = s.log.WithFields(logger.NewField("component", "indexer-stream"), logger.NewField("symbol", sub.Symbol))
	return s, nil
}

// URL returns the full subscription URL.
func (s *Stream) URL() string { return s.url }

// Subscription returns the options the stream was built with.
func (s *Stream) Subscription() SubscriptionOptions { return s.sub }

// State returns the current lifecycle phase.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether a connection is currently open.
func (s *Stream) IsConnected() bool { return s.State() == Connected }

// Attempts returns the number of reconnect attempts since the last
// successful open.
func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect dials the indexer once and returns a *ConnectionError if that
// dial fails. In both cases the stream keeps running in the background,
// reconnecting as needed, until Disconnect is called or ctx is done.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.run = h
	s.state = Connecting
	s.attempts = 0
	s.mu.Unlock()

	conn, err := s.dial(runCtx, 0)
	if err != nil && runCtx.Err() != nil {
		s.transition(h, Disconnected)
		cancel()
		close(h.done)
		return err
	}
	if err == nil {
		s.transition(h, Connected)
	}
	go s.supervise(runCtx, h, conn)
	return err
}

// Disconnect closes the connection, cancels any pending reconnect and
// waits for the reader to stop. No handler is called after it returns. It
// is safe to call more than once, but not from inside a handler: the
// reader would wait for itself. Handlers call Stop instead.
func (s *Stream) Disconnect() {
	if h := s.stop(); h != nil {
		<-h.done
	}
}

// Stop cancels the current run like Disconnect but returns without waiting
// for the reader. Called from a handler, that handler is the last one to
// run.
func (s *Stream) Stop() {
	s.stop()
}

// stop cancels the current run and returns the run to wait for, if any.
func (s *Stream) stop() *runHandle {
	s.mu.Lock()
	h := s.run
	if h != nil {
		s.run = nil
		s.stopped = h
	}
	s.state = Disconnected
	last := s.stopped
	s.mu.Unlock()

	if h != nil {
		h.cancel()
		s.log.Info("disconnected")
	}
	return last
}

// transition sets the state unless h is no longer the current run.
func (s *Stream) transition(h *runHandle, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != h {
		return false
	}
	s.state = st
	if st == Connected {
		s.attempts = 0
	}
	return true
}

// nextAttempt bumps the reconnect counter. It returns false when the budget
// is spent.
func (s *Stream) nextAttempt(h *runHandle) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != h || s.attempts >= s.maxAttempts {
		return s.attempts, false
	}
	s.attempts++
	return s.attempts, true
}

// delay returns the wait before reconnect attempt n (1-based).
func (s *Stream) delay(n int) time.Duration {
	b := &backoff.Backoff{
		Min:    s.baseDelay,
		Max:    s.baseDelay << uint(s.maxAttempts),
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(n - 1))
}

func (s *Stream) dial(ctx context.Context, attempt int) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "handshake status %d", resp.StatusCode)
		}
		return nil, &ConnectionError{URL: s.url, Attempt: attempt, Err: err}
	}
	return conn, nil
}

// supervise owns the connection for one run: it reads until the socket
// drops, then schedules reconnects until one succeeds or the budget is
// spent.
func (s *Stream) supervise(ctx context.Context, h *runHandle, conn *websocket.Conn) {
	defer close(h.done)
	defer h.cancel()

	for {
		if conn != nil {
			if !s.transition(h, Connected) {
				conn.Close()
				return
			}
			s.log.Info("connected", logger.NewField("url", s.url))
			err := s.readLoop(ctx, conn)
			conn = nil
			if ctx.Err() != nil {
				s.transition(h, Disconnected)
				return
			}
			s.log.Warn("connection lost", logger.NewField("error", err))
		}

		n, ok := s.nextAttempt(h)
		if !ok {
			if s.transition(h, Disconnected) {
				s.log.Error(errors.Errorf("giving up after %d reconnect attempts", n))
			}
			return
		}
		if !s.transition(h, Reconnecting) {
			return
		}

		d := s.delay(n)
		s.log.Info("reconnecting",
			logger.NewField("attempt", n),
			logger.NewField("max_attempts", s.maxAttempts),
			logger.NewField("delay", d))
		if !s.wait(ctx, d) {
			s.transition(h, Disconnected)
			return
		}

		if !s.transition(h, Connecting) {
			return
		}
		c, err := s.dial(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				s.transition(h, Disconnected)
				return
			}
			s.log.Warn("reconnect failed", logger.NewField("error", err))
			continue
		}
		conn = c
	}
}

// readLoop reads frames from conn until it fails or ctx ends.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	pongWait := 3 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		// Any frame proves the peer is alive.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, raw)
	}
}

func (s *Stream) handleFrame(ctx context.Context, raw []byte) {
	m, err := decodeMessage(raw)
	if err != nil {
		s.log.Warn("dropped malformed frame", logger.NewField("error", err))
		return
	}
	if m.Kind == KindStatus {
		s.log.Info("indexer status", logger.NewField("message", m.Status))
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.reg.dispatch(ctx, m)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
