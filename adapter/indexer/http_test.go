package indexer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketfeed/model/candle"
)

func newTestRest(t *testing.T, h http.HandlerFunc) *RestClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	r, err := NewRestClient(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return r
}

func TestNewRestClient_Validation(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ws://indexer:3000", "indexer:3000", "http://", "::bad"} {
		_, err := NewRestClient(raw)
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr), "url %q: %v", raw, err)
	}

	r, err := NewRestClient("http://indexer:3000/")
	require.NoError(t, err)
	assert.Equal(t, "http://indexer:3000", r.baseURL)
}

func TestFetchCandles_SortsAndDedupes(t *testing.T) {
	t.Parallel()

	r := newTestRest(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, candlesPath, req.URL.Path)
		q := req.URL.Query()
		assert.Equal(t, "ETH/USDC", q.Get("symbol"))
		assert.Equal(t, "1000", q.Get("start_time"))
		assert.Equal(t, "2000", q.Get("end_time"))
		assert.Equal(t, "1m", q.Get("interval"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"T":1120000,"t":1080000,"o":"3","h":"4","l":"2","c":"3.5","v":"1","i":"1m","s":"ETH/USDC","n":2},
			{"T":1060000,"t":1020000,"o":"1","h":"2","l":"1","c":"2","v":"5","i":"1m","s":"ETH/USDC","n":1},
			{"T":1120000,"t":1080000,"o":"3","h":"5","l":"2","c":"4.5","v":"2","i":"1m","s":"ETH/USDC","n":3}
		]`))
	})

	got, err := r.FetchCandles(context.Background(), "ETH/USDC", 1000, 2000, "1m")
	require.NoError(t, err)
	assert.Equal(t, []candle.Candle{
		{Time: 1020, Open: 1, High: 2, Low: 1, Close: 2, Volume: 5},
		{Time: 1080, Open: 3, High: 5, Low: 2, Close: 4.5, Volume: 2},
	}, got)
}

func TestFetchCandles_Empty(t *testing.T) {
	t.Parallel()

	r := newTestRest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	got, err := r.FetchCandles(context.Background(), "ETH/USDC", 1000, 2000, "1h")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchCandles_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		handler  http.HandlerFunc
		start    int64
		end      int64
		interval string
		assertFn func(t *testing.T, fe *FetchError)
	}{
		{
			name: "server error carries status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			start:    1,
			end:      2,
			interval: "1m",
			assertFn: func(t *testing.T, fe *FetchError) {
				assert.Equal(t, http.StatusInternalServerError, fe.Status)
				assert.Equal(t, "boom", fe.Message)
			},
		},
		{
			name: "error body with 200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"error":"Unsupported interval: 2m"}`))
			},
			start:    1,
			end:      2,
			interval: "1m",
			assertFn: func(t *testing.T, fe *FetchError) {
				assert.Zero(t, fe.Status)
				assert.Equal(t, "Unsupported interval: 2m", fe.Message)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`[{"t":`))
			},
			start:    1,
			end:      2,
			interval: "1m",
			assertFn: func(t *testing.T, fe *FetchError) {
				var pe *ParseError
				assert.True(t, errors.As(fe, &pe))
			},
		},
		{
			name: "inconsistent candle",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`[{"t":60000,"o":"5","h":"4","l":"3","c":"4"}]`))
			},
			start:    1,
			end:      2,
			interval: "1m",
			assertFn: func(t *testing.T, fe *FetchError) {
				assert.Error(t, fe.Err)
			},
		},
		{
			name:     "start not before end",
			handler:  func(http.ResponseWriter, *http.Request) { t.Error("request must not be sent") },
			start:    2,
			end:      2,
			interval: "1m",
			assertFn: func(t *testing.T, fe *FetchError) { assert.ErrorIs(t, fe, ErrInvalidRequest) },
		},
		{
			name:     "unsupported interval",
			handler:  func(http.ResponseWriter, *http.Request) { t.Error("request must not be sent") },
			start:    1,
			end:      2,
			interval: "2m",
			assertFn: func(t *testing.T, fe *FetchError) { assert.ErrorIs(t, fe, ErrInvalidRequest) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRest(t, tc.handler)
			_, err := r.FetchCandles(context.Background(), "ETH/USDC", tc.start, tc.end, tc.interval)
			require.Error(t, err)

			var fe *FetchError
			require.True(t, errors.As(err, &fe), "got %T", err)
			tc.assertFn(t, fe)
		})
	}
}

func TestFetchCandles_NetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r, err := NewRestClient(url)
	require.NoError(t, err)

	_, err = r.FetchCandles(context.Background(), "ETH/USDC", 1, 2, "1m")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Status)
	assert.Error(t, fe.Err)
}

func TestFetchCandles_BodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[" + strings.Repeat(" ", 2048) + "]"))
	}))
	t.Cleanup(srv.Close)

	r, err := NewRestClient(srv.URL, WithHTTPClient(srv.Client()), WithMaxBodySize(1024))
	require.NoError(t, err)

	_, err = r.FetchCandles(context.Background(), "ETH/USDC", 1, 2, "1m")
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Zero(t, fe.Status)
	assert.Contains(t, fe.Error(), "exceeds 1024 bytes")

	_, err = NewRestClient(srv.URL, WithMaxBodySize(0))
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestFetchUpdates_KeepsTradeCount(t *testing.T) {
	t.Parallel()

	r := newTestRest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"T":120000,"t":60000,"o":"1","h":"1","l":"1","c":"1","v":"0","i":"1m","s":"ETH/USDC","n":7}]`))
	})

	got, err := r.FetchUpdates(context.Background(), "ETH/USDC", 1, 200, "1m")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].TradeCount)
}

func TestFetchOrderbook(t *testing.T) {
	t.Parallel()

	r := newTestRest(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, orderbookPath, req.URL.Path)
		_, _ = w.Write([]byte(`{"symbol":"ETH/USDC","time":1754450974231,"levels":[[{"px":"2000.0","sz":"10.5","n":3}],[{"px":"2001.0","sz":"8.3","n":4}]]}`))
	})

	s, err := r.FetchOrderbook(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDC", s.Symbol)
	require.Len(t, s.Bids, 1)
	require.Len(t, s.Asks, 1)
	assert.Equal(t, "2000.0", s.Bids[0].Price)
	assert.Equal(t, 4, s.Asks[0].Orders)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	ok := newTestRest(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, healthPath, req.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	assert.True(t, ok.HealthCheck(context.Background()))

	down := newTestRest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, down.HealthCheck(context.Background()))

	srv := httptest.NewServer(http.NotFoundHandler())
	gone, err := NewRestClient(srv.URL)
	require.NoError(t, err)
	srv.Close()
	assert.False(t, gone.HealthCheck(context.Background()))
}
