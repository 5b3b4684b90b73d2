package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/yitech/marketfeed/model/candle"
	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/model/orderbook"
)

const (
	candlesPath   = "/api/candles"
	orderbookPath = "/api/orderbook"
	healthPath    = "/health"

	// DefaultHTTPTimeout bounds a whole REST round trip.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultMaxBodySize caps a REST response body.
	DefaultMaxBodySize = 8 << 20
)

// RestClient is the request/response side of the indexer API: historical
// candles, the current book and the health probe.
type RestClient struct {
	baseURL string
	client  *http.Client
	maxBody int64
}

// RestOption configures a RestClient.
type RestOption func(*RestClient)

// WithHTTPClient replaces the default client, e.g. with httptest's.
func WithHTTPClient(c *http.Client) RestOption {
	return func(r *RestClient) { r.client = c }
}

// WithMaxBodySize caps how many bytes of a response body are read.
func WithMaxBodySize(n int64) RestOption {
	return func(r *RestClient) { r.maxBody = n }
}

// NewHTTPClient builds a client with explicit dial, TLS and overall
// timeouts. http.DefaultClient has none.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: t}
}

// NewRestClient validates baseURL (http or https) and returns a client
// rooted at it.
func NewRestClient(baseURL string, opts ...RestOption) (*RestClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ConfigError{Field: "rest base url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigError{Field: "rest base url", Reason: "scheme must be http or https, got " + strconv.Quote(u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ConfigError{Field: "rest base url", Reason: "missing host"}
	}

	r := &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewHTTPClient(DefaultHTTPTimeout),
		maxBody: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxBody <= 0 {
		return nil, &ConfigError{Field: "max body size", Reason: "must be positive"}
	}
	return r, nil
}

// FetchUpdates returns the raw indexer candles for symbol/interval in
// [start, end), both Unix seconds, in the order the server sent them.
func (r *RestClient) FetchUpdates(ctx context.Context, symbol string, start, end int64, iv string) ([]candle.Update, error) {
	const op = "fetch candles"

	if symbol == "" {
		return nil, &FetchError{Op: op, Message: "empty symbol", Err: ErrInvalidRequest}
	}
	if start >= end {
		return nil, &FetchError{Op: op, Message: "start_time must be before end_time", Err: ErrInvalidRequest}
	}
	if !interval.IsValid(iv) {
		return nil, &FetchError{Op: op, Message: "unsupported interval " + strconv.Quote(iv), Err: ErrInvalidRequest}
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("start_time", strconv.FormatInt(start, 10))
	q.Set("end_time", strconv.FormatInt(end, 10))
	q.Set("interval", iv)

	body, err := r.get(ctx, op, candlesPath, q)
	if err != nil {
		return nil, err
	}

	// The indexer answers some bad requests with 200 and {"error": "..."}.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &apiErr); err == nil && apiErr.Error != "" {
			return nil, &FetchError{Op: op, Message: apiErr.Error}
		}
		return nil, &FetchError{Op: op, Err: newParseError(body, errors.New("expected a JSON array"))}
	}

	var updates []candle.Update
	if err := json.Unmarshal(body, &updates); err != nil {
		return nil, &FetchError{Op: op, Err: newParseError(body, err)}
	}
	return updates, nil
}

// FetchCandles returns the backfill window for symbol/interval as bars
// sorted ascending by time with duplicate buckets removed (the later row
// wins). An empty result is not an error.
func (r *RestClient) FetchCandles(ctx context.Context, symbol string, start, end int64, iv string) ([]candle.Candle, error) {
	updates, err := r.FetchUpdates(ctx, symbol, start, end, iv)
	if err != nil {
		return nil, err
	}

	out := make([]candle.Candle, 0, len(updates))
	for i, u := range updates {
		c, err := u.Candle()
		if err != nil {
			return nil, &FetchError{Op: "fetch candles", Err: errors.Wrapf(err, "candle[%d]", i)}
		}
		out = append(out, c)
	}
	return normalize(out), nil
}

// FetchOrderbook returns the indexer's current book snapshot.
func (r *RestClient) FetchOrderbook(ctx context.Context) (*orderbook.Snapshot, error) {
	const op = "fetch orderbook"

	body, err := r.get(ctx, op, orderbookPath, nil)
	if err != nil {
		return nil, err
	}
	var s orderbook.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, &FetchError{Op: op, Err: newParseError(body, err)}
	}
	return &s, nil
}

// HealthCheck reports whether the indexer answers /health with a 2xx.
// It never returns an error.
func (r *RestClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (r *RestClient) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	u := r.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: errors.Wrap(err, "build request")}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, Err: errors.Wrap(err, "http get")}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return nil, &FetchError{Op: op, Err: errors.Wrap(err, "read body")}
	}
	if int64(len(body)) > r.maxBody {
		return nil, &FetchError{Op: op, Err: errors.Errorf("response body exceeds %d bytes", r.maxBody)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// normalize sorts bars ascending and keeps the last bar seen for each time.
func normalize(cs []candle.Candle) []candle.Candle {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Time < cs[j].Time })
	out := cs[:0]
	for _, c := range cs {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
