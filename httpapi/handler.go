// Package httpapi serves point-in-time snapshots of the feed over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/model/orderbook"
)

// SeriesReader returns the current series of a key.
type SeriesReader interface {
	Snapshot(symbol, interval string) (aggregator.Frame, bool)
}

// BookReader returns the current projected book of a symbol.
type BookReader interface {
	View(symbol string) (orderbook.View, bool)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

type Handler struct {
	series    SeriesReader
	book      BookReader
	connected func() bool
}

// NewHandler builds a Handler. connected reports the upstream stream state.
func NewHandler(series SeriesReader, book BookReader, connected func() bool) *Handler {
	return &Handler{series: series, book: book, connected: connected}
}

// Health answers 200 while the upstream stream is connected and 503
// otherwise.
//
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if !h.connected() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Connected: true})
}

// Series returns the reconciled series of one key. The interval may be given
// as a chart resolution instead ("60", "D").
//
// GET /api/series?symbol=ETH/USDC&interval=1m
// GET /api/series?symbol=ETH/USDC&resolution=60
func (h *Handler) Series(c *gin.Context) {
	symbol := c.Query("symbol")
	iv := c.Query("interval")
	if iv == "" {
		if res := c.Query("resolution"); res != "" {
			iv = interval.FromResolution(res).Name
		}
	}
	if symbol == "" || iv == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "symbol and interval are required"})
		return
	}
	if !interval.IsValid(iv) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported interval " + iv})
		return
	}

	f, ok := h.series.Snapshot(symbol, iv)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no series for " + symbol + " " + iv})
		return
	}
	c.JSON(http.StatusOK, f)
}

// Orderbook returns the latest projected book.
//
// GET /api/orderbook?symbol=ETH/USDC
func (h *Handler) Orderbook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "symbol is required"})
		return
	}
	v, ok := h.book.View(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no orderbook for " + symbol})
		return
	}
	c.JSON(http.StatusOK, v)
}
