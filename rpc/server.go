// Package rpc serves the reconciled series and projected books to
// downstream consumers over gRPC.
package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/model/orderbook"
	"github.com/yitech/marketfeed/pkg/logger"
)

// Source is what the server reads from. *feed.Session implements it.
type Source interface {
	Aggregator() *aggregator.Aggregator
	Book() *aggregator.Book
	Connected() bool
}

// Server implements MarketFeedServer on top of a Source.
type Server struct {
	source Source
	log    *logger.Logger
	health *Health
	grpc   *grpc.Server

	done     chan struct{}
	stopOnce sync.Once
}

var _ MarketFeedServer = (*Server)(nil)

// NewServer builds a grpc.Server with the MarketFeed and health services
// registered.
func NewServer(src Source, l *logger.Logger, opts ...grpc.ServerOption) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{
		source: src,
		log:    l,
		health: NewHealth(),
		grpc:   grpc.NewServer(opts...),
		done:   make(chan struct{}),
	}
	RegisterMarketFeedServer(s.grpc, s)
	s.health.Register(s.grpc)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", logger.NewField("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// WatchHealth mirrors the upstream connection state into the health
// service every tick, until ctx is done or the server stops.
func (s *Server) WatchHealth(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.syncHealth()
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
	}
}

func (s *Server) syncHealth() {
	serving := s.source.Connected()
	if s.health.Set(serving) {
		s.log.Info("health changed", logger.NewField("serving", serving))
	}
}

// Stop ends open streams and drains the server. When ctx expires first,
// remaining connections are closed hard.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.done)
		s.health.Shutdown()
	})

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}
}

func (s *Server) StreamCandles(req *CandleRequest, stream grpc.ServerStreamingServer[aggregator.Frame]) error {
	if req.Symbol == "" {
		return status.Error(codes.InvalidArgument, "symbol is required")
	}
	if !interval.IsValid(req.Interval) {
		return status.Errorf(codes.InvalidArgument, "unsupported interval %q", req.Interval)
	}

	box := newMailbox[aggregator.Frame]()
	tok, err := s.source.Aggregator().Subscribe(req.Symbol, req.Interval, box.put)
	if err != nil {
		return subscribeStatus(err)
	}
	defer tok.Unsubscribe()

	log := s.log.WithFields(logger.NewField("symbol", req.Symbol), logger.NewField("interval", req.Interval))
	log.Debug("candle stream opened")
	err = pump(stream.Context(), s.done, box, stream.Send)
	log.Debug("candle stream closed", logger.NewField("error", err))
	return err
}

func (s *Server) StreamOrderbook(req *OrderbookRequest, stream grpc.ServerStreamingServer[orderbook.View]) error {
	if req.Symbol == "" {
		return status.Error(codes.InvalidArgument, "symbol is required")
	}

	box := newMailbox[orderbook.View]()
	tok, err := s.source.Book().Subscribe(req.Symbol, box.put)
	if err != nil {
		return subscribeStatus(err)
	}
	defer tok.Unsubscribe()

	log := s.log.WithFields(logger.NewField("symbol", req.Symbol))
	log.Debug("orderbook stream opened")
	err = pump(stream.Context(), s.done, box, stream.Send)
	log.Debug("orderbook stream closed", logger.NewField("error", err))
	return err
}

func pump[T any](ctx context.Context, done <-chan struct{}, box *mailbox[T], send func(*T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return status.Error(codes.Unavailable, "server stopping")
		case <-box.ready:
			v, ok := box.take()
			if !ok {
				continue
			}
			if err := send(&v); err != nil {
				return err
			}
		}
	}
}

func subscribeStatus(err error) error {
	if errors.Is(err, aggregator.ErrClosed) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.NotFound, err.Error())
}
