package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/orderbook"
)

// Client is a MarketFeed consumer.
type Client struct {
	conn   *grpc.ClientConn
	feed   MarketFeedClient
	health healthpb.HealthClient
}

// Dial creates a client for target. The connection is plaintext unless opts
// say otherwise; it is established lazily on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:   conn,
		feed:   NewMarketFeedClient(conn),
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Candles calls fn with every frame of symbol/interval until the stream
// ends. A clean end of stream returns nil.
func (c *Client) Candles(ctx context.Context, symbol, interval string, fn func(aggregator.Frame)) error {
	stream, err := c.feed.StreamCandles(ctx, &CandleRequest{Symbol: symbol, Interval: interval})
	if err != nil {
		return err
	}
	return recvAll(stream, fn)
}

// Orderbook calls fn with every view of symbol until the stream ends.
func (c *Client) Orderbook(ctx context.Context, symbol string, fn func(orderbook.View)) error {
	stream, err := c.feed.StreamOrderbook(ctx, &OrderbookRequest{Symbol: symbol})
	if err != nil {
		return err
	}
	return recvAll(stream, fn)
}

// Healthy asks the server whether its upstream stream is connected.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func recvAll[T any](stream grpc.ServerStreamingClient[T], fn func(T)) error {
	for {
		v, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(*v)
	}
}
