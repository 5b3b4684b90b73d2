package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/orderbook"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "marketfeed.v1.MarketFeed"

const (
	streamCandlesMethod   = "/" + ServiceName + "/StreamCandles"
	streamOrderbookMethod = "/" + ServiceName + "/StreamOrderbook"
)

// CandleRequest selects one series.
type CandleRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// OrderbookRequest selects one book.
type OrderbookRequest struct {
	Symbol string `json:"symbol"`
}

// MarketFeedServer is the server API for the MarketFeed service.
type MarketFeedServer interface {
	// StreamCandles sends the current series, then the full series again
	// after every change.
	StreamCandles(*CandleRequest, grpc.ServerStreamingServer[aggregator.Frame]) error
	// StreamOrderbook sends the projected book after every snapshot.
	StreamOrderbook(*OrderbookRequest, grpc.ServerStreamingServer[orderbook.View]) error
}

// MarketFeedClient is the client API for the MarketFeed service.
type MarketFeedClient interface {
	StreamCandles(ctx context.Context, in *CandleRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[aggregator.Frame], error)
	StreamOrderbook(ctx context.Context, in *OrderbookRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[orderbook.View], error)
}

// MarketFeedServiceDesc describes the service for grpc.Server.RegisterService.
var MarketFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamCandles",
			Handler:       streamCandlesHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamOrderbook",
			Handler:       streamOrderbookHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marketfeed/v1/marketfeed",
}

// RegisterMarketFeedServer registers srv on s.
func RegisterMarketFeedServer(s grpc.ServiceRegistrar, srv MarketFeedServer) {
	s.RegisterService(&MarketFeedServiceDesc, srv)
}

func streamCandlesHandler(srv any, stream grpc.ServerStream) error {
	m := new(CandleRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(MarketFeedServer).StreamCandles(m, &grpc.GenericServerStream[CandleRequest, aggregator.Frame]{ServerStream: stream})
}

func streamOrderbookHandler(srv any, stream grpc.ServerStream) error {
	m := new(OrderbookRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(MarketFeedServer).StreamOrderbook(m, &grpc.GenericServerStream[OrderbookRequest, orderbook.View]{ServerStream: stream})
}

type marketFeedClient struct {
	cc grpc.ClientConnInterface
}

// NewMarketFeedClient returns stubs over cc. Every call negotiates the json
// codec.
func NewMarketFeedClient(cc grpc.ClientConnInterface) MarketFeedClient {
	return &marketFeedClient{cc: cc}
}

func (c *marketFeedClient) StreamCandles(ctx context.Context, in *CandleRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[aggregator.Frame], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &MarketFeedServiceDesc.Streams[0], streamCandlesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[CandleRequest, aggregator.Frame]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *marketFeedClient) StreamOrderbook(ctx context.Context, in *OrderbookRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[orderbook.View], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &MarketFeedServiceDesc.Streams[1], streamOrderbookMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[OrderbookRequest, orderbook.View]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
