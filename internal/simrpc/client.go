package simrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client talks to one simulator engine over gRPC
type Client struct {
	cc  *grpc.ClientConn
	log zerolog.Logger
}

// NewClient connects to a simulator at target (host:port). The connection is
// lazy; the first call establishes it.
func NewClient(target string, log zerolog.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to simulator at %s: %w", target, err)
	}

	return &Client{
		cc:  cc,
		log: log.With().Str("client", "simulator").Str("target", target).Logger(),
	}, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.cc.Close()
}

// Heartbeat resets the simulator's TTL timer
func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, MethodHeartbeat, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitOrder submits one order
func (c *Client) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error) {
	resp := new(SubmitOrderResponse)
	if err := c.cc.Invoke(ctx, MethodSubmitOrder, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelOrder cancels an order by id
func (c *Client) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	resp := new(CancelOrderResponse)
	if err := c.cc.Invoke(ctx, MethodCancelOrder, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitConviction runs a conviction batch through the simulator's pipeline
func (c *Client) SubmitConviction(ctx context.Context, req *SubmitConvictionRequest) (*SubmitConvictionResponse, error) {
	resp := new(SubmitConvictionResponse)
	if err := c.cc.Invoke(ctx, MethodSubmitConviction, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

var streamExchangeDataDesc = grpc.StreamDesc{
	StreamName:    "StreamExchangeData",
	ServerStreams: true,
}

// StreamExchangeData opens the exchange data stream. Frames arrive on the
// returned update channel; when the stream ends, the terminal error (io.EOF
// on a clean close) is sent on the error channel and both channels are
// closed. Cancel ctx to stop the stream.
func (c *Client) StreamExchangeData(ctx context.Context, symbols []string) (<-chan *ExchangeDataUpdate, <-chan error, error) {
	stream, err := c.cc.NewStream(ctx, &streamExchangeDataDesc, MethodStreamExchangeData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open exchange data stream: %w", err)
	}
	if err := stream.SendMsg(&StreamRequest{Symbols: symbols}); err != nil {
		return nil, nil, fmt.Errorf("failed to send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fmt.Errorf("failed to close send side: %w", err)
	}

	updates := make(chan *ExchangeDataUpdate, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(updates)
		defer close(errc)
		for {
			update := new(ExchangeDataUpdate)
			if err := stream.RecvMsg(update); err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Debug().Err(err).Msg("Exchange data stream ended")
				}
				errc <- err
				return
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return updates, errc, nil
}
