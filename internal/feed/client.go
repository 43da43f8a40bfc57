package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// Client consumes a snapshot feed. It implements source.Source; each
// registration is one server stream.
type Client struct {
	conn  grpc.ClientConnInterface
	log   logging.Logger
	close func() error
}

var _ source.Source = (*Client)(nil)

// Dial connects to a feed server at target over plaintext gRPC. Extra dial
// options are appended.
func Dial(target string, log logging.Logger, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial feed %q: %w", target, err)
	}
	c := NewClient(conn, log)
	c.close = conn.Close
	return c, nil
}

// NewClient wraps an existing connection. Close does not close conn.
func NewClient(conn grpc.ClientConnInterface, log logging.Logger) *Client {
	if log == nil {
		log = logging.Noop()
	}
	return &Client{conn: conn, log: log}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// SubscribeLatest implements source.Source.
func (c *Client) SubscribeLatest(ctx context.Context, path string, onValue func(any), onErr func(error)) (func(), error) {
	return c.open(ctx, 0, WatchLatestMethod, path, func() proto.Message { return new(structpb.Value) },
		func(msg proto.Message) { onValue(msg.(*structpb.Value).AsInterface()) }, onErr)
}

// SubscribeAll implements source.Source.
func (c *Client) SubscribeAll(ctx context.Context, path string, onEntries func([]source.Entry), onErr func(error)) (func(), error) {
	return c.open(ctx, 1, WatchAllMethod, path, func() proto.Message { return new(structpb.ListValue) },
		func(msg proto.Message) { onEntries(FromEntries(msg.(*structpb.ListValue))) }, onErr)
}

func (c *Client) open(
	ctx context.Context,
	streamIdx int,
	method, path string,
	newMsg func() proto.Message,
	deliver func(proto.Message),
	onErr func(error),
) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := logging.SubscriptionIDFromContext(ctx); id != "" {
		ctx = WithSubscriptionID(ctx, id)
	}
	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := c.conn.NewStream(streamCtx, &ServiceDesc.Streams[streamIdx], method)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", method, err)
	}
	if err := stream.SendMsg(wrapperspb.String(path)); err != nil {
		cancel()
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("close %s send: %w", method, err)
	}

	guard := source.NewGuard(cancel)
	guard.Bind(ctx)
	log := c.log.With(logging.String("method", method), logging.String("path", path))

	go func() {
		for {
			msg := newMsg()
			if err := stream.RecvMsg(msg); err != nil {
				if guard.Done() || ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					err = ErrStreamEnded
				}
				log.Debug(ctx, "feed stream failed", logging.Err(err))
				guard.Fail(onErr, err)
				return
			}
			guard.Do(func() { deliver(msg) })
		}
	}()
	return guard.Cancel, nil
}
