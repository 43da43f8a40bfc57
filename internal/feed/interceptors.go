package feed

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
)

const (
	subscriptionIDMetadataKey = "x-subscription-id"
	tracerName                = "github.com/signalsfoundry/satellite-telemetry/internal/feed"
)

// ServerOptions returns the interceptor and stats-handler chain used by the
// feed server. collector may be nil.
func ServerOptions(log logging.Logger, collector *observability.PipelineCollector) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainStreamInterceptor(
			SubscriptionIDStreamServerInterceptor(log),
			collector.StreamServerInterceptor(),
			TracingStreamServerInterceptor(),
		),
	}
}

// SubscriptionIDStreamServerInterceptor ensures a subscription_id is present
// on the stream context, sourcing it from inbound metadata if provided, and
// attaches a per-stream logger annotated with subscription_id and method.
func SubscriptionIDStreamServerInterceptor(base logging.Logger) grpc.StreamServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, subscriptionIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithSubscriptionID(ctx, incoming)
			}
		}

		ctx, streamLog := logging.WithSubscriptionLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, streamLog)

		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

// TracingStreamServerInterceptor enriches stream spans with standard
// attributes and ensures a server span exists when the stats handler is not
// configured.
func TracingStreamServerInterceptor() grpc.StreamServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		service, method := observability.SplitMethod(info.FullMethod)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, fmt.Sprintf("Feed/%s/%s", service, method), trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(fmt.Sprintf("Feed/%s/%s", service, method))
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if id := logging.SubscriptionIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("subscription_id", id))
		}
		span.SetAttributes(attrs...)

		err := handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return err
	}
}

// WithSubscriptionID returns a context that sends id to the feed server.
func WithSubscriptionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, subscriptionIDMetadataKey, id)
}

type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
