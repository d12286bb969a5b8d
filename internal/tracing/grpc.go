package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const instrumentationName = "github.com/aiyumi19960310/sitewhere/internal/tracing"

// metadataCarrier adapts gRPC metadata to propagation.TextMapCarrier.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// rpcAttributes splits "/package.Service/Method" into semantic convention attributes.
func rpcAttributes(fullMethod string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.RPCSystemGRPC}
	name := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		attrs = append(attrs, semconv.RPCService(name[:i]), semconv.RPCMethod(name[i+1:]))
	}
	return attrs
}

func finishSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(code)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, status.Convert(err).Message())
	}
	span.End()
}

func startServerSpan(ctx context.Context, tp trace.TracerProvider, fullMethod string) (context.Context, trace.Span) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		ctx = Propagator.Extract(ctx, metadataCarrier(md))
	}
	return tp.Tracer(instrumentationName).Start(ctx, strings.TrimPrefix(fullMethod, "/"),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(rpcAttributes(fullMethod)...),
	)
}

// UnaryServerInterceptor wraps each unary call in a server span continuing
// the caller's trace.
func UnaryServerInterceptor(tp trace.TracerProvider) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startServerSpan(ctx, tp, info.FullMethod)
		resp, err := handler(ctx, req)
		finishSpan(span, err)
		return resp, err
	}
}

// StreamServerInterceptor wraps each stream in a server span.
func StreamServerInterceptor(tp trace.TracerProvider) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), tp, info.FullMethod)
		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		finishSpan(span, err)
		return err
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

// UnaryClientInterceptor starts a client span and injects its context into
// the outgoing metadata.
func UnaryClientInterceptor(tp trace.TracerProvider) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := tp.Tracer(instrumentationName).Start(ctx, strings.TrimPrefix(method, "/"),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(rpcAttributes(method)...),
		)

		md, ok := metadata.FromOutgoingContext(ctx)
		if ok {
			md = md.Copy()
		} else {
			md = metadata.MD{}
		}
		Propagator.Inject(ctx, metadataCarrier(md))
		ctx = metadata.NewOutgoingContext(ctx, md)

		err := invoker(ctx, method, req, reply, cc, opts...)
		finishSpan(span, err)
		return err
	}
}
