// Package grpcapi guards the gRPC listener with the same rate limiter and
// access-token rules as the HTTP surface.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/ratelimit"
)

// rateLimitRoute routes every gRPC call into the api category.
const rateLimitRoute = "/grpc"

var defaultPublicMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// Guard holds the admission collaborators of the gRPC chain.
type Guard struct {
	codec   *auth.Codec
	limiter *ratelimit.Limiter
	public  map[string]bool
	logger  *zap.Logger
}

// GuardOption configures Guard.
type GuardOption func(*Guard)

// WithPublicMethods exempts full method names from token verification.
func WithPublicMethods(methods ...string) GuardOption {
	return func(g *Guard) {
		for _, m := range methods {
			g.public[m] = true
		}
	}
}

// WithLogger sets the guard logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuard constructs Guard. A nil limiter disables rate limiting.
func NewGuard(codec *auth.Codec, limiter *ratelimit.Limiter, opts ...GuardOption) (*Guard, error) {
	if codec == nil {
		return nil, errors.New("grpcapi: token codec is required")
	}
	g := &Guard{
		codec:   codec,
		limiter: limiter,
		public:  make(map[string]bool, len(defaultPublicMethods)),
		logger:  zap.NewNop(),
	}
	for _, m := range defaultPublicMethods {
		g.public[m] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Unary is the unary server interceptor.
func (g *Guard) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream is the stream server interceptor.
func (g *Guard) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func (g *Guard) admit(ctx context.Context, method string) (context.Context, error) {
	if g.limiter != nil {
		res, err := g.limiter.Check(ctx, peerIP(ctx), rateLimitRoute)
		if err != nil {
			g.logger.Error("grpc rate limit check failed", zap.String("method", method), zap.Error(err))
			return nil, status.Error(codes.Internal, "internal error")
		}
		if !res.Allowed {
			_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.FormatInt(res.ResetInSeconds(), 10)))
			return nil, status.Error(codes.ResourceExhausted, "too many requests")
		}
	}
	if g.public[method] {
		return ctx, nil
	}

	token := bearerFromMetadata(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	payload, err := g.codec.Verify(token, auth.KindAccess)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "access token expired")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid access token")
	}
	ctx = auth.ContextWithIdentity(ctx, auth.Identity{UserID: payload.Subject, Email: payload.Identity})
	return auth.ContextWithToken(ctx, token), nil
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		parts := strings.SplitN(strings.TrimSpace(v), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
