package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

const (
	// AuthorizationKey is the metadata key carrying the bearer token.
	AuthorizationKey = "authorization"

	bearerPrefix = "Bearer "
)

// DefaultPublicMethods can be called without a token.
var DefaultPublicMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
}

type claimsKey struct{}

// ContextWithClaims returns a context carrying the caller's claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the authentication interceptor.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Authenticator validates the bearer token of incoming calls.
type Authenticator struct {
	tokens        *TokenManager
	publicMethods map[string]bool
	logger        *logging.Logger
}

// NewAuthenticator creates an authenticator. Methods listed in publicMethods
// are let through without a token; nil means DefaultPublicMethods.
func NewAuthenticator(tokens *TokenManager, publicMethods []string) *Authenticator {
	if publicMethods == nil {
		publicMethods = DefaultPublicMethods
	}
	public := make(map[string]bool, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = true
	}
	return &Authenticator{
		tokens:        tokens,
		publicMethods: public,
		logger:        logging.GetLogger("auth"),
	}
}

// authenticate returns a context carrying the caller's claims, or a gRPC
// Unauthenticated status.
func (a *Authenticator) authenticate(ctx context.Context, method string) (context.Context, error) {
	if a.publicMethods[method] {
		return ctx, nil
	}

	token, err := bearerToken(ctx)
	if err != nil {
		a.logger.WithContext(ctx).Debug("Rejected %s: %v", method, err)
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		a.logger.WithContext(ctx).WarnWithFields("Token validation failed",
			logging.Field("method", method),
			logging.Field("error", err.Error()))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	return ContextWithClaims(ctx, claims), nil
}

func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}
	values := md.Get(AuthorizationKey)
	if len(values) == 0 {
		return "", errors.New("missing authorization token")
	}
	if !strings.HasPrefix(values[0], bearerPrefix) {
		return "", errors.New("authorization is not a bearer token")
	}
	return strings.TrimPrefix(values[0], bearerPrefix), nil
}

// UnaryServerInterceptor rejects unauthenticated unary calls.
func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		authCtx, err := a.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamServerInterceptor rejects unauthenticated streams.
func (a *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authCtx, err := a.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: authCtx})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}
