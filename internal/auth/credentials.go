package auth

import (
	"context"
	"sync"
	"time"
)

// refreshMargin is how long before expiry a cached token is reissued.
const refreshMargin = time.Minute

// TokenCredentials attaches a service token to every outgoing call. It
// implements credentials.PerRPCCredentials.
type TokenCredentials struct {
	tokens       *TokenManager
	microservice string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCredentials creates per-RPC credentials for the given calling microservice.
func NewTokenCredentials(tokens *TokenManager, microservice string) *TokenCredentials {
	return &TokenCredentials{tokens: tokens, microservice: microservice}
}

// GetRequestMetadata returns the authorization header, issuing a new token
// when the cached one is close to expiry.
func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || c.tokens.now().Add(refreshMargin).After(c.expiresAt) {
		token, expiresAt, err := c.tokens.IssueToken(c.microservice, "")
		if err != nil {
			return nil, err
		}
		c.token = token
		c.expiresAt = expiresAt
	}

	return map[string]string{AuthorizationKey: bearerPrefix + c.token}, nil
}

// RequireTransportSecurity returns false; channels between microservices
// may run without TLS inside the cluster network.
func (c *TokenCredentials) RequireTransportSecurity() bool {
	return false
}
