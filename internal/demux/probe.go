package demux

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-version"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aiyumi19960310/sitewhere/internal/grpcserver"
)

// Probe performs one cheap, idempotent reachability check against a remote API.
type Probe interface {
	Probe(ctx context.Context, conn grpc.ClientConnInterface) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, conn grpc.ClientConnInterface) error

func (f ProbeFunc) Probe(ctx context.Context, conn grpc.ClientConnInterface) error {
	return f(ctx, conn)
}

// IdentityProbe calls the identity service and checks that the remote end is
// the expected microservice at an acceptable version.
type IdentityProbe struct {
	Expected   string
	MinVersion *version.Version
}

// NewIdentityProbe creates an identity probe. minVersion may be empty.
func NewIdentityProbe(expected, minVersion string) (*IdentityProbe, error) {
	p := &IdentityProbe{Expected: expected}
	if minVersion != "" {
		v, err := version.NewVersion(minVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum version %q: %w", minVersion, err)
		}
		p.MinVersion = v
	}
	return p, nil
}

func (p *IdentityProbe) Probe(ctx context.Context, conn grpc.ClientConnInterface) error {
	identity, err := grpcserver.GetIdentity(ctx, conn)
	if err != nil {
		return err
	}
	if identity.Identifier != p.Expected {
		return Permanent(fmt.Errorf("expected microservice %s, found %s", p.Expected, identity.Identifier))
	}
	if p.MinVersion == nil {
		return nil
	}
	v, err := version.NewVersion(identity.Version)
	if err != nil {
		return Permanent(fmt.Errorf("microservice %s reports invalid version %q: %w", identity.Identifier, identity.Version, err))
	}
	if v.LessThan(p.MinVersion) {
		return Permanent(fmt.Errorf("microservice %s version %s is below minimum required version %s",
			identity.Identifier, v, p.MinVersion))
	}
	return nil
}

var errNotServing = errors.New("remote reports NOT_SERVING")

// HealthProbe uses the standard gRPC health protocol.
type HealthProbe struct {
	Service string
}

func (p *HealthProbe) Probe(ctx context.Context, conn grpc.ClientConnInterface) error {
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}
