package registry

import (
	"context"
	"fmt"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
)

// VerificationCheck is what a policy sees when a stream requires verification.
type VerificationCheck struct {
	Subscriber model.Principal
	Stream     model.Stream
	Device     model.Device
}

// VerificationPolicy decides whether access to a stream that requires verification may
// proceed. A false result is reported to the caller as IOT_VERIFICATION_REQUIRED; an
// error aborts the request as an internal failure.
type VerificationPolicy interface {
	Allow(ctx context.Context, c VerificationCheck) (bool, error)
}

// AllowAll accepts every request.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, VerificationCheck) (bool, error) { return true, nil }

// VerifiedDevice accepts the request only if the stream's device has been verified.
type VerifiedDevice struct{}

func (VerifiedDevice) Allow(_ context.Context, c VerificationCheck) (bool, error) {
	return c.Device.Verified, nil
}

// Resolver reports whether a principal is a known identity.
type Resolver interface {
	Resolves(ctx context.Context, principal string) (bool, error)
}

// IdentityResolved accepts the request only if the subscriber resolves through the
// identity service.
type IdentityResolved struct {
	Resolver Resolver
}

func (p IdentityResolved) Allow(ctx context.Context, c VerificationCheck) (bool, error) {
	return p.Resolver.Resolves(ctx, string(c.Subscriber))
}

// Policy names accepted by ParsePolicy.
const (
	PolicyVerifiedDevice   = "verified-device"
	PolicyIdentityResolved = "identity"
	PolicyAllowAll         = "allow-all"
)

// ParsePolicy maps a configured policy name to a VerificationPolicy. The identity
// policy needs a non-nil resolver.
func ParsePolicy(name string, resolver Resolver) (VerificationPolicy, error) {
	switch name {
	case "", PolicyVerifiedDevice:
		return VerifiedDevice{}, nil
	case PolicyAllowAll:
		return AllowAll{}, nil
	case PolicyIdentityResolved:
		if resolver == nil {
			return nil, fmt.Errorf("verification policy %q requires an identity service", name)
		}
		return IdentityResolved{Resolver: resolver}, nil
	default:
		return nil, fmt.Errorf("unknown verification policy %q", name)
	}
}
