package tenancy

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// ForwardedHostHeader is the header the edge proxy sets to the tenant's host.
const ForwardedHostHeader = "X-Forwarded-Host"

var (
	// ErrMissingHost is returned when a multitenant request has no forwarded host.
	ErrMissingHost = errors.New("X-Forwarded-Host header is required in multitenant mode")
	// ErrHostMismatch is returned when the forwarded host does not match the
	// configured pattern.
	ErrHostMismatch = errors.New("X-Forwarded-Host does not match the tenant host pattern")
)

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// SingleTenantResolver always returns the configured tenant id.
type SingleTenantResolver struct {
	TenantID string
}

// Resolve returns s.TenantID regardless of the request.
func (s SingleTenantResolver) Resolve(_ *http.Request) (TenantContext, error) {
	return TenantContext{TenantID: s.TenantID}, nil
}

// HostTenantResolver extracts the tenant id from the X-Forwarded-Host header
// using a pattern whose first capture group is the id, e.g.
// `^([a-z]{20})\.storage\.example\.com$`.
type HostTenantResolver struct {
	Pattern *regexp.Regexp
}

// NewHostTenantResolver compiles pattern and checks it has a capture group.
func NewHostTenantResolver(pattern string) (HostTenantResolver, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return HostTenantResolver{}, fmt.Errorf("invalid tenant host pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return HostTenantResolver{}, fmt.Errorf("tenant host pattern %q must have a capture group for the tenant id", pattern)
	}
	return HostTenantResolver{Pattern: re}, nil
}

// Resolve matches the forwarded host against h.Pattern.
func (h HostTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	host := r.Header.Get(ForwardedHostHeader)
	if host == "" {
		return TenantContext{}, ErrMissingHost
	}
	m := h.Pattern.FindStringSubmatch(host)
	if len(m) < 2 || m[1] == "" {
		return TenantContext{}, fmt.Errorf("%w: %q", ErrHostMismatch, host)
	}
	return TenantContext{TenantID: m[1]}, nil
}

// NewResolver returns the resolver for mode. In ModeMulti hostPattern is
// required; in ModeSingle tenantID is used as-is.
func NewResolver(mode TenancyMode, tenantID, hostPattern string) (TenantResolver, error) {
	switch mode {
	case ModeMulti:
		if hostPattern == "" {
			return nil, errors.New("a tenant host pattern is required in multitenant mode")
		}
		return NewHostTenantResolver(hostPattern)
	case ModeSingle, "":
		return SingleTenantResolver{TenantID: tenantID}, nil
	default:
		return nil, fmt.Errorf("unknown tenancy mode %q", mode)
	}
}
