// Package tenancy resolves which tenant an HTTP request belongs to and carries
// the tenant id through the request context. It supports a single-tenant mode,
// where the id comes from configuration, and a multitenant mode, where it is
// derived from the X-Forwarded-Host header.
package tenancy

// TenancyMode controls how tenant context is resolved.
type TenancyMode string

const (
	// ModeSingle serves one tenant whose id is fixed in configuration.
	ModeSingle TenancyMode = "single"
	// ModeMulti derives the tenant from each request's forwarded host.
	ModeMulti TenancyMode = "multitenant"
)

// ModeFor returns ModeMulti when multitenant is set and ModeSingle otherwise.
func ModeFor(multitenant bool) TenancyMode {
	if multitenant {
		return ModeMulti
	}
	return ModeSingle
}
