package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many requests a device can make to one route in a burst before
	// it is rate limited
	Threshold int64 `yaml:"threshold"`

	// How long in milliseconds it takes for a fully used allowance to
	// refill
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run bots that sync aggressively.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for
	// specific routes, keyed by route name (see RateLimitedRoutes).
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

// RateLimitedRoutes names the routes that per_endpoint_overrides can refer to.
var RateLimitedRoutes = []string{"sync", "put_filter", "get_filter"}

func (r *RateLimiting) Defaults() {
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"sync_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	}

	for name, override := range r.PerEndpointOverrides {
		if !slices.Contains(RateLimitedRoutes, name) {
			configErrs.Add(fmt.Sprintf(
				"sync_api.rate_limiting.per_endpoint_overrides: unknown route %q, expected one of %s",
				name, strings.Join(RateLimitedRoutes, ", "),
			))
			continue
		}
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("sync_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		}
	}

	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "sync_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}
