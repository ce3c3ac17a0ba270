package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v2"
)

func TestRateLimitingVerifyPerEndpointOverrides(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:   true,
		Threshold: 5,
		CooloffMS: 500,
		PerEndpointOverrides: map[string]RateLimitEndpointOverride{
			"sync": {
				Threshold: -1,
				CooloffMS: 100,
			},
		},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)

	assert.Contains(t, configErrs, `sync_api.rate_limiting.per_endpoint_overrides.sync: both 'threshold' and 'cooloff_ms' must be positive`)
}

func TestRateLimitingPerEndpointOverrideYAML(t *testing.T) {
	input := `
enabled: true
threshold: 5
cooloff_ms: 500
per_endpoint_overrides:
  sync:
    threshold: 10
    cooloff_ms: 1000
`

	var rateLimiting RateLimiting
	err := yaml.Unmarshal([]byte(input), &rateLimiting)
	assert.NoError(t, err)

	override, ok := rateLimiting.PerEndpointOverrides["sync"]
	assert.True(t, ok)
	assert.Equal(t, int64(10), override.Threshold)
	assert.Equal(t, int64(1000), override.CooloffMS)
}

func TestRateLimitingVerifyUnknownRoute(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:   true,
		Threshold: 5,
		CooloffMS: 500,
		PerEndpointOverrides: map[string]RateLimitEndpointOverride{
			"/_matrix/client/v3/sync": {Threshold: 10, CooloffMS: 1000},
			"put_filter":              {Threshold: 2, CooloffMS: 1000},
		},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)

	assert.Equal(t, ConfigErrors{
		`sync_api.rate_limiting.per_endpoint_overrides: unknown route "/_matrix/client/v3/sync", expected one of sync, put_filter, get_filter`,
	}, configErrs)
}

func TestRateLimitingVerifyExemptIPAddresses(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:           true,
		Threshold:         5,
		CooloffMS:         500,
		ExemptIPAddresses: []string{"127.0.0.1", "192.168.1.0/24"},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)

	assert.Empty(t, configErrs)
}

func TestRateLimitingVerifyExemptIPAddressesInvalid(t *testing.T) {
	rateLimiting := RateLimiting{
		Enabled:           true,
		Threshold:         5,
		CooloffMS:         500,
		ExemptIPAddresses: []string{"not-an-ip"},
	}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)

	assert.Contains(t, configErrs, `invalid IP address or CIDR for config key "sync_api.rate_limiting.exempt_ip_addresses": not-an-ip`)
}

func TestRateLimitingDisabledSkipsVerify(t *testing.T) {
	rateLimiting := RateLimiting{Enabled: false, Threshold: -5}

	var configErrs ConfigErrors
	rateLimiting.Verify(&configErrs)

	assert.Empty(t, configErrs)
}
