package config

import (
	"fmt"
	"time"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The address the client-facing sync API listens on.
	Listen string `yaml:"listen"`

	// Database for the sync stream server: events, memberships and stored filters.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// The longest a /sync request is allowed to wait for new data. Timeouts
	// requested by clients are capped to this.
	MaxSyncTimeout time.Duration `yaml:"max_sync_timeout"`

	// How long lazy-loaded membership events are remembered per device.
	LazyLoadCacheTTL time.Duration `yaml:"lazy_load_cache_ttl"`

	// The maximum number of timeline events returned per room, whatever
	// limit the client's filter asks for.
	MaxTimelineLimit int `yaml:"max_timeline_limit"`

	// Rate-limiting options for /sync and the filter endpoints.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Listen = ":8008"
	c.MaxSyncTimeout = time.Minute
	c.LazyLoadCacheTTL = 30 * time.Minute
	c.MaxTimelineLimit = 100
	c.RateLimiting.Defaults()
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:syncapi.db"
		}
	}
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "sync_api.listen", c.Listen)
	checkPositive(configErrs, "sync_api.max_sync_timeout", int64(c.MaxSyncTimeout))
	checkPositive(configErrs, "sync_api.lazy_load_cache_ttl", int64(c.LazyLoadCacheTTL))
	if c.MaxTimelineLimit <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "sync_api.max_timeline_limit", c.MaxTimelineLimit))
	}
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database.connection_string", string(c.Database.ConnectionString))
	}
	c.RateLimiting.Verify(configErrs)
}

// DatabaseOptions returns the sync API's own database options, or the global
// ones when none were given.
func (c *SyncAPI) DatabaseOptions() *DatabaseOptions {
	if c.Database.ConnectionString == "" && c.Matrix != nil {
		return &c.Matrix.DatabaseOptions
	}
	return &c.Database
}
