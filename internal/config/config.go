// Package config holds the tunables the embedding application passes to a
// dropshift instance at start-up, and normalizes them to sane defaults the
// way the teacher's ChunkerConfig.normalize() clamps chunk sizes.
package config

import "time"

// Config is the session-wide configuration (spec.md §6).
type Config struct {
	DirDepthLimit                int    `json:"dir_depth_limit"`
	TransferFileLimit            int    `json:"transfer_file_limit"`
	ConnectionMaxRetryIntervalMs int64  `json:"connection_max_retry_interval_ms"`
	ConnectionRetries            int    `json:"connection_retries"`
	TransferIdleLifetimeMs       int64  `json:"transfer_idle_lifetime_ms"`
	StoragePath                  string `json:"storage_path"`
	MaxUploadsInFlight           int    `json:"max_uploads_in_flight"`
	MooseEventPath               string `json:"moose_event_path"`
	MooseProd                    bool   `json:"moose_prod"`
}

// Default listen port for the wire protocol (spec.md §6).
const DefaultListenPort = 49111

// Normalize fills in zero-valued fields with their documented defaults.
func (c *Config) Normalize() {
	if c.DirDepthLimit <= 0 {
		c.DirDepthLimit = 5
	}
	if c.TransferFileLimit <= 0 {
		c.TransferFileLimit = 1000
	}
	if c.ConnectionMaxRetryIntervalMs <= 0 {
		c.ConnectionMaxRetryIntervalMs = 10_000
	}
	if c.ConnectionRetries <= 0 {
		c.ConnectionRetries = 5
	}
	if c.TransferIdleLifetimeMs <= 0 {
		c.TransferIdleLifetimeMs = 60_000
	}
	if c.MaxUploadsInFlight <= 0 {
		c.MaxUploadsInFlight = 4
	}
	if c.StoragePath == "" {
		c.StoragePath = "dropshift.db"
	}
}

// TransferIdleLifetime is the idle timeout as a time.Duration.
func (c *Config) TransferIdleLifetime() time.Duration {
	return time.Duration(c.TransferIdleLifetimeMs) * time.Millisecond
}

// PingInterval is half the idle timeout (spec.md §4.A).
func (c *Config) PingInterval() time.Duration {
	return c.TransferIdleLifetime() / 2
}

// ConnectionMaxRetryInterval is the reconnect backoff cap, 1/10th of the
// configured maximum (spec.md §4.H: "capped at
// connection_max_retry_interval / 10").
func (c *Config) ConnectionMaxRetryInterval() time.Duration {
	full := time.Duration(c.ConnectionMaxRetryIntervalMs) * time.Millisecond
	return full / 10
}

// Validate reports whether the config's limits are usable.
func (c *Config) Validate() error {
	c.Normalize()
	return nil
}
