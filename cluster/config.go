package cluster

import (
	"time"

	"github.com/nyxcluster/nyx/node"
)

const (
	defaultHeartbeatIntervalMs    = 1000
	defaultHeartbeatMissThreshold = 3
	defaultConnectTimeoutMs       = 5000
	defaultMaxReconnectAttempts   = 5
	defaultBackoffBase            = 200 * time.Millisecond
	defaultBackoffMax             = 10 * time.Second
	defaultCallTimeoutMs          = 5000
)

// Config configures a Cluster at Start (spec.md §6 "Cluster: start(config)").
// It follows the teacher's functional-options shape (ProcessOptions,
// SupervisorSpec): a plain struct built up with With* options rather than a
// constructor taking a dozen positional parameters.
type Config struct {
	LocalNodeID node.ID
	Seeds       []node.ID

	Secret           string
	RequireSignature bool

	HeartbeatIntervalMs    int
	HeartbeatMissThreshold int

	ConnectTimeoutMs     int
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithSeeds sets the initial set of peers to connect to on Start.
func WithSeeds(seeds ...node.ID) Option {
	return func(c *Config) { c.Seeds = seeds }
}

// WithSecret sets the HMAC signing secret and whether inbound envelopes
// must carry a valid signature.
func WithSecret(secret string, requireSignature bool) Option {
	return func(c *Config) {
		c.Secret = secret
		c.RequireSignature = requireSignature
	}
}

// WithHeartbeat overrides the heartbeat interval and miss threshold used for
// failure detection (spec.md §4.10).
func WithHeartbeat(intervalMs, missThreshold int) Option {
	return func(c *Config) {
		c.HeartbeatIntervalMs = intervalMs
		c.HeartbeatMissThreshold = missThreshold
	}
}

// WithReconnect overrides connection-retry behavior (spec.md §4.8).
func WithReconnect(connectTimeoutMs, maxAttempts int, base, max time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeoutMs = connectTimeoutMs
		c.MaxReconnectAttempts = maxAttempts
		c.BackoffBase = base
		c.BackoffMax = max
	}
}

// NewConfig builds a Config for localID with defaults applied, then layers
// opts on top.
func NewConfig(localID node.ID, opts ...Option) Config {
	c := Config{
		LocalNodeID:            localID,
		HeartbeatIntervalMs:    defaultHeartbeatIntervalMs,
		HeartbeatMissThreshold: defaultHeartbeatMissThreshold,
		ConnectTimeoutMs:       defaultConnectTimeoutMs,
		MaxReconnectAttempts:   defaultMaxReconnectAttempts,
		BackoffBase:            defaultBackoffBase,
		BackoffMax:             defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate checks the config is usable, returning InvalidClusterConfigError
// on failure (spec.md §7).
func (c Config) Validate() error {
	if c.LocalNodeID.IsZero() {
		return &InvalidClusterConfigError{Reason: "localNodeId is required"}
	}
	if c.HeartbeatIntervalMs <= 0 {
		return &InvalidClusterConfigError{Reason: "heartbeatIntervalMs must be positive"}
	}
	if c.HeartbeatMissThreshold <= 0 {
		return &InvalidClusterConfigError{Reason: "heartbeatMissThreshold must be positive"}
	}
	for _, seed := range c.Seeds {
		if seed.Equal(c.LocalNodeID) {
			return &InvalidClusterConfigError{Reason: "seed list must not include the local node"}
		}
	}
	return nil
}

// failureWindow is the duration after which a silent peer is considered
// down (spec.md §4.10: heartbeatIntervalMs × heartbeatMissThreshold).
func (c Config) failureWindow() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs*c.HeartbeatMissThreshold) * time.Millisecond
}
