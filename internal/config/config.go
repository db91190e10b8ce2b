package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only configuration schema version understood.
const SupportedVersion = "1"

// Strategy names a peer selection strategy.
type Strategy string

const (
	// StrategyRoundRobin cycles through peers in order.
	StrategyRoundRobin      Strategy = "round_robin"
	// StrategyLeastUsed picks the peer with the fewest connections in flight.
	StrategyLeastUsed       Strategy = "least_used"
	// StrategyWeightedAverage picks peers in proportion to their weights.
	StrategyWeightedAverage Strategy = "weighted_average"
	// StrategyGeolocation picks the peer nearest to the client.
	StrategyGeolocation     Strategy = "geo"
)

const (
	defaultListenerAddress  = "127.0.0.1"
	defaultLoadBalancerType = "network"
)

// Strategies lists every valid strategy in documentation order.
var Strategies = []Strategy{StrategyRoundRobin, StrategyLeastUsed, StrategyWeightedAverage, StrategyGeolocation}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ConfigError{Field: "loadbalancer.strategy", Reason: fmt.Sprintf("unknown load balancer strategy %q", s)}
}

// ErrInvalidConfig matches every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports a configuration problem found before the listener is
// opened.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func (e *ConfigError) Unwrap() error { return e.Err }

// Config represents the application configuration
type Config struct {
	Version      string             `yaml:"version"`
	LoadBalancer LoadBalancerConfig `yaml:"loadbalancer"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
	Geo          GeoConfig          `yaml:"geo"`
	Backend      BackendConfig      `yaml:"backend"`
}

// LoadBalancerConfig contains load balancer specific settings
type LoadBalancerConfig struct {
	Type            string   `yaml:"type"`
	Strategy        Strategy `yaml:"strategy"`
	ListenerAddress string   `yaml:"listener_address"`
	Port            uint16   `yaml:"port"`
	MaxConnections  int      `yaml:"max_connections"`
}

// LoggingConfig selects log verbosity, output format and destination. An
// empty Path logs to stderr.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Path      string `yaml:"path"`
	Rotate    *bool  `yaml:"rotate"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// DefaultLogFileSizeMB caps a log file before it is rotated.
const DefaultLogFileSizeMB = 10

// RotateLogs reports whether the log file rotates by size. On by default.
func (l LoggingConfig) RotateLogs() bool {
	return l.Rotate == nil || *l.Rotate
}

// MaxSize returns the rotation size in megabytes.
func (l LoggingConfig) MaxSize() int {
	if l.MaxSizeMB == 0 {
		return DefaultLogFileSizeMB
	}
	return l.MaxSizeMB
}

// SecurityConfig holds the client IP allow and deny lists
type SecurityConfig struct {
	IPWhitelist []string `yaml:"ip_whitelist"`
	IPBlacklist []string `yaml:"ip_blacklist"`
}

// GeoConfig maps client networks to coordinates for the geo strategy
type GeoConfig struct {
	Regions []RegionConfig `yaml:"regions"`
}

// RegionConfig places every client inside CIDR at Coordinates
type RegionConfig struct {
	CIDR        string    `yaml:"cidr"`
	Coordinates []float64 `yaml:"coordinates"`
}

// BackendConfig describes one backend group
type BackendConfig struct {
	Name                       string       `yaml:"name"`
	HealthEndpoint             string       `yaml:"health_endpoint"`
	HealthCheckIntervalSeconds *uint32      `yaml:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  *uint32      `yaml:"health_check_timeout_seconds"`
	RequestTimeoutSeconds      *uint32      `yaml:"request_timeout_seconds"`
	IdleTimeoutSeconds         *uint32      `yaml:"idle_timeout_seconds"`
	FailedRequestThreshold     *uint32      `yaml:"failed_request_threshold"`
	RateLimit                  *uint64      `yaml:"rate_limit"`
	Nodes                      []NodeConfig `yaml:"nodes"`
}

// NodeConfig represents a backend peer entry
type NodeConfig struct {
	Address       string    `yaml:"address"`
	Weight        *uint32   `yaml:"weight"`
	Coordinates   []float64 `yaml:"coordinates"`
	HealthAddress string    `yaml:"health_address"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ConfigError{Reason: "could not open config file", Err: err}
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, &ConfigError{Reason: "failed to deserialize config", Err: err}
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = SupportedVersion
	}
	if c.LoadBalancer.Type == "" {
		c.LoadBalancer.Type = defaultLoadBalancerType
	}
	if c.LoadBalancer.Strategy == "" {
		c.LoadBalancer.Strategy = StrategyRoundRobin
	}
	if c.LoadBalancer.ListenerAddress == "" {
		c.LoadBalancer.ListenerAddress = defaultListenerAddress
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks everything that can be checked without building peers.
// Peer addresses and coordinates are validated when the peer list is built.
func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return &ConfigError{Field: "version", Reason: fmt.Sprintf("unknown config version %q, valid versions are %q", c.Version, SupportedVersion)}
	}
	if c.LoadBalancer.Type != defaultLoadBalancerType {
		return &ConfigError{Field: "loadbalancer.type", Reason: fmt.Sprintf("unsupported load balancer type %q", c.LoadBalancer.Type)}
	}
	if _, err := ParseStrategy(string(c.LoadBalancer.Strategy)); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(c.LoadBalancer.ListenerAddress); err != nil {
		return &ConfigError{Field: "loadbalancer.listener_address", Reason: "must be an IP address", Err: err}
	}
	if c.LoadBalancer.MaxConnections < 0 {
		return &ConfigError{Field: "loadbalancer.max_connections", Reason: "must not be negative"}
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return &ConfigError{Field: "logging.format", Reason: fmt.Sprintf("unknown log format %q", c.Logging.Format)}
	}
	if c.Logging.MaxSizeMB < 0 {
		return &ConfigError{Field: "logging.max_size_mb", Reason: "must not be negative"}
	}
	for _, list := range []struct {
		field   string
		entries []string
	}{
		{"security.ip_whitelist", c.Security.IPWhitelist},
		{"security.ip_blacklist", c.Security.IPBlacklist},
	} {
		for _, s := range list.entries {
			if _, err := netip.ParseAddr(s); err != nil {
				return &ConfigError{Field: list.field, Reason: fmt.Sprintf("invalid ip %q", s), Err: err}
			}
		}
	}
	for i, r := range c.Geo.Regions {
		if _, err := netip.ParsePrefix(r.CIDR); err != nil {
			return &ConfigError{Field: fmt.Sprintf("geo.regions[%d].cidr", i), Reason: "invalid cidr", Err: err}
		}
		if len(r.Coordinates) != 2 {
			return &ConfigError{Field: fmt.Sprintf("geo.regions[%d].coordinates", i), Reason: "expected [latitude, longitude]"}
		}
	}

	b := c.Backend
	if len(b.Nodes) == 0 {
		return &ConfigError{Field: "backend.nodes", Reason: "at least one node is required"}
	}
	for i, n := range b.Nodes {
		if n.Address == "" {
			return &ConfigError{Field: fmt.Sprintf("backend.nodes[%d].address", i), Reason: "address is required"}
		}
		if n.Weight != nil && *n.Weight < 1 {
			return &ConfigError{Field: fmt.Sprintf("backend.nodes[%d].weight", i), Reason: "weight must be >= 1"}
		}
		if n.Coordinates != nil && len(n.Coordinates) != 2 {
			return &ConfigError{Field: fmt.Sprintf("backend.nodes[%d].coordinates", i), Reason: "expected [latitude, longitude]"}
		}
	}
	if b.HealthCheckIntervalSeconds != nil && *b.HealthCheckIntervalSeconds == 0 {
		return &ConfigError{Field: "backend.health_check_interval_seconds", Reason: "must be positive"}
	}
	if b.HealthCheckTimeoutSeconds != nil && *b.HealthCheckTimeoutSeconds == 0 {
		return &ConfigError{Field: "backend.health_check_timeout_seconds", Reason: "must be positive"}
	}
	if b.RequestTimeoutSeconds != nil && *b.RequestTimeoutSeconds == 0 {
		return &ConfigError{Field: "backend.request_timeout_seconds", Reason: "must be positive"}
	}
	return nil
}

// ListenAddress returns the host:port the load balancer binds to.
func (c *Config) ListenAddress() string {
	addr, err := netip.ParseAddr(c.LoadBalancer.ListenerAddress)
	if err != nil {
		addr = netip.MustParseAddr(defaultListenerAddress)
	}
	return netip.AddrPortFrom(addr, c.LoadBalancer.Port).String()
}

func seconds(v *uint32, fallback time.Duration) time.Duration {
	if v == nil {
		return fallback
	}
	return time.Duration(*v) * time.Second
}

// HealthCheckInterval returns the probe interval, 0 when unset.
func (b BackendConfig) HealthCheckInterval() time.Duration {
	return seconds(b.HealthCheckIntervalSeconds, 0)
}

// HealthCheckTimeout returns the probe connect timeout, 0 when unset.
func (b BackendConfig) HealthCheckTimeout() time.Duration {
	return seconds(b.HealthCheckTimeoutSeconds, 0)
}

// RequestTimeout returns the outbound connect timeout, 0 when unset.
func (b BackendConfig) RequestTimeout() time.Duration {
	return seconds(b.RequestTimeoutSeconds, 0)
}

// IdleTimeout returns the relay idle timeout, 0 (disabled) when unset.
func (b BackendConfig) IdleTimeout() time.Duration {
	return seconds(b.IdleTimeoutSeconds, 0)
}

// Threshold returns the consecutive dial failures before a peer is ejected,
// 0 when passive ejection is off.
func (b BackendConfig) Threshold() int {
	if b.FailedRequestThreshold == nil {
		return 0
	}
	return int(*b.FailedRequestThreshold)
}

// ConnectionsPerSecond returns the configured rate limit, 0 for unlimited.
func (b BackendConfig) ConnectionsPerSecond() float64 {
	if b.RateLimit == nil {
		return 0
	}
	return float64(*b.RateLimit)
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	interval, timeout, requestTimeout, threshold := uint32(10), uint32(2), uint32(5), uint32(3)
	return &Config{
		Version: SupportedVersion,
		LoadBalancer: LoadBalancerConfig{
			Type:            defaultLoadBalancerType,
			Strategy:        StrategyRoundRobin,
			ListenerAddress: defaultListenerAddress,
			Port:            8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Backend: BackendConfig{
			Name:                       "default",
			HealthCheckIntervalSeconds: &interval,
			HealthCheckTimeoutSeconds:  &timeout,
			RequestTimeoutSeconds:      &requestTimeout,
			FailedRequestThreshold:     &threshold,
			Nodes: []NodeConfig{
				{Address: "127.0.0.1:8081"},
				{Address: "127.0.0.1:8082"},
			},
		},
	}
}
