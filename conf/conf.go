package conf

import (
	"time"

	"github.com/perch-labs/perch/common"
)

const (
	DefaultTransportAddress      = "127.0.0.1:7370"
	DefaultHandshakeTimeout      = 30 * time.Second
	DefaultMaxConnectionsPerNode = 8
	DefaultMetricsBind           = "localhost:9102"
)

type Config struct {
	TransportAddress      string        `help:"Address the node-to-node transport server listens on"`
	HandshakeTimeout      time.Duration `help:"Time allowed for the version handshake on a freshly opened transport connection"`
	MaxConnectionsPerNode int           `help:"Maximum number of pooled transport connections per remote node"`
	MetricsEnabled        bool          `help:"Set to true to serve prometheus metrics" default:"false"`
	MetricsBind           string        `help:"Address the prometheus metrics endpoint binds to"`
	TransportTLS          TLSConfig     `help:"TLS configuration for the node-to-node transport" embed:"" prefix:"transport-tls-"`
}

func (c *Config) ApplyDefaults() {
	if c.TransportAddress == "" {
		c.TransportAddress = DefaultTransportAddress
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxConnectionsPerNode == 0 {
		c.MaxConnectionsPerNode = DefaultMaxConnectionsPerNode
	}
	if c.MetricsBind == "" {
		c.MetricsBind = DefaultMetricsBind
	}
}

func (c *Config) Validate() error {
	if c.TransportAddress == "" {
		return common.NewInvalidConfigurationError("transport-address must be specified")
	}
	if c.HandshakeTimeout < 0 {
		return common.NewInvalidConfigurationError("handshake-timeout must not be negative")
	}
	if c.TransportTLS.Enabled {
		if c.TransportTLS.CertPath == "" || c.TransportTLS.KeyPath == "" {
			return common.NewInvalidConfigurationError("transport-tls cert-path and key-path must be specified when tls is enabled")
		}
	}
	return nil
}
