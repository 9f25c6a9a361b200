package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/netpool/lib/validation"
)

// Default configuration values. Client pools default to a small
// footprint; server pools expect more concurrent peers.
const (
	DefaultMaxConnections        = 10
	DefaultMinConnections        = 2
	DefaultMaxIdleConnections    = 10
	DefaultConnectionTimeout     = 10 * time.Second
	DefaultIdleTimeout           = 5 * time.Minute
	DefaultMaxLifetime           = 30 * time.Minute
	DefaultGetConnectionTimeout  = 5 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultHealthCheckTimeout    = 3 * time.Second
	DefaultConnectionLeakTimeout = 5 * time.Minute
	DefaultUDPBufferClearTimeout = 100 * time.Millisecond
	DefaultMaxBufferClearPackets = 100

	DefaultServerMaxConnections     = 100
	DefaultServerMaxIdleConnections = 50
)

// Dialer creates a new outbound connection. The hint names the
// transport kind the acquire asked for; ProtocolUnknown means any kind
// will do. The context carries the configured connection timeout.
type Dialer func(ctx context.Context, hint Protocol) (net.Conn, error)

// Acceptor takes the next inbound connection from a listener. Server
// pools create connections by accepting instead of dialing.
type Acceptor func(ln net.Listener) (net.Conn, error)

// HealthChecker probes a connection during reaper sweeps. Returning
// false evicts the connection.
type HealthChecker func(conn net.Conn) bool

// DefaultAcceptor accepts the next connection from the listener.
func DefaultAcceptor(ln net.Listener) (net.Conn, error) {
	return ln.Accept()
}

// Config configures a Pool. The tagged fields round-trip through TOML
// config files; the function-valued collaborators are attached in code
// before calling New.
type Config struct {
	// Mode selects dialing (client) or accepting (server).
	Mode Mode `toml:"mode"`

	// MaxConnections caps the total connections the pool will own.
	// Zero means unlimited.
	MaxConnections int `toml:"max_connections"`

	// MinConnections is the floor the client-mode prewarmer dials up
	// to. Zero disables prewarming.
	MinConnections int `toml:"min_connections"`

	// MaxIdleConnections caps each idle bucket.
	MaxIdleConnections int `toml:"max_idle_connections"`

	// ConnectionTimeout bounds a single dial.
	ConnectionTimeout time.Duration `toml:"connection_timeout"`

	// IdleTimeout evicts connections that sat unused this long.
	// Zero disables idle expiry.
	IdleTimeout time.Duration `toml:"idle_timeout"`

	// MaxLifetime evicts connections older than this regardless of
	// use. Zero disables lifetime expiry.
	MaxLifetime time.Duration `toml:"max_lifetime"`

	// GetConnectionTimeout bounds an acquire when its context has no
	// deadline. Zero makes an exhausted pool fail fast instead of
	// waiting.
	GetConnectionTimeout time.Duration `toml:"get_connection_timeout"`

	// HealthCheckInterval is how often the reaper sweeps and how often
	// each idle connection is health checked. Zero falls back to a 1s
	// sweep with per-connection checks disabled.
	HealthCheckInterval time.Duration `toml:"health_check_interval"`

	// HealthCheckTimeout bounds a single health probe.
	HealthCheckTimeout time.Duration `toml:"health_check_timeout"`

	// ConnectionLeakTimeout is how long a borrowed connection may be
	// held before it is reported leaked. At twice this it is evicted.
	// Zero disables leak detection.
	ConnectionLeakTimeout time.Duration `toml:"connection_leak_timeout"`

	// EnableStats turns the counters on. Disabled pools return a zero
	// snapshot.
	EnableStats bool `toml:"enable_stats"`

	// EnableHealthCheck turns periodic health probing on.
	EnableHealthCheck bool `toml:"enable_health_check"`

	// ClearUDPBufferOnReturn drains buffered datagrams when a datagram
	// connection is released.
	ClearUDPBufferOnReturn bool `toml:"clear_udp_buffer_on_return"`

	// UDPBufferClearTimeout bounds one release's drain.
	UDPBufferClearTimeout time.Duration `toml:"udp_buffer_clear_timeout"`

	// MaxBufferClearPackets bounds how many datagrams one drain
	// discards.
	MaxBufferClearPackets int `toml:"max_buffer_clear_packets"`

	// Dialer creates outbound connections. Required in client mode.
	Dialer Dialer `toml:"-"`

	// Listener supplies inbound connections. Required in server mode.
	Listener net.Listener `toml:"-"`

	// Acceptor takes connections from the Listener. Defaults to
	// DefaultAcceptor.
	Acceptor Acceptor `toml:"-"`

	// HealthChecker probes idle connections during sweeps.
	HealthChecker HealthChecker `toml:"-"`

	// OnCreated runs after a connection is created and before it is
	// admitted. An error discards the connection.
	OnCreated func(net.Conn) error `toml:"-"`

	// OnBorrow runs as a connection is handed to a caller.
	OnBorrow func(net.Conn) `toml:"-"`

	// OnReturn runs as a connection is released back.
	OnReturn func(net.Conn) `toml:"-"`

	// CloseConn replaces the default close of the raw connection.
	CloseConn func(net.Conn) error `toml:"-"`
}

// DefaultConfig returns the client-mode defaults. A Dialer must still
// be attached before the config can run.
func DefaultConfig() Config {
	return Config{
		Mode:                   ModeClient,
		MaxConnections:         DefaultMaxConnections,
		MinConnections:         DefaultMinConnections,
		MaxIdleConnections:     DefaultMaxIdleConnections,
		ConnectionTimeout:      DefaultConnectionTimeout,
		IdleTimeout:            DefaultIdleTimeout,
		MaxLifetime:            DefaultMaxLifetime,
		GetConnectionTimeout:   DefaultGetConnectionTimeout,
		HealthCheckInterval:    DefaultHealthCheckInterval,
		HealthCheckTimeout:     DefaultHealthCheckTimeout,
		ConnectionLeakTimeout:  DefaultConnectionLeakTimeout,
		EnableStats:            true,
		EnableHealthCheck:      true,
		ClearUDPBufferOnReturn: true,
		UDPBufferClearTimeout:  DefaultUDPBufferClearTimeout,
		MaxBufferClearPackets:  DefaultMaxBufferClearPackets,
	}
}

// DefaultServerConfig returns the server-mode defaults. A Listener
// must still be attached before the config can run.
func DefaultServerConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeServer
	cfg.MaxConnections = DefaultServerMaxConnections
	cfg.MinConnections = 0
	cfg.MaxIdleConnections = DefaultServerMaxIdleConnections
	return cfg
}

// applyDefaults repairs a config in place: missing pieces get their
// defaults and inconsistent knobs are clamped rather than rejected.
// New runs this before Validate.
func (c *Config) applyDefaults() {
	if c.Mode.IsServer() && c.Acceptor == nil {
		c.Acceptor = DefaultAcceptor
	}
	if c.MaxConnections > 0 && c.MaxIdleConnections > c.MaxConnections {
		log.WithField("max_idle_connections", c.MaxIdleConnections).
			WithField("max_connections", c.MaxConnections).
			Debug("clamping idle cap to max connections")
		c.MaxIdleConnections = c.MaxConnections
	}
	if c.HealthCheckInterval > 0 && c.HealthCheckTimeout > c.HealthCheckInterval {
		c.HealthCheckTimeout = c.HealthCheckInterval / 2
	}
	if c.MaxBufferClearPackets <= 0 {
		c.MaxBufferClearPackets = DefaultMaxBufferClearPackets
	}
}

// Validate checks that the config can run. It collects every problem
// into one invalid-configuration error. Note that New repairs what it
// can (applyDefaults) before validating, so some of these rules only
// fire when Validate is called directly on a hand-built config.
func (c *Config) Validate() error {
	var errs validation.Errors
	if c.Mode.IsClient() && c.Dialer == nil {
		errs.Add(validation.NewResult("dialer", "required in client mode", validation.ErrRequired))
	}
	if c.Mode.IsServer() && c.Listener == nil {
		errs.Add(validation.NewResult("listener", "required in server mode", validation.ErrRequired))
	}
	errs.Add(validation.NonNegative("max_connections", c.MaxConnections))
	errs.Add(validation.NonNegative("min_connections", c.MinConnections))
	errs.Add(validation.Positive("max_idle_connections", c.MaxIdleConnections))
	errs.Add(validation.PositiveDuration("connection_timeout", c.ConnectionTimeout))
	if c.MaxConnections > 0 && c.MinConnections > c.MaxConnections {
		errs.Add(validation.NewResult("min_connections",
			fmt.Sprintf("exceeds max_connections (%d > %d)", c.MinConnections, c.MaxConnections),
			validation.ErrOutOfRange))
	}
	if c.MaxConnections > 0 && c.MaxIdleConnections > c.MaxConnections {
		errs.Add(validation.NewResult("max_idle_connections",
			fmt.Sprintf("exceeds max_connections (%d > %d)", c.MaxIdleConnections, c.MaxConnections),
			validation.ErrOutOfRange))
	}
	if c.IdleTimeout > 0 && c.MaxLifetime > 0 && c.IdleTimeout > c.MaxLifetime {
		errs.Add(validation.NewResult("idle_timeout",
			fmt.Sprintf("exceeds max_lifetime (%v > %v)", c.IdleTimeout, c.MaxLifetime),
			validation.ErrOutOfRange))
	}
	if c.HealthCheckInterval > 0 && c.HealthCheckTimeout > c.HealthCheckInterval {
		errs.Add(validation.NewResult("health_check_timeout",
			fmt.Sprintf("exceeds health_check_interval (%v > %v)", c.HealthCheckTimeout, c.HealthCheckInterval),
			validation.ErrOutOfRange))
	}
	if errs.HasErrors() {
		return &ConfigError{Reason: errs.Error()}
	}
	return nil
}

// LoadConfig reads a TOML config file. A missing file returns the
// client defaults unchanged. The result is not validated here: the
// function-valued collaborators cannot come from a file, so validation
// waits until New has the full picture.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("config file not found, using defaults")
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the tagged fields of a config as TOML. The parent
// directory is created with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
