// Package config provides configuration for cachewire pools and the
// development server.
//
// Pool configuration can come from two sources:
//  1. A TOML file (LoadPoolConfigFile), with [[servers]] tables
//  2. Environment variables (LoadPoolConfig and the defaults of a file)
//
// Server configuration comes from, in order of precedence:
//  1. Environment variables
//  2. Command-line flags
//  3. Default values
//
// Example pool file:
//
//	null_if_expired = true
//	delete_if_expired = false
//
//	[[servers]]
//	tag = "primary"
//	host = "10.0.0.1"
//	port = 6379
//	connect_timeout = 2
//
//	[[servers]]
//	tag = "replica"
//	host = "10.0.0.2"
//
// Example usage:
//
//	cfg, err := config.LoadPoolConfigFile("cachewire.toml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	p := pool.New()
//	for _, ep := range cfg.Endpoints() {
//		p.AddServer(ep)
//	}
//
// Environment variables are prefixed with "CACHEWIRE_" and use uppercase
// names. For example, CACHEWIRE_SERVERS=a=10.0.0.1:6379,b=10.0.0.2:6379.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cachemir/cachewire/pkg/client"
)

// Defaults
const (
	DefaultRedisPort        = 6379
	DefaultServerPort       = 6380
	DefaultConnTimeoutSecs  = 5
	DefaultReadTimeoutSecs  = 30
	DefaultWriteTimeoutSecs = 10
	DefaultHost             = "127.0.0.1"
)

// Environment variables
const (
	EnvServers         = "CACHEWIRE_SERVERS"
	EnvConnectTimeout  = "CACHEWIRE_CONNECT_TIMEOUT"
	EnvNullIfExpired   = "CACHEWIRE_NULL_IF_EXPIRED"
	EnvDeleteIfExpired = "CACHEWIRE_DELETE_IF_EXPIRED"
	EnvHost            = "CACHEWIRE_HOST"
	EnvPort            = "CACHEWIRE_PORT"
	EnvReadTimeout     = "CACHEWIRE_READ_TIMEOUT"
	EnvWriteTimeout    = "CACHEWIRE_WRITE_TIMEOUT"
	EnvLogLevel        = "CACHEWIRE_LOG_LEVEL"
)

// ServerEntry describes one server of a pool. ConnectTimeout is in seconds
// and bounds the connect and every later exchange; zero disables it.
type ServerEntry struct {
	Tag            string `toml:"tag"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	ConnectTimeout int    `toml:"connect_timeout"`
}

// PoolConfig holds the servers of a pool and the cache expiry policy.
//
// Example:
//
//	cfg := &PoolConfig{
//		Servers: []ServerEntry{
//			{Tag: "a", Host: "10.0.0.1", Port: 6379, ConnectTimeout: 2},
//		},
//		NullIfExpired:   true,
//		DeleteIfExpired: true,
//	}
type PoolConfig struct {
	Servers         []ServerEntry
	NullIfExpired   bool // Get returns nil for expired items (default: true)
	DeleteIfExpired bool // Get deletes expired items (default: true)
}

// ServerConfig holds the options of the development server.
type ServerConfig struct {
	Host         string // Host address to bind to (default: "127.0.0.1")
	LogLevel     string // Log level: trace, debug, info, warn, error (default: "info")
	Port         int    // TCP port to listen on (default: 6380)
	ReadTimeout  int    // Idle read timeout in seconds (default: 30)
	WriteTimeout int    // Write timeout in seconds (default: 10)
}

// LoadPoolConfig creates a PoolConfig from environment variables, with
// defaults for anything unset.
//
// Environment variables:
//
//	CACHEWIRE_SERVERS: comma-separated tag=host:port entries (default: local=127.0.0.1:6379)
//	CACHEWIRE_CONNECT_TIMEOUT: timeout in seconds for every server (default: 5)
//	CACHEWIRE_NULL_IF_EXPIRED: true or false (default: true)
//	CACHEWIRE_DELETE_IF_EXPIRED: true or false (default: true)
//
// An entry without "tag=" is tagged with its address.
func LoadPoolConfig() (*PoolConfig, error) {
	cfg := &PoolConfig{NullIfExpired: true, DeleteIfExpired: true}

	timeout := DefaultConnTimeoutSecs
	if v := os.Getenv(EnvConnectTimeout); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvConnectTimeout, err)
		}
		timeout = t
	}

	servers := os.Getenv(EnvServers)
	if servers == "" {
		servers = fmt.Sprintf("local=%s:%d", DefaultHost, DefaultRedisPort)
	}
	for _, item := range strings.Split(servers, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		entry, err := parseServerEntry(item)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvServers, err)
		}
		entry.ConnectTimeout = timeout
		cfg.Servers = append(cfg.Servers, entry)
	}

	if err := applyPolicyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseServerEntry(item string) (ServerEntry, error) {
	tag, addr, hasTag := strings.Cut(item, "=")
	if !hasTag {
		addr = tag
		tag = ""
	}

	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ServerEntry{}, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ServerEntry{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = net.JoinHostPort(host, portStr)
	}
	return ServerEntry{Tag: tag, Host: host, Port: port}, nil
}

func applyPolicyEnv(cfg *PoolConfig) error {
	if v := os.Getenv(EnvNullIfExpired); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvNullIfExpired, err)
		}
		cfg.NullIfExpired = b
	}
	if v := os.Getenv(EnvDeleteIfExpired); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvDeleteIfExpired, err)
		}
		cfg.DeleteIfExpired = b
	}
	return nil
}

type poolFile struct {
	Servers         []serverFile `toml:"servers"`
	ConnectTimeout  int          `toml:"connect_timeout"`
	NullIfExpired   bool         `toml:"null_if_expired"`
	DeleteIfExpired bool         `toml:"delete_if_expired"`
}

type serverFile struct {
	Tag            string `toml:"tag"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	ConnectTimeout *int   `toml:"connect_timeout"`
}

// LoadPoolConfigFile reads a TOML pool file. Keys the file does not define
// take their environment or default value: the policy flags from
// CACHEWIRE_NULL_IF_EXPIRED and CACHEWIRE_DELETE_IF_EXPIRED, a server's port
// from DefaultRedisPort, its timeout from the top-level connect_timeout and
// then CACHEWIRE_CONNECT_TIMEOUT, its tag from its address.
func LoadPoolConfigFile(path string) (*PoolConfig, error) {
	cfg := &PoolConfig{NullIfExpired: true, DeleteIfExpired: true}
	if err := applyPolicyEnv(cfg); err != nil {
		return nil, err
	}

	var raw poolFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load pool config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load pool config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("null_if_expired") {
		cfg.NullIfExpired = raw.NullIfExpired
	}
	if meta.IsDefined("delete_if_expired") {
		cfg.DeleteIfExpired = raw.DeleteIfExpired
	}

	timeout := DefaultConnTimeoutSecs
	if v := os.Getenv(EnvConnectTimeout); v != "" {
		if t, err := strconv.Atoi(v); err == nil {
			timeout = t
		}
	}
	if meta.IsDefined("connect_timeout") {
		timeout = raw.ConnectTimeout
	}

	for _, s := range raw.Servers {
		entry := ServerEntry{
			Tag:            strings.TrimSpace(s.Tag),
			Host:           strings.TrimSpace(s.Host),
			Port:           s.Port,
			ConnectTimeout: timeout,
		}
		if entry.Port == 0 {
			entry.Port = DefaultRedisPort
		}
		if s.ConnectTimeout != nil {
			entry.ConnectTimeout = *s.ConnectTimeout
		}
		if entry.Tag == "" {
			entry.Tag = net.JoinHostPort(entry.Host, strconv.Itoa(entry.Port))
		}
		cfg.Servers = append(cfg.Servers, entry)
	}
	return cfg, nil
}

// Endpoints converts the configured servers into client endpoints, in
// configuration order.
func (c *PoolConfig) Endpoints() []client.Endpoint {
	out := make([]client.Endpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, client.Endpoint{
			Tag:     s.Tag,
			Host:    s.Host,
			Port:    s.Port,
			Timeout: time.Duration(s.ConnectTimeout) * time.Second,
		})
	}
	return out
}

// Validate checks if the PoolConfig contains valid values.
//
// Validation rules:
//   - At least one server must be configured
//   - Tags must be non-empty and unique
//   - Hosts must be non-empty
//   - Ports must be between 1 and 65535
//   - Timeouts must be non-negative
func (c *PoolConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be specified")
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Tag == "" {
			return fmt.Errorf("server %s:%d has an empty tag", s.Host, s.Port)
		}
		if seen[s.Tag] {
			return fmt.Errorf("duplicate server tag: %s", s.Tag)
		}
		seen[s.Tag] = true

		if s.Host == "" {
			return fmt.Errorf("server %s has an empty host", s.Tag)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("server %s has an invalid port: %d", s.Tag, s.Port)
		}
		if s.ConnectTimeout < 0 {
			return fmt.Errorf("server %s has a negative timeout: %d", s.Tag, s.ConnectTimeout)
		}
	}
	return nil
}

// LoadServerConfig creates a ServerConfig from command-line flags and
// environment variables, with defaults.
//
// Command-line flags:
//
//	-port: Server port (default: 6380)
//	-host: Server host (default: "127.0.0.1")
//	-read-timeout: Idle read timeout in seconds (default: 30)
//	-write-timeout: Write timeout in seconds (default: 10)
//	-log-level: Log level (default: "info")
//
// Environment variables:
//
//	CACHEWIRE_PORT, CACHEWIRE_HOST, CACHEWIRE_READ_TIMEOUT,
//	CACHEWIRE_WRITE_TIMEOUT, CACHEWIRE_LOG_LEVEL
//
// Example:
//
//	cfg := config.LoadServerConfig()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
//	srv := server.New(cfg.Address())
func LoadServerConfig() *ServerConfig {
	return loadServerConfig(flag.CommandLine, os.Args[1:])
}

func loadServerConfig(fs *flag.FlagSet, args []string) *ServerConfig {
	cfg := &ServerConfig{
		Host:         DefaultHost,
		Port:         DefaultServerPort,
		ReadTimeout:  DefaultReadTimeoutSecs,
		WriteTimeout: DefaultWriteTimeoutSecs,
		LogLevel:     "info",
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Server host")
	fs.IntVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Idle read timeout in seconds")
	fs.IntVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Write timeout in seconds")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	_ = fs.Parse(args)

	if port := os.Getenv(EnvPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if host := os.Getenv(EnvHost); host != "" {
		cfg.Host = host
	}
	if rt := os.Getenv(EnvReadTimeout); rt != "" {
		if v, err := strconv.Atoi(rt); err == nil {
			cfg.ReadTimeout = v
		}
	}
	if wt := os.Getenv(EnvWriteTimeout); wt != "" {
		if v, err := strconv.Atoi(wt); err == nil {
			cfg.WriteTimeout = v
		}
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}

	return cfg
}

// Address returns the "host:port" address for the server to bind to.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 0 and 65535 (0 picks a free port)
//   - ReadTimeout and WriteTimeout must be positive
//   - LogLevel must be one of: trace, debug, info, warn, error
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.ReadTimeout < 1 {
		return fmt.Errorf("read timeout must be positive: %d", c.ReadTimeout)
	}

	if c.WriteTimeout < 1 {
		return fmt.Errorf("write timeout must be positive: %d", c.WriteTimeout)
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}
