// Package config loads settings for the paircode binaries.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// PAIRCODE_* environment variables, then command-line flags the user
// actually set. Each layer only overrides what it names.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "PAIRCODE_CONFIG"

// Store backends accepted by ServerConfig.Store.
const (
	StoreAuto     = "auto"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
)

type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig configures the editor client core.
type ClientConfig struct {
	// ServerURL is the HTTP base of the backend; the WebSocket URL is
	// derived from it.
	ServerURL string `yaml:"server_url"`
	// UserID tags outbound cursor updates. Empty means generate one.
	UserID            string        `yaml:"user_id"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	Debounce          time.Duration `yaml:"debounce"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Store string `yaml:"store"`
	// DatabaseURL is a Postgres connection string.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	BoltPath    string `yaml:"bolt_path"`
	// RedisAddr enables cross-instance fan-out when set.
	RedisAddr       string        `yaml:"redis_addr"`
	MDNS            bool          `yaml:"mdns"`
	InstanceName    string        `yaml:"instance_name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:         "http://localhost:8000",
			ConnectTimeout:    10 * time.Second,
			ReconnectDelay:    time.Second,
			MaxRetries:        5,
			Debounce:          600 * time.Millisecond,
			CompletionTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8000",
			Store:           StoreAuto,
			SQLitePath:      "paircode.db",
			BoltPath:        "paircode.bolt",
			InstanceName:    "paircode",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the file at path (skipped when
// empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&c.Client.ServerURL, "PAIRCODE_SERVER_URL")
	str(&c.Client.UserID, "PAIRCODE_USER_ID")
	dur(&c.Client.ConnectTimeout, "PAIRCODE_CONNECT_TIMEOUT")
	dur(&c.Client.ReconnectDelay, "PAIRCODE_RECONNECT_DELAY")
	dur(&c.Client.Debounce, "PAIRCODE_DEBOUNCE")
	dur(&c.Client.CompletionTimeout, "PAIRCODE_COMPLETION_TIMEOUT")
	if v, ok := lookup("PAIRCODE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAIRCODE_MAX_RETRIES: %w", err))
		} else {
			c.Client.MaxRetries = n
		}
	}

	str(&c.Server.Addr, "PAIRCODE_ADDR")
	str(&c.Server.Store, "PAIRCODE_STORE")
	str(&c.Server.DatabaseURL, "PAIRCODE_DATABASE_URL", "DATABASE_URL")
	str(&c.Server.SQLitePath, "PAIRCODE_SQLITE_PATH")
	str(&c.Server.BoltPath, "PAIRCODE_BOLT_PATH")
	str(&c.Server.RedisAddr, "PAIRCODE_REDIS_ADDR", "REDIS_ADDR")
	str(&c.Server.InstanceName, "PAIRCODE_INSTANCE_NAME")
	dur(&c.Server.ShutdownTimeout, "PAIRCODE_SHUTDOWN_TIMEOUT")
	if v, ok := lookup("PAIRCODE_MDNS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAIRCODE_MDNS: %w", err))
		} else {
			c.Server.MDNS = b
		}
	}

	str(&c.Log.Level, "PAIRCODE_LOG_LEVEL")
	str(&c.Log.Format, "PAIRCODE_LOG_FORMAT")
	return errors.Join(errs...)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.ServerURL == "" {
		errs = append(errs, errors.New("client.server_url is empty"))
	}
	if c.Client.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("client.reconnect_delay must be positive"))
	}
	if c.Client.MaxRetries < 1 {
		errs = append(errs, errors.New("client.max_retries must be at least 1"))
	}
	if c.Client.Debounce <= 0 {
		errs = append(errs, errors.New("client.debounce must be positive"))
	}
	switch strings.ToLower(c.Server.Store) {
	case StoreAuto, StoreMemory, StorePostgres, StoreSQLite, StoreBolt:
	default:
		errs = append(errs, fmt.Errorf("server.store %q is not one of auto, memory, postgres, sqlite, bolt", c.Server.Store))
	}
	if strings.ToLower(c.Server.Store) == StorePostgres && c.Server.DatabaseURL == "" {
		errs = append(errs, errors.New("server.database_url is required for the postgres store"))
	}
	return errors.Join(errs...)
}

// flagFields copies one flag-backed field from src to dst.
var flagFields = map[string]func(dst, src *Config){
	"server":          func(d, s *Config) { d.Client.ServerURL = s.Client.ServerURL },
	"user":            func(d, s *Config) { d.Client.UserID = s.Client.UserID },
	"connect-timeout": func(d, s *Config) { d.Client.ConnectTimeout = s.Client.ConnectTimeout },
	"debounce":        func(d, s *Config) { d.Client.Debounce = s.Client.Debounce },
	"addr":            func(d, s *Config) { d.Server.Addr = s.Server.Addr },
	"store":           func(d, s *Config) { d.Server.Store = s.Server.Store },
	"database-url":    func(d, s *Config) { d.Server.DatabaseURL = s.Server.DatabaseURL },
	"sqlite-path":     func(d, s *Config) { d.Server.SQLitePath = s.Server.SQLitePath },
	"bolt-path":       func(d, s *Config) { d.Server.BoltPath = s.Server.BoltPath },
	"redis-addr":      func(d, s *Config) { d.Server.RedisAddr = s.Server.RedisAddr },
	"mdns":            func(d, s *Config) { d.Server.MDNS = s.Server.MDNS },
	"log-level":       func(d, s *Config) { d.Log.Level = s.Log.Level },
	"log-format":      func(d, s *Config) { d.Log.Format = s.Log.Format },
}

// BindClientFlags registers client settings on fs, writing into into.
func BindClientFlags(fs *pflag.FlagSet, into *Config) {
	def := Default()
	fs.StringVar(&into.Client.ServerURL, "server", def.Client.ServerURL, "backend base URL")
	fs.StringVar(&into.Client.UserID, "user", "", "participant id for cursor updates (default: random)")
	fs.DurationVar(&into.Client.ConnectTimeout, "connect-timeout", def.Client.ConnectTimeout, "WebSocket handshake timeout")
	fs.DurationVar(&into.Client.Debounce, "debounce", def.Client.Debounce, "completion debounce window")
	bindLogFlags(fs, into)
}

// BindServerFlags registers server settings on fs, writing into into.
func BindServerFlags(fs *pflag.FlagSet, into *Config) {
	def := Default()
	fs.StringVar(&into.Server.Addr, "addr", def.Server.Addr, "listen address")
	fs.StringVar(&into.Server.Store, "store", def.Server.Store, "session store: auto, memory, postgres, sqlite or bolt")
	fs.StringVar(&into.Server.DatabaseURL, "database-url", "", "Postgres connection string")
	fs.StringVar(&into.Server.SQLitePath, "sqlite-path", def.Server.SQLitePath, "SQLite database file")
	fs.StringVar(&into.Server.BoltPath, "bolt-path", def.Server.BoltPath, "bolt database file")
	fs.StringVar(&into.Server.RedisAddr, "redis-addr", "", "Redis address for cross-instance fan-out")
	fs.BoolVar(&into.Server.MDNS, "mdns", false, "advertise the server over mDNS")
	bindLogFlags(fs, into)
}

func bindLogFlags(fs *pflag.FlagSet, into *Config) {
	def := Default()
	fs.StringVar(&into.Log.Level, "log-level", def.Log.Level, "debug, info, warn or error")
	fs.StringVar(&into.Log.Format, "log-format", def.Log.Format, "text or json")
}

// ApplyFlags copies every flag the user set on fs from the flag-bound
// config into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet, from *Config) {
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := flagFields[f.Name]; ok {
			apply(c, from)
		}
	})
}
