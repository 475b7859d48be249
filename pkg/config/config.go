// Package config loads the webpm configuration.
//
// Configuration is read with viper from an optional file (YAML, TOML or
// JSON) and from WEBPM_* environment variables, on top of defaults:
//
//	backend:
//	  origin: {hostname: "cdn.example.org"}
//	  paths: {pathLoadingGraph: ..., pathResource: ...}
//	pool: {startAt: 0, stretchTo: 3}
//	cache: {backend: file, dir: ~/.cache/webpm, ttl: 24h}
//	channels: {transport: websocket}
//	pinned: {"rxjs": "7.5.6"}
//
// Nested keys map to environment variables with "_": WEBPM_CACHE_BACKEND.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	werrors "github.com/matzehuels/webpm/pkg/errors"
)

const (
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "WEBPM"

	fileName = "config"
)

// Cache backends.
const (
	CacheFile  = "file"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Channel transports.
const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
)

// Config is the full webpm configuration.
type Config struct {
	Backend  BackendConfig     `mapstructure:"backend"`
	Frontend FrontendConfig    `mapstructure:"frontend"`
	Pool     PoolConfig        `mapstructure:"pool"`
	Cache    CacheConfig       `mapstructure:"cache"`
	Channels ChannelsConfig    `mapstructure:"channels"`
	Session  SessionConfig     `mapstructure:"session"`
	Pinned   map[string]string `mapstructure:"pinned"`
	Headers  map[string]string `mapstructure:"headers"`
}

// BackendConfig locates the resolution server. Either URL or Origin may
// be given; URL wins.
type BackendConfig struct {
	ID     string  `mapstructure:"id"`
	URL    string  `mapstructure:"url"`
	Origin *Origin `mapstructure:"origin"`
	Paths  Paths   `mapstructure:"paths"`
}

// FrontendConfig carries request attributes forwarded to artifact fetches.
type FrontendConfig struct {
	CrossOrigin string `mapstructure:"crossOrigin"`
}

// PoolConfig sizes worker pools.
type PoolConfig struct {
	StartAt   int `mapstructure:"startAt"`
	StretchTo int `mapstructure:"stretchTo"`
}

// CacheConfig selects the HTTP and loading graph cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	Dir       string        `mapstructure:"dir"`
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redisAddr"`
	Prefix    string        `mapstructure:"prefix"`
}

// ChannelsConfig selects the transport of backend install channels.
type ChannelsConfig struct {
	Transport string `mapstructure:"transport"`
	RedisAddr string `mapstructure:"redisAddr"`
}

// SessionConfig locates the local development server session.
type SessionConfig struct {
	Dir string `mapstructure:"dir"`
}

// Dir returns ~/.config/webpm.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".webpm")
	}
	return filepath.Join(home, ".config", "webpm")
}

// DefaultStretchTo is max(1, NumCPU-1).
func DefaultStretchTo() int {
	return max(1, runtime.NumCPU()-1)
}

// New returns a viper instance with webpm defaults and environment
// bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	paths := DefaultPaths()
	v.SetDefault("backend.id", "")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.paths.pathLoadingGraph", paths.LoadingGraph)
	v.SetDefault("backend.paths.pathResource", paths.Resource)
	v.SetDefault("backend.paths.pathPyodide", "")
	v.SetDefault("backend.paths.pathPypi", "")
	v.SetDefault("backend.paths.pathBackendInstall", paths.BackendInstall)
	v.SetDefault("backend.paths.pathBackendUninstall", paths.BackendUninstall)
	v.SetDefault("pool.startAt", 0)
	v.SetDefault("pool.stretchTo", DefaultStretchTo())
	v.SetDefault("cache.backend", CacheFile)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.redisAddr", "")
	v.SetDefault("cache.prefix", "webpm:")
	v.SetDefault("channels.transport", TransportWebsocket)
	v.SetDefault("channels.redisAddr", "")
	v.SetDefault("session.dir", "")
	v.SetDefault("frontend.crossOrigin", "")
	return v
}

// Load reads the configuration. An empty path looks for config.{yaml,toml,json}
// in [Dir] and the working directory; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fileName)
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, werrors.Wrap(werrors.ErrCodeInvalidConfig, err, "read config")
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates a viper instance.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, werrors.Wrap(werrors.ErrCodeInvalidConfig, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheFile, CacheNone:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return werrors.New(werrors.ErrCodeInvalidConfig, "cache.redisAddr is required for the redis cache")
		}
	default:
		return werrors.New(werrors.ErrCodeInvalidConfig, "unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Channels.Transport {
	case TransportWebsocket:
	case TransportRedis:
		if c.Channels.RedisAddr == "" {
			return werrors.New(werrors.ErrCodeInvalidConfig, "channels.redisAddr is required for the redis transport")
		}
	default:
		return werrors.New(werrors.ErrCodeInvalidConfig, "unknown channel transport %q", c.Channels.Transport)
	}
	if c.Pool.StartAt < 0 || c.Pool.StretchTo < 1 || c.Pool.StartAt > c.Pool.StretchTo {
		return werrors.New(werrors.ErrCodeInvalidConfig, "invalid pool size: startAt=%d stretchTo=%d", c.Pool.StartAt, c.Pool.StretchTo)
	}
	if c.Backend.URL != "" {
		if err := werrors.ValidateURL(c.Backend.URL); err != nil {
			return err
		}
	}
	return nil
}

// BackendURLs computes the absolute URLs of the configured backend. With
// neither URL nor origin the local development server is assumed.
func (c *Config) BackendURLs() Backend {
	origin := c.Backend.URL
	if origin == "" {
		o := c.Backend.Origin
		if o == nil {
			o = &Origin{}
		}
		origin = ComputeOrigin(o)
	}
	return NewBackend(c.Backend.ID, strings.TrimSuffix(origin, "/"), c.Backend.Paths)
}

// String implements fmt.Stringer for debug output.
func (c *Config) String() string {
	return fmt.Sprintf("backend=%s cache=%s pool=%d..%d", c.BackendURLs().Origin, c.Cache.Backend, c.Pool.StartAt, c.Pool.StretchTo)
}
