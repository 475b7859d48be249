// Package cli implements the webpm command-line interface.
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/buildinfo"
	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/config"
	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/session"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "webpm"

	// cookieEnv holds a w3nest cookie, or a full Cookie header, that wins
	// over the stored session.
	cookieEnv = "WEBPM_COOKIE"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
	cfg        *config.Config
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "webpm installs web packages from a resolution server",
		Long: `webpm resolves module queries into loading graphs, installs the resulting
libraries, backends and Python environments, and runs worker pools bootstrapped
with an installation. "webpm serve" starts a local development server.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			if c.Logger.GetLevel() <= log.DebugLevel {
				registerTraceHooks(c.Logger)
			}
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: "+filepath.Join(config.Dir(), "config.yaml")+")")

	root.AddCommand(c.installCommand())
	root.AddCommand(c.resolveCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.poolCommand())
	root.AddCommand(c.workerCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.sessionCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// config loads the configuration once per process.
func (c *CLI) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	c.Logger.Debug("config loaded", "config", cfg.String())
	c.cfg = cfg
	return cfg, nil
}

// =============================================================================
// Installer Factory
// =============================================================================

// closers releases the resources an installer holds.
type closers []func() error

func (cs closers) Close() {
	for _, fn := range cs {
		_ = fn()
	}
}

// installerOptions builds the pipeline options of the configuration.
// Callers must close the returned closers once the installer is done.
func (c *CLI) installerOptions(ctx context.Context, cfg *config.Config, noCache bool) (pipeline.Options, closers, error) {
	var cs closers

	store, err := newCache(ctx, cfg, noCache)
	if err != nil {
		return pipeline.Options{}, nil, err
	}
	cs = append(cs, store.Close)

	dialer, closeDialer := newDialer(cfg)
	if closeDialer != nil {
		cs = append(cs, closeDialer)
	}

	sessions, err := sessionSource(cfg)
	if err != nil {
		cs.Close()
		return pipeline.Options{}, nil, err
	}

	return pipeline.Options{
		Backend:     cfg.BackendURLs(),
		Cache:       store,
		Keyer:       cache.NewScopedKeyer(nil, cfg.Backend.ID),
		TTL:         cfg.Cache.TTL,
		Headers:     cfg.Headers,
		Pinned:      cfg.Pinned,
		CrossOrigin: cfg.Frontend.CrossOrigin,
		Sessions:    sessions,
		Dialer:      dialer,
		Logger:      c.Logger,
	}, cs, nil
}

func newCache(ctx context.Context, cfg *config.Config, noCache bool) (cache.Cache, error) {
	if noCache {
		return cache.NewNullCache(), nil
	}
	switch cfg.Cache.Backend {
	case config.CacheNone:
		return cache.NewNullCache(), nil
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, &redis.Options{Addr: cfg.Cache.RedisAddr}, cfg.Cache.Prefix)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		fc, err := cache.NewFileCache(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		return fc, nil
	}
}

// newDialer returns the dialer of the backend install channels and the
// function closing its client, if any.
func newDialer(cfg *config.Config) (channel.Dialer, func() error) {
	if cfg.Channels.Transport == config.TransportRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Channels.RedisAddr})
		return channel.RedisDialer{Client: client, Prefix: cfg.Cache.Prefix}, client.Close
	}
	return channel.WebsocketDialer{}, nil
}

// =============================================================================
// Sessions
// =============================================================================

// sessionDir returns the directory of the stored local session.
func sessionDir(cfg *config.Config) string {
	if cfg.Session.Dir != "" {
		return cfg.Session.Dir
	}
	return filepath.Join(config.Dir(), "sessions")
}

func sessionStore(cfg *config.Config) (*session.CLIStore, error) {
	fs, err := session.NewFileStore(sessionDir(cfg))
	if err != nil {
		return nil, err
	}
	return session.NewCLIStore(fs), nil
}

// sessionSource looks up the local session in $WEBPM_COOKIE first, then
// in the stored session.
func sessionSource(cfg *config.Config) (session.Source, error) {
	store, err := sessionStore(cfg)
	if err != nil {
		return nil, err
	}
	return session.Chain{
		session.EnvSource{Lookup: os.LookupEnv, Key: cookieEnv},
		store,
	}, nil
}
