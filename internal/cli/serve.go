package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/devserver"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/session"
)

const shutdownTimeout = 5 * time.Second

type serveOpts struct {
	index     string
	addr      string
	token     string
	redisAddr string
	noSession bool
}

func (c *CLI) serveCommand() *cobra.Command {
	opts := serveOpts{index: "webpm-index.yaml", addr: "127.0.0.1:8080"}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local development server",
		Long: `Serve starts a development server resolving loading graphs and serving
resources from a package index file. It also installs backends by running
their shell commands, and publishes their progress on websocket channels.

The server session is stored so that other webpm commands install from it
until the server stops.`,
		Example: `  webpm serve --index packages.yaml
  webpm serve --index packages.yaml --addr 127.0.0.1:0 --token s3cret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.index, "index", "i", opts.index, "package index (YAML or JSON)")
	f.StringVar(&opts.addr, "addr", opts.addr, "listen address")
	f.StringVar(&opts.token, "token", "", "bearer token granting access to private packages")
	f.StringVar(&opts.redisAddr, "redis", "", "also publish channel messages on this Redis server")
	f.BoolVar(&opts.noSession, "no-session", false, "do not record the server session")

	return cmd
}

func (c *CLI) runServe(ctx context.Context, opts serveOpts) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	idx, err := devserver.LoadIndex(opts.index)
	if err != nil {
		return err
	}

	var pub channel.Publisher
	if opts.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", opts.redisAddr, err)
		}
		pub = channel.RedisPublisher{Client: client, Prefix: cfg.Cache.Prefix}
	}

	s := devserver.New(devserver.Options{
		Index:     idx,
		Addr:      opts.addr,
		Publisher: pub,
		Token:     opts.token,
		Logger:    c.Logger,
	})
	if err := s.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			c.Logger.Warn("shutdown", "err", err)
		}
	}()

	if !opts.noSession {
		store, err := sessionStore(cfg)
		if err != nil {
			return err
		}
		if err := store.SaveSession(ctx, s.Cookie(), session.DefaultTTL); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		defer func() {
			if err := store.DeleteSession(context.WithoutCancel(ctx)); err != nil {
				c.Logger.Warn("delete session", "err", err)
			}
		}()
	}

	printServeBanner(s, idx)
	<-ctx.Done()
	printInfo("Shutting down")
	return nil
}

func printServeBanner(s *devserver.Server, idx *devserver.Index) {
	b := s.Backend()
	printSuccess("Development server listening on %s", StyleLink.Render(s.Origin()))
	printKeyValue("loading graph", b.URLLoadingGraph)
	printKeyValue("resources", b.URLResource)
	printKeyValue("backends", b.URLBackendInstall)
	rows := make([][]string, 0, len(idx.Packages))
	for _, p := range idx.Packages {
		kind := string(p.Type)
		if p.Private {
			kind += " (private)"
		}
		rows = append(rows, []string{p.Name, p.Version, kind, graph.FullExportedSymbol(p.ExportedSymbol, p.APIKey)})
	}
	if len(rows) == 0 {
		printWarning("The index holds no package")
		return
	}
	printTable([]string{"Package", "Version", "Type", "Symbol"}, rows)
	printNextStep("Install from it", fmt.Sprintf("webpm install %q", idx.Packages[0].Name+"#"+idx.Packages[0].Version))
}
