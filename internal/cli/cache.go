package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/config"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the loading graph and artifact cache",
	}

	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())

	return cmd
}

func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached loading graph and artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			return clearCache(cmd.Context(), cfg)
		},
	}
}

func clearCache(ctx context.Context, cfg *config.Config) error {
	store, err := newCache(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	clearer, ok := store.(cache.Clearer)
	if !ok {
		printInfo("The %s cache keeps nothing", cfg.Cache.Backend)
		return nil
	}
	if err := clearer.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	printSuccess("Cache cleared")
	printDetail("%s", cacheLocation(cfg))
	return nil
}

func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print where the cache lives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, cacheLocation(cfg))
			return nil
		},
	}
}

// cacheLocation returns the directory of the file cache or the address of
// the redis one.
func cacheLocation(cfg *config.Config) string {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		return "redis://" + cfg.Cache.RedisAddr + "/" + cfg.Cache.Prefix + "*"
	case config.CacheNone:
		return "(disabled)"
	}
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir
	}
	dir, err := cache.DefaultDir()
	if err != nil {
		return "(unknown)"
	}
	return dir
}
