package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/webpm/pkg/session"
)

func (c *CLI) sessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the local development server session",
		Long: `The session is the w3nest cookie of a local development server. Backend
installs need one; it is recorded by "webpm serve", set from a cookie value
with "webpm session set", or read from $` + cookieEnv + `.`,
	}
	cmd.AddCommand(c.sessionShowCommand())
	cmd.AddCommand(c.sessionSetCommand())
	cmd.AddCommand(c.sessionClearCommand())
	return cmd
}

func (c *CLI) sessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			src, err := sessionSource(cfg)
			if err != nil {
				return err
			}
			cookie, err := src.Local(cmd.Context())
			if err != nil {
				if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
					printInfo("No session")
					printNextStep("Start a local server", "webpm serve --index packages.yaml")
					return nil
				}
				return err
			}
			printCookie(cookie)
			return nil
		},
	}
}

func printCookie(cookie *session.Cookie) {
	b := cookie.Backend()
	printKeyValue("type", cookie.Type)
	printKeyValue("origin", cookie.Origin)
	printKeyValue("data channel", cookie.DataChannelURL())
	printKeyValue("logs channel", cookie.LogsChannelURL())
	printKeyValue("loading graph", b.URLLoadingGraph)
	printKeyValue("resources", b.URLResource)
	if b.URLBackendInstall != "" {
		printKeyValue("backends", b.URLBackendInstall)
	}
}

func (c *CLI) sessionSetCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "set <cookie>",
		Short: "Record a session from a w3nest cookie value or Cookie header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if raw == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				raw = strings.TrimSpace(string(data))
			}
			var cookie *session.Cookie
			var err error
			if strings.Contains(raw, session.CookieName+"=") {
				cookie, err = session.ParseCookieHeader(raw)
			} else {
				cookie, err = session.DecodeCookie(raw)
			}
			if err != nil {
				return err
			}

			cfg, err := c.config()
			if err != nil {
				return err
			}
			store, err := sessionStore(cfg)
			if err != nil {
				return err
			}
			if err := store.SaveSession(cmd.Context(), *cookie, ttl); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			printSuccess("Session recorded for %s", cookie.Origin)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", session.DefaultTTL, "session lifetime")
	return cmd
}

func (c *CLI) sessionClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the recorded session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			store, err := sessionStore(cfg)
			if err != nil {
				return err
			}
			if err := store.DeleteSession(cmd.Context()); err != nil {
				return err
			}
			printSuccess("Session cleared")
			return nil
		},
	}
}
