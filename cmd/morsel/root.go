package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"morsel/internal/adapter/gateway"
	"morsel/internal/infra/config"
)

// serveFlags are shared by the root command and `serve`.
type serveFlags struct {
	config  string
	envFile string
}

func newRootCmd() *cobra.Command {
	var sf serveFlags
	root := &cobra.Command{
		Use:   "morsel",
		Short: "morsel - real-time RPC hub over WebSocket",
		Long: `morsel runs a hub that clients call over WebSocket, and talks to one.

With no command it runs the server, same as "morsel serve".`,
		Example: `  morsel serve --config morsel.yaml
  morsel invoke Echo '"hello"'
  morsel invoke --url ws://hub:8080/hub SendToGroup '"ops"' '"deploy done"'
  MORSEL_JWT_SECRET=... morsel token --subject alice --ttl 1h`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), sf)
		},
	}
	root.PersistentFlags().StringVar(&sf.config, "config", "", "config file (default ./morsel.yaml or $MORSEL_CONFIG)")
	root.PersistentFlags().StringVar(&sf.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the hub server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), sf)
			},
		},
		newInvokeCmd(),
		newTokenCmd(),
		newEncryptCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "morsel", version)
			},
		},
	)
	return root
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for the gateway",
		Long:  "Issue an HS256 access token signed with $MORSEL_JWT_SECRET (at least 32 bytes).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("MORSEL_JWT_SECRET")
			if len(secret) < 32 {
				return errors.New("MORSEL_JWT_SECRET must be set to at least 32 bytes")
			}
			tok, err := gateway.IssueToken([]byte(secret), subject, cleanRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "client name carried in the token")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func cleanRoles(in []string) []string {
	var out []string
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a config secret with $MORSEL_CONFIG_KEY",
		Long:  "Encrypt a config secret. Paste the printed enc: value into the config file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("MORSEL_CONFIG_KEY")
			if key == "" {
				return errors.New("MORSEL_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
