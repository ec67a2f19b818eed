package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"morsel/internal/infra/config"
	"morsel/internal/infra/logger"
	"morsel/pkg/client"
)

func newInvokeCmd() *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
		retries int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "invoke METHOD [ARG...]",
		Short: "Call a hub method and print the JSON result",
		Long:  "Call a hub method. Each ARG is sent as JSON when it parses, otherwise as a string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Discard()
			if verbose {
				log = logger.NewWithWriter(config.LoggerConfig{Level: "debug"}, cmd.ErrOrStderr())
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := client.Dial(ctx, url,
				client.WithToken(token),
				client.WithLogger(log),
				client.WithTimeout(timeout),
				client.WithRetry(retries, 200*time.Millisecond, 2*time.Second),
			)
			if err != nil {
				return err
			}
			defer c.Close()
			log.Info("connected", "conn_id", c.ID())

			res, err := c.Invoke(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", envOr("MORSEL_URL", "ws://localhost:8080/hub"), "hub endpoint")
	f.StringVar(&token, "token", os.Getenv("MORSEL_TOKEN"), "bearer token")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	f.IntVar(&retries, "retries", 3, "dial attempts")
	f.BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
	return cmd
}

// parseArgs treats each argument as JSON, falling back to a plain string.
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		if json.Valid([]byte(s)) {
			out[i] = json.RawMessage(s)
			continue
		}
		out[i] = s
	}
	return out
}

func printResult(w io.Writer, res json.RawMessage) error {
	if len(res) == 0 {
		res = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(res, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
