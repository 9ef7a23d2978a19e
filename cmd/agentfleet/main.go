package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentfleet/internal/app"
	"agentfleet/internal/config"
	"agentfleet/internal/logging"
	"agentfleet/internal/strategy"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentfleet",
		Short:         "Run a fleet of LLM-driven perpetual futures agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStrategiesCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every configured agent and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if _, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fleet, err := app.New(ctx, cfg, app.OSLookup)
			if err != nil {
				return err
			}
			defer func() {
				if err := fleet.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "close: %v\n", err)
				}
			}()
			return fleet.Run(ctx)
		},
	}
	config.Flags(cmd.Flags())
	return cmd
}

func newStrategiesCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the strategy catalog and whether credentials are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			strategies, err := strategy.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range strategies {
				_, _, ok := s.ResolveCredentials(os.LookupEnv)
				creds := "missing"
				if ok {
					creds = "present"
				}
				fmt.Fprintf(out, "%-20s %-6s %-5s credentials=%s (%s)\n", s.ID, s.Type, s.Type.Side(), creds, s.Credentials.KeyEnv)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "strategies", "", "strategy catalog (embedded default when empty)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentfleet %s\n", version)
		},
	}
}
