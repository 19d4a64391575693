package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/setup"
	"github.com/msageha/conductor/internal/status"
	"github.com/msageha/conductor/internal/uds"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .conductor/ with a default config and empty state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup.Run(g.projectDir, name); err != nil {
				return err
			}
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	return cmd
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		maxIterations int
		metricsAddr   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler loop in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			d, err := daemon.New(g.projectDir, cfg, daemon.Options{
				Console:       true,
				MaxIterations: maxIterations,
				MetricsAddr:   metricsAddr,
			})
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after N iterations (0 keeps the configured value)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address, e.g. :9090")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise the saved state, phase trends and no-update counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			return status.Write(cmd.OutOrStdout(), status.Collect(base, cfg.Scheduler), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to stop after its current iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			client := uds.NewClient(filepath.Join(base, uds.DefaultSocketName))
			if err := client.Call(cmd.Context(), "stop", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
}
