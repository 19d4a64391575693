package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/tools"
)

func newToolsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and run registered tools",
	}
	cmd.AddCommand(newToolsListCmd(g), newToolsExecCmd(g))
	return cmd
}

// loadRegistry scans the manifest and tools dir once; no watcher, no bus.
func loadRegistry(g *globalFlags) (*tools.Registry, *tools.Executor, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	projectDir, err := filepath.Abs(g.projectDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve project dir: %w", err)
	}
	logger := zap.NewNop().Sugar()
	reg := tools.NewRegistry(projectDir, cfg.Tools, nil, logger)
	if _, err := reg.Rescan(); err != nil {
		return nil, nil, err
	}
	return reg, tools.NewExecutor(reg, projectDir, cfg.Tools, logger), nil
}

func newToolsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tools from the manifest and the tools directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := loadRegistry(g)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			list := reg.List()
			if len(list) == 0 {
				fmt.Fprintln(w, "No tools registered.")
				return nil
			}
			fmt.Fprintf(w, "%-20s %-12s %-8s %s\n", "NAME", "CATEGORY", "TIMEOUT", "DESCRIPTION")
			for _, d := range list {
				fmt.Fprintf(w, "%-20s %-12s %-8s %s\n", d.Name, d.Category, fmt.Sprintf("%ds", d.TimeoutSec), d.Description)
			}
			return nil
		},
	}
}

func newToolsExecCmd(g *globalFlags) *cobra.Command {
	var (
		rawArgs string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <name>",
		Short: "Run one tool and print its JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}
			_, executor, err := loadRegistry(g)
			if err != nil {
				return err
			}
			res := executor.Execute(cmd.Context(), args[0], toolArgs, timeout)

			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the tool timeout")
	return cmd
}
