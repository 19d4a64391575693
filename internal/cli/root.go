// Package cli implements the conductor command tree.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/model"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	projectDir string
	logLevel   string
}

func (g *globalFlags) baseDir() (string, error) {
	abs, err := filepath.Abs(g.projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return filepath.Join(abs, daemon.StateDirName), nil
}

// loadConfig reads .conductor/config.yaml, falling back to defaults when the
// project was never initialised.
func (g *globalFlags) loadConfig() (model.Config, error) {
	base, err := g.baseDir()
	if err != nil {
		return model.Config{}, err
	}
	cfg, err := model.LoadConfig(filepath.Join(base, "config.yaml"))
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "conductor",
		Short: "conductor drives a perpetual plan/code/QA/debug build pipeline",
		Long: `conductor repeatedly picks the next build phase for a project, runs it,
and folds the result back into a durable state file under .conductor/.

Phases are external commands configured in .conductor/config.yaml.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.projectDir, "project-dir", "C", ".", "project root")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(g),
		newRunCmd(g),
		newStatusCmd(g),
		newStopCmd(g),
		newIssuesCmd(g),
		newToolsCmd(g),
		newLogsCmd(g),
		newVersionCmd(),
	)
	return root
}

func Execute() error {
	return newRootCmd().Execute()
}
