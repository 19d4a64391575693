package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/events"
)

var auditLogs = []string{"events.jsonl", "actions.jsonl"}

func newLogsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the audit logs",
	}
	cmd.AddCommand(newLogsVerifyCmd(g), newLogsTailCmd(g))
	return cmd
}

func newLogsVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute entry checksums and report tampered lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bad := 0
			for _, name := range auditLogs {
				res, err := events.Verify(filepath.Join(base, "logs", name))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-14s entries=%d valid=%d\n", name, res.Entries, res.Valid)
				for _, id := range res.Mismatched {
					fmt.Fprintf(out, "  mismatch %s\n", id)
				}
				bad += len(res.Mismatched)
			}
			if bad > 0 {
				return fmt.Errorf("%d audit entries failed verification", bad)
			}
			return nil
		},
	}
}

func newLogsTailCmd(g *globalFlags) *cobra.Command {
	var (
		n         int
		eventType string
		actions   bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			name := auditLogs[0]
			if actions {
				name = auditLogs[1]
			}
			entries, err := events.ReadEntries(filepath.Join(base, "logs", name), eventType, n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-24s %-10s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.EventType, e.Phase, e.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	cmd.Flags().StringVar(&eventType, "type", "", "only entries of this event type")
	cmd.Flags().BoolVar(&actions, "actions", false, "read the action history instead of the event log")
	return cmd
}
