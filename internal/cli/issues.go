package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/issues"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/state"
)

func newIssuesCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List issues in fix order, with correlated groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			base, err := g.baseDir()
			if err != nil {
				return err
			}
			st := state.NewStore(base, cfg.Scheduler, nil, nil).Load()
			tracker := issues.NewTracker(zap.NewNop().Sugar())

			list := tracker.GetIssuesByPriority(st)
			if all {
				list = append(list, inactiveIssues(st)...)
			}

			w := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(w, "No issues.")
				return nil
			}
			fmt.Fprintf(w, "%-14s %-9s %-12s %-24s %s\n", "ID", "SEVERITY", "STATUS", "FILE", "TITLE")
			fmt.Fprintf(w, "%-14s %-9s %-12s %-24s %s\n",
				strings.Repeat("-", 14), strings.Repeat("-", 9), strings.Repeat("-", 12),
				strings.Repeat("-", 24), strings.Repeat("-", 5))
			for _, iss := range list {
				loc := iss.File
				if iss.Line > 0 {
					loc = fmt.Sprintf("%s:%d", iss.File, iss.Line)
				}
				fmt.Fprintf(w, "%-14s %-9s %-12s %-24s %s\n", iss.ID, iss.Severity, iss.Status, loc, iss.Title)
			}

			if corr := tracker.CorrelateIssues(st); len(corr) > 0 {
				fmt.Fprintln(w, "\nCorrelations:")
				for _, c := range corr {
					fmt.Fprintf(w, "  %-10s %.2f  %s  [%s]\n", c.Type, c.Confidence, c.Description, strings.Join(c.IssueIDs, ", "))
				}
			}

			stats := tracker.Stats(st)
			fmt.Fprintf(w, "\nTotal: %d  active: %d\n", stats.Total, stats.Active)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved, closed and won't-fix issues")
	return cmd
}

func inactiveIssues(st *model.PipelineState) []*model.Issue {
	var out []*model.Issue
	for _, iss := range st.Issues {
		if !iss.IsActive() {
			out = append(out, iss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
