package metrics

import (
	"sort"
	"strings"
	"text/template"

	"github.com/msageha/conductor/internal/model"
)

const (
	dashboardMaxTasks  = 20
	dashboardMaxIssues = 10
)

var statusOrder = []model.TaskStatus{
	model.TaskStatusNew,
	model.TaskStatusInProgress,
	model.TaskStatusQAPending,
	model.TaskStatusNeedsFixes,
	model.TaskStatusDebugPending,
	model.TaskStatusCompleted,
	model.TaskStatusSkipped,
	model.TaskStatusFailed,
}

var severityRank = map[model.Severity]int{
	model.SeverityCritical: 0,
	model.SeverityHigh:     1,
	model.SeverityMedium:   2,
	model.SeverityLow:      3,
}

type statusCount struct {
	Status model.TaskStatus
	Count  int
}

type phaseRow struct {
	Name     string
	Runs     int
	Failures int
	NoUpdate int
	LastRun  string
}

type dashboardData struct {
	Updated      string
	Mode         model.PipelineMode
	Continuous   model.Continuous
	Expansions   int
	StatusCounts []statusCount
	Active       []*model.Task
	MoreActive   int
	Issues       []*model.Issue
	MoreIssues   int
	Phases       []phaseRow
	Counters     model.MetricsCounters
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`# Conductor Dashboard

Updated: {{.Updated}}

- Mode: **{{.Mode}}**
- Iteration: {{.Continuous.CurrentIteration}}{{with .Continuous.Status}} ({{.}}){{end}}
{{- with .Continuous.LastPhase}}
- Last phase: {{.}}{{end}}
{{- with .Continuous.LastOutcome}}
- Last outcome: {{.}}{{end}}
{{- with .Continuous.LastReason}}
- Reason: {{.}}{{end}}
{{- with .Continuous.StoppedReason}}
- Stopped: {{.}}{{end}}
- Expansions: {{.Expansions}}

## Tasks

| Status | Count |
|--------|------:|
{{- range .StatusCounts}}
| {{.Status}} | {{.Count}} |
{{- end}}

## Active Tasks

{{range .Active -}}
- ` + "`{{.ID}}`" + ` {{.Status}} {{.TargetFile}} (priority={{.Priority}}, attempts={{.Attempts}})
{{end -}}
{{if .MoreActive}}- ... {{.MoreActive}} more
{{end -}}
{{if not .Active}}_No active tasks_
{{end}}
## Open Issues

{{range .Issues -}}
- ` + "`{{.ID}}`" + ` [{{.Severity}}] {{.Title}}{{with .File}} ({{.}}){{end}} {{.Status}}
{{end -}}
{{if .MoreIssues}}- ... {{.MoreIssues}} more
{{end -}}
{{if not .Issues}}_No open issues_
{{end}}
## Phases

| Phase | Runs | Failures | No-update | Last run |
|-------|-----:|---------:|----------:|----------|
{{- range .Phases}}
| {{.Name}} | {{.Runs}} | {{.Failures}} | {{.NoUpdate}} | {{.LastRun}} |
{{- end}}

## Counters

| Counter | Value |
|---------|------:|
| phase runs | {{.Counters.PhaseRuns}} |
| phase failures | {{.Counters.PhaseFailures}} |
| no-update runs | {{.Counters.NoUpdateRuns}} |
| forced transitions | {{.Counters.ForcedTransitions}} |
| loop interventions | {{.Counters.LoopInterventions}} |
| tool rescans | {{.Counters.ToolRescans}} |
| maintenance ticks | {{.Counters.MaintenanceTicks}} |
`))

func renderDashboard(st *model.PipelineState, counters model.MetricsCounters, updated string) string {
	data := dashboardData{
		Updated:    updated,
		Mode:       st.Mode,
		Continuous: st.Continuous,
		Expansions: st.ExpansionCount,
		Counters:   counters,
	}

	counts := st.CountByStatus()
	for _, s := range statusOrder {
		if n := counts[s]; n > 0 {
			data.StatusCounts = append(data.StatusCounts, statusCount{s, n})
		}
	}

	for _, t := range st.SortedTasks() {
		if t.IsTerminal() {
			continue
		}
		if len(data.Active) == dashboardMaxTasks {
			data.MoreActive++
			continue
		}
		data.Active = append(data.Active, t)
	}

	var open []*model.Issue
	for _, iss := range st.Issues {
		if iss.IsActive() {
			open = append(open, iss)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		ri, rj := severityRank[open[i].Severity], severityRank[open[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return open[i].ID < open[j].ID
	})
	if len(open) > dashboardMaxIssues {
		data.MoreIssues = len(open) - dashboardMaxIssues
		open = open[:dashboardMaxIssues]
	}
	data.Issues = open

	names := make([]string, 0, len(st.Phases))
	for name := range st.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := st.Phases[name]
		data.Phases = append(data.Phases, phaseRow{
			Name:     name,
			Runs:     p.RunCount,
			Failures: p.FailureCount,
			NoUpdate: st.NoUpdateCounts[name],
			LastRun:  p.LastRun,
		})
	}

	var sb strings.Builder
	if err := dashboardTmpl.Execute(&sb, data); err != nil {
		// the template is static; an error here means a data bug
		return "# Conductor Dashboard\n\nrender failed: " + err.Error() + "\n"
	}
	return sb.String()
}
