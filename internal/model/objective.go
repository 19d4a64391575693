package model

type ObjectiveLevel string

const (
	ObjectiveLevelPrimary   ObjectiveLevel = "primary"
	ObjectiveLevelSecondary ObjectiveLevel = "secondary"
	ObjectiveLevelTertiary  ObjectiveLevel = "tertiary"
)

type ObjectiveStatus string

const (
	ObjectiveStatusProposed   ObjectiveStatus = "proposed"
	ObjectiveStatusActive     ObjectiveStatus = "active"
	ObjectiveStatusInProgress ObjectiveStatus = "in_progress"
	ObjectiveStatusCompleted  ObjectiveStatus = "completed"
	ObjectiveStatusBlocked    ObjectiveStatus = "blocked"
)

// Objective groups tasks and issues under a priority tier.
type Objective struct {
	ID             string          `yaml:"id"`
	Level          ObjectiveLevel  `yaml:"level"`
	Title          string          `yaml:"title"`
	Description    string          `yaml:"description,omitempty"`
	Status         ObjectiveStatus `yaml:"status"`
	Tasks          []string        `yaml:"tasks,omitempty"`
	CompletedTasks []string        `yaml:"completed_tasks,omitempty"`
	OpenIssues     []string        `yaml:"open_issues,omitempty"`
	CriticalIssues []string        `yaml:"critical_issues,omitempty"`
	DependsOn      []string        `yaml:"depends_on,omitempty"`
	CreatedAt      string          `yaml:"created_at"`
	UpdatedAt      string          `yaml:"updated_at"`
}

// CompletionPercent is the share of linked tasks that are done.
func (o *Objective) CompletionPercent() float64 {
	if len(o.Tasks) == 0 {
		return 0
	}
	return float64(len(o.CompletedTasks)) / float64(len(o.Tasks)) * 100
}

func (o *Objective) HasOpenIssue(issueID string) bool {
	for _, id := range o.OpenIssues {
		if id == issueID {
			return true
		}
	}
	return false
}

// AddOpenIssue records issueID as open. Critical issues are also tracked in
// CriticalIssues.
func (o *Objective) AddOpenIssue(issueID string, critical bool) {
	if !o.HasOpenIssue(issueID) {
		o.OpenIssues = append(o.OpenIssues, issueID)
	}
	if critical && !contains(o.CriticalIssues, issueID) {
		o.CriticalIssues = append(o.CriticalIssues, issueID)
	}
}

func (o *Objective) RemoveOpenIssue(issueID string) {
	o.OpenIssues = removeString(o.OpenIssues, issueID)
	o.CriticalIssues = removeString(o.CriticalIssues, issueID)
}

// AddTask links a task, idempotently.
func (o *Objective) AddTask(taskID string) {
	if !contains(o.Tasks, taskID) {
		o.Tasks = append(o.Tasks, taskID)
	}
}

// MarkTaskCompleted moves the objective forward and completes it once every
// linked task is done.
func (o *Objective) MarkTaskCompleted(taskID, now string) {
	if !contains(o.Tasks, taskID) || contains(o.CompletedTasks, taskID) {
		return
	}
	o.CompletedTasks = append(o.CompletedTasks, taskID)
	o.UpdatedAt = now
	if len(o.CompletedTasks) == len(o.Tasks) && len(o.OpenIssues) == 0 {
		o.Status = ObjectiveStatusCompleted
	} else if o.Status == ObjectiveStatusProposed || o.Status == ObjectiveStatusActive {
		o.Status = ObjectiveStatusInProgress
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
