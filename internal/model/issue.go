package model

type IssueType string

const (
	IssueTypeSyntaxError          IssueType = "syntax_error"
	IssueTypeImportError          IssueType = "import_error"
	IssueTypeTypeError            IssueType = "type_error"
	IssueTypeLogicError           IssueType = "logic_error"
	IssueTypeIncomplete           IssueType = "incomplete"
	IssueTypeMissingFunctionality IssueType = "missing_functionality"
	IssueTypeStyleViolation       IssueType = "style_violation"
	IssueTypePerformance          IssueType = "performance"
	IssueTypeSecurity             IssueType = "security"
	IssueTypeOther                IssueType = "other"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type Issue struct {
	ID          string      `yaml:"id"`
	Type        IssueType   `yaml:"type"`
	Severity    Severity    `yaml:"severity"`
	Status      IssueStatus `yaml:"status"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description,omitempty"`
	File        string      `yaml:"file,omitempty"`
	Line        int         `yaml:"line,omitempty"`
	Function    string      `yaml:"function,omitempty"`
	Snippet     string      `yaml:"snippet,omitempty"`
	Resolution  string      `yaml:"resolution,omitempty"`

	RelatedTask      string   `yaml:"related_task,omitempty"`
	RelatedObjective string   `yaml:"related_objective,omitempty"`
	RelatedIssues    []string `yaml:"related_issues,omitempty"`
	AssignedToTask   string   `yaml:"assigned_to_task,omitempty"`

	ReportedBy string `yaml:"reported_by,omitempty"`
	ReportedAt string `yaml:"reported_at"`
	AssignedAt string `yaml:"assigned_at,omitempty"`
	StartedAt  string `yaml:"started_at,omitempty"`
	ResolvedAt string `yaml:"resolved_at,omitempty"`
	VerifiedAt string `yaml:"verified_at,omitempty"`
	ClosedAt   string `yaml:"closed_at,omitempty"`

	FixAttempts   int     `yaml:"fix_attempts"`
	TimeToFix     float64 `yaml:"time_to_fix,omitempty"` // hours
	SuggestedFix  string  `yaml:"suggested_fix,omitempty"`
	FixComplexity string  `yaml:"fix_complexity,omitempty"`
}

func (i *Issue) IsActive() bool {
	return IsIssueActive(i.Status)
}
