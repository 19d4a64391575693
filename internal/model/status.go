package model

import "fmt"

type TaskStatus string

const (
	TaskStatusNew          TaskStatus = "NEW"
	TaskStatusInProgress   TaskStatus = "IN_PROGRESS"
	TaskStatusQAPending    TaskStatus = "QA_PENDING"
	TaskStatusNeedsFixes   TaskStatus = "NEEDS_FIXES"
	TaskStatusDebugPending TaskStatus = "DEBUG_PENDING"
	TaskStatusCompleted    TaskStatus = "COMPLETED"
	TaskStatusSkipped      TaskStatus = "SKIPPED"
	TaskStatusFailed       TaskStatus = "FAILED"
)

type QAStatus string

const (
	QAStatusUnknown  QAStatus = "UNKNOWN"
	QAStatusPending  QAStatus = "PENDING"
	QAStatusApproved QAStatus = "APPROVED"
	QAStatusRejected QAStatus = "REJECTED"
)

type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusAssigned   IssueStatus = "assigned"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusResolved   IssueStatus = "resolved"
	IssueStatusVerified   IssueStatus = "verified"
	IssueStatusClosed     IssueStatus = "closed"
	IssueStatusReopened   IssueStatus = "reopened"
	IssueStatusWontFix    IssueStatus = "wont_fix"
)

type PipelineMode string

const (
	ModeNormal      PipelineMode = "normal"
	ModeMaintenance PipelineMode = "maintenance"
)

// Terminal task states. COMPLETED is terminal for scheduling purposes but may
// still be reopened into NEEDS_FIXES when an issue is filed against its file.
var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusSkipped:   true,
	TaskStatusFailed:    true,
}

// Issues in these states no longer compete for fix priority.
var terminalIssueStatuses = map[IssueStatus]bool{
	IssueStatusResolved: true,
	IssueStatusVerified: true,
	IssueStatusClosed:   true,
	IssueStatusWontFix:  true,
}

var activeIssueStatuses = map[IssueStatus]bool{
	IssueStatusOpen:       true,
	IssueStatusAssigned:   true,
	IssueStatusInProgress: true,
	IssueStatusReopened:   true,
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusNew: {
		TaskStatusInProgress: true,
		TaskStatusQAPending:  true,
		TaskStatusSkipped:    true,
		TaskStatusFailed:     true,
	},
	TaskStatusInProgress: {
		TaskStatusNew:          true, // released without work
		TaskStatusQAPending:    true,
		TaskStatusNeedsFixes:   true,
		TaskStatusDebugPending: true,
		TaskStatusCompleted:    true,
		TaskStatusSkipped:      true,
		TaskStatusFailed:       true,
	},
	TaskStatusQAPending: {
		TaskStatusCompleted:  true,
		TaskStatusNeedsFixes: true,
		TaskStatusInProgress: true,
		TaskStatusSkipped:    true,
	},
	TaskStatusNeedsFixes: {
		TaskStatusDebugPending: true,
		TaskStatusInProgress:   true,
		TaskStatusQAPending:    true,
		TaskStatusSkipped:      true,
		TaskStatusFailed:       true,
	},
	TaskStatusDebugPending: {
		TaskStatusInProgress: true,
		TaskStatusQAPending:  true,
		TaskStatusNeedsFixes: true,
		TaskStatusSkipped:    true,
		TaskStatusFailed:     true,
	},
	// issue filed against a finished file
	TaskStatusCompleted: {
		TaskStatusNeedsFixes: true,
	},
}

var validIssueTransitions = map[IssueStatus]map[IssueStatus]bool{
	IssueStatusOpen: {
		IssueStatusAssigned:   true,
		IssueStatusInProgress: true,
		IssueStatusResolved:   true,
		IssueStatusWontFix:    true,
	},
	IssueStatusAssigned: {
		IssueStatusOpen:       true,
		IssueStatusInProgress: true,
		IssueStatusResolved:   true,
		IssueStatusWontFix:    true,
	},
	IssueStatusInProgress: {
		IssueStatusAssigned: true,
		IssueStatusResolved: true,
		IssueStatusWontFix:  true,
	},
	IssueStatusResolved: {
		IssueStatusVerified: true,
		IssueStatusReopened: true,
	},
	IssueStatusVerified: {
		IssueStatusClosed:   true,
		IssueStatusReopened: true,
	},
	IssueStatusClosed: {
		IssueStatusReopened: true,
	},
	IssueStatusReopened: {
		IssueStatusAssigned:   true,
		IssueStatusInProgress: true,
		IssueStatusResolved:   true,
		IssueStatusWontFix:    true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsIssueTerminal(s IssueStatus) bool {
	return terminalIssueStatuses[s]
}

func IsIssueActive(s IssueStatus) bool {
	return activeIssueStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		if IsTaskTerminal(from) {
			return fmt.Errorf("cannot transition from terminal task status %q", from)
		}
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateIssueTransition(from, to IssueStatus) error {
	allowed, ok := validIssueTransitions[from]
	if !ok {
		if from == IssueStatusWontFix {
			return fmt.Errorf("cannot transition from terminal issue status %q", from)
		}
		return fmt.Errorf("unknown issue status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid issue transition: %q → %q", from, to)
	}
	return nil
}
