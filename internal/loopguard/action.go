// Package loopguard records tool actions, detects repetitive patterns and
// escalates interventions per problem.
package loopguard

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tools that change files. A phase whose actions are almost all outside this
// set is not making progress.
var modifyingTools = map[string]bool{
	"str_replace":       true,
	"full_file_rewrite": true,
	"create_file":       true,
	"write_file":        true,
	"delete_file":       true,
	"modify_file":       true,
}

// Action is one tool invocation made by a phase.
type Action struct {
	Phase     string         `json:"phase"`
	Agent     string         `json:"agent,omitempty"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	File      string         `json:"file,omitempty"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
}

// Modifies reports whether the action writes to the project.
func (a Action) Modifies() bool {
	return modifyingTools[a.Tool]
}

// Signature identifies "the same action" for repetition checks:
// tool(file:<path>,old:<50 chars>,content:<50 chars>,k=v...).
func (a Action) Signature() string {
	var parts []string
	if file := a.file(); file != "" {
		parts = append(parts, "file:"+file)
	}
	if v, ok := a.Args["old_str"]; ok {
		parts = append(parts, "old:"+truncate(fmt.Sprint(v), 50))
	}
	if v, ok := a.Args["content"]; ok {
		parts = append(parts, "content:"+truncate(fmt.Sprint(v), 50))
	}

	var rest []string
	for k, v := range a.Args {
		switch k {
		case "old_str", "content", "new_str", "file_path", "filepath":
			continue
		}
		rest = append(rest, k+"="+truncate(fmt.Sprint(v), 50))
	}
	sort.Strings(rest)
	parts = append(parts, rest...)

	return a.Tool + "(" + strings.Join(parts, ",") + ")"
}

func (a Action) file() string {
	if a.File != "" {
		return a.File
	}
	for _, k := range []string{"file_path", "filepath"} {
		if v, ok := a.Args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
