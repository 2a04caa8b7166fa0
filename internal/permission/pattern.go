// Package permission implements the static-rule and LLM-assisted tool-use
// authorization arbiter: pattern rewriting/matching,
// primary-field extraction, and the decision pipeline that combines both
// with an optional LLM classification step.
package permission

import (
	"os"
	"strings"
)

// RewritePattern applies the textual (no filesystem access) rewrite rules:
// a leading "~" expands against home, a leading "//" collapses to a single
// absolute slash, and a leading "/" is resolved relative to cwd.
func RewritePattern(pattern, cwd, home string) string {
	if pattern == "" {
		return ""
	}
	switch {
	case pattern == "~":
		return home
	case strings.HasPrefix(pattern, "~/"):
		return home + pattern[1:]
	case strings.HasPrefix(pattern, "//"):
		return pattern[1:]
	case strings.HasPrefix(pattern, "/") && cwd != "":
		return cwd + pattern
	default:
		return pattern
	}
}

// rewriteWithEnv is RewritePattern using the process's actual HOME.
func rewriteWithEnv(pattern, cwd string) string {
	return RewritePattern(pattern, cwd, os.Getenv("HOME"))
}

// MatchPattern reports whether value matches pattern. An empty pattern or
// exactly ":*" matches anything; a "<prefix>:*" pattern matches any value
// with that prefix; otherwise the match is exact string equality.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == ":*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// primaryFields maps a tool name to the field in its JSON input that rule
// patterns are matched against.
var primaryFields = map[string]string{
	"Bash":         "command",
	"Read":         "file_path",
	"Write":        "file_path",
	"Edit":         "file_path",
	"Glob":         "pattern",
	"Grep":         "pattern",
	"WebFetch":     "url",
	"Task":         "prompt",
	"Skill":        "skill",
	"WebSearch":    "query",
	"NotebookEdit": "notebook_path",
}

// PrimaryField returns the name of the tool input field used for pattern
// matching, or "" for unknown tools.
func PrimaryField(toolName string) string {
	return primaryFields[toolName]
}

// ExtractPrimaryValue pulls the primary field's string value out of a
// decoded tool-input map, returning "" if the tool is unknown or the field
// is absent/non-string.
func ExtractPrimaryValue(toolName string, input map[string]any) string {
	field := PrimaryField(toolName)
	if field == "" {
		return ""
	}
	v, ok := input[field].(string)
	if !ok {
		return ""
	}
	return v
}
